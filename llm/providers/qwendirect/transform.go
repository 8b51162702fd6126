package qwendirect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/qwengate/api"
	"github.com/google/uuid"
)

// The native payload field names are wire-significant; the upstream
// rejects or misinterprets renamed fields. parent_id is sent in both
// camelCase and snake_case because different upstream builds read
// different keys.

// FeatureConfig disables the thinking channel and pins the phased
// output schema.
type FeatureConfig struct {
	ThinkingEnabled bool   `json:"thinking_enabled"`
	OutputSchema    string `json:"output_schema"`
}

// NativeMessage is the single message object of a completion payload:
// always the last user turn of the OpenAI request.
type NativeMessage struct {
	FID           string        `json:"fid"`
	ParentID      *string       `json:"parentId"`
	ParentIDSnake *string       `json:"parent_id"`
	ChildrenIDs   []string      `json:"childrenIds"`
	Role          string        `json:"role"`
	Content       string        `json:"content"`
	UserAction    string        `json:"user_action"`
	Files         []any         `json:"files"`
	Timestamp     int64         `json:"timestamp"` // seconds
	Models        []string      `json:"models"`
	ChatType      string        `json:"chat_type"`
	SubChatType   string        `json:"sub_chat_type"`
	FeatureConfig FeatureConfig `json:"feature_config"`
	Extra         NativeExtra   `json:"extra"`
}

// NativeExtra carries upstream routing metadata.
type NativeExtra struct {
	Meta NativeMeta `json:"meta"`
}

// NativeMeta pins the text-to-text sub-chat type.
type NativeMeta struct {
	SubChatType string `json:"subChatType"`
}

// CompletionPayload is the outer body of POST /api/v2/chat/completions.
type CompletionPayload struct {
	Stream            bool            `json:"stream"`
	IncrementalOutput bool            `json:"incremental_output"`
	ChatID            string          `json:"chat_id"`
	ChatMode          string          `json:"chat_mode"`
	Model             string          `json:"model"`
	ParentID          *string         `json:"parent_id"`
	Messages          []NativeMessage `json:"messages"`
	Timestamp         int64           `json:"timestamp"` // seconds
}

// CreateChatPayload is the body of POST /api/v2/chats/new. Its
// timestamp is milliseconds, unlike the completion payload.
type CreateChatPayload struct {
	Title     string   `json:"title"`
	Models    []string `json:"models"`
	ChatMode  string   `json:"chat_mode"`
	ChatType  string   `json:"chat_type"`
	Timestamp int64    `json:"timestamp"` // ms
}

// NewCreateChatPayload builds the create-chat body for one model.
func NewCreateChatPayload(title, model string) *CreateChatPayload {
	return &CreateChatPayload{
		Title:     title,
		Models:    []string{model},
		ChatMode:  "guest",
		ChatType:  "t2t",
		Timestamp: time.Now().UnixMilli(),
	}
}

// BuildCompletionPayload maps an OpenAI request plus the session's
// {chat_id, parent_id} to the native completion body. Only the last
// user turn is sent; the upstream reconstructs history from the
// parent_id chain.
func BuildCompletionPayload(req *api.ChatCompletionRequest, model, chatID string, parentID *string, stream bool) (*CompletionPayload, error) {
	content, ok := req.LastUserMessage()
	if !ok {
		return nil, fmt.Errorf("request has no user message")
	}
	now := time.Now().Unix()
	msg := NativeMessage{
		FID:           uuid.NewString(),
		ParentID:      parentID,
		ParentIDSnake: parentID,
		ChildrenIDs:   []string{},
		Role:          "user",
		Content:       content,
		UserAction:    "chat",
		Files:         []any{},
		Timestamp:     now,
		Models:        []string{model},
		ChatType:      "t2t",
		SubChatType:   "t2t",
		FeatureConfig: FeatureConfig{ThinkingEnabled: false, OutputSchema: "phase"},
		Extra:         NativeExtra{Meta: NativeMeta{SubChatType: "t2t"}},
	}
	return &CompletionPayload{
		Stream:            stream,
		IncrementalOutput: true,
		ChatID:            chatID,
		ChatMode:          "guest",
		Model:             model,
		ParentID:          parentID,
		Messages:          []NativeMessage{msg},
		Timestamp:         now,
	}, nil
}

// nativeFrame is one parsed upstream SSE payload or the non-stream
// response body. Only the fields the adapter reads are declared.
type nativeFrame struct {
	ResponseCreated *responseCreated `json:"response.created"`
	ParentID        string           `json:"parent_id"`
	Choices         []nativeChoice   `json:"choices"`
	Usage           *nativeUsage     `json:"usage"`
}

type responseCreated struct {
	ParentID string `json:"parent_id"`
}

type nativeChoice struct {
	Delta   *nativeDelta   `json:"delta"`
	Message *nativeMessage `json:"message"`
}

type nativeDelta struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

type nativeMessage struct {
	Content string `json:"content"`
}

// parentID returns the parent id carried by the frame, from either the
// response.created envelope or the top level.
func (f *nativeFrame) parentID() string {
	if f.ResponseCreated != nil && f.ResponseCreated.ParentID != "" {
		return f.ResponseCreated.ParentID
	}
	return f.ParentID
}

// usage maps the native token fields to the OpenAI names.
type nativeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *nativeUsage) toOpenAI() *api.Usage {
	if u == nil {
		return nil
	}
	return &api.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func chunkID() string {
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli())
}

// NewContentChunk builds one OpenAI streaming chunk carrying a content
// delta and a null finish_reason.
func NewContentChunk(model, content string) *api.ChatCompletionChunk {
	return &api.ChatCompletionChunk{
		ID:      chunkID(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []api.ChunkChoice{{
			Index: 0,
			Delta: api.ChunkDelta{Content: content},
		}},
	}
}

// NewFinalChunk builds the terminal chunk: empty delta, finish_reason
// "stop", usage attached when the upstream reported one.
func NewFinalChunk(model string, usage *api.Usage) *api.ChatCompletionChunk {
	stop := "stop"
	return &api.ChatCompletionChunk{
		ID:      chunkID(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []api.ChunkChoice{{
			Index:        0,
			Delta:        api.ChunkDelta{},
			FinishReason: &stop,
		}},
		Usage: usage,
	}
}

// NonStreamResponse maps a full native response body to an OpenAI
// chat-completion object. The upstream omits usage on non-stream
// responses; zeros are emitted rather than failing.
func NonStreamResponse(model string, body []byte) (*api.ChatCompletion, string, error) {
	var frame nativeFrame
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, "", fmt.Errorf("decode upstream response: %w", err)
	}
	content := ""
	if len(frame.Choices) > 0 {
		c := frame.Choices[0]
		switch {
		case c.Message != nil:
			content = c.Message.Content
		case c.Delta != nil:
			content = c.Delta.Content
		}
	}
	usage := api.Usage{}
	if u := frame.Usage.toOpenAI(); u != nil {
		usage = *u
	}
	resp := &api.ChatCompletion{
		ID:      chunkID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []api.ChatCompletionChoice{{
			Index:        0,
			Message:      api.ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: usage,
	}
	return resp, frame.parentID(), nil
}
