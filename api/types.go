// Package api defines the OpenAI-compatible wire types spoken on the
// gateway's public surface. Field names and JSON tags follow the OpenAI
// chat-completion schema; changing them breaks clients.
package api

import "encoding/json"

// ChatMessage is a single turn in a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionRequest is the request body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []ChatMessage   `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`

	// Provider selects a specific registered provider for this request.
	// Gateway extension; absent in the upstream OpenAI schema.
	Provider string `json:"provider,omitempty"`

	// Raw holds the request body exactly as received, so passthrough
	// providers can forward it without re-serialization artifacts.
	Raw json.RawMessage `json:"-"`
}

// FirstUserMessage returns the content of the first user-role message.
func (r *ChatCompletionRequest) FirstUserMessage() (string, bool) {
	for _, m := range r.Messages {
		if m.Role == "user" {
			return m.Content, true
		}
	}
	return "", false
}

// LastUserMessage returns the content of the last user-role message.
func (r *ChatCompletionRequest) LastUserMessage() (string, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content, true
		}
	}
	return "", false
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChoice is one alternative in a non-streaming response.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletion is the non-streaming response of /v1/chat/completions.
type ChatCompletion struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

// ChunkDelta carries the incremental part of a streamed choice.
// The terminal chunk has an empty delta, serialized as {}.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one alternative in a streamed chunk. FinishReason is
// null until the terminal chunk, which carries "stop".
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE frame of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// Model is one entry of the /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the response of GET /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorDetail is the inner object of an OpenAI error envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse is the OpenAI error envelope. Every error leaving the
// gateway, including mid-stream errors, uses this shape.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
