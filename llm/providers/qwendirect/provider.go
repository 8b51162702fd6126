// Package qwendirect adapts the stateful chat.qwen.ai native protocol
// to the gateway's OpenAI-shaped Provider surface. Conversation
// identity is the MD5 of the first user message; each conversation
// maps to one upstream chat whose turns are threaded by parent_id.
package qwendirect

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/BaSui01/qwengate/api"
	"github.com/BaSui01/qwengate/llm"
	"github.com/BaSui01/qwengate/llm/retry"
	"go.uber.org/zap"
)

// DefaultModel is used when neither the request nor the catalog names
// a model.
const DefaultModel = "qwen3-max"

// Observer receives the adapter's telemetry: session lifecycle and
// upstream retries. *metrics.Collector satisfies it.
type Observer interface {
	SessionObserver
	RecordUpstreamRetry(provider string)
}

// Config is the effective (catalog-merged) configuration of one
// qwen_direct provider.
type Config struct {
	ID           string
	Name         string
	BaseURL      string
	DefaultModel string
	Models       []string
	Observer     Observer
}

// Provider implements llm.Provider over the native Qwen protocol. It
// exclusively owns its SessionManager; Destroy stops the sweep.
type Provider struct {
	cfg      Config
	creds    Credentials
	client   *Client
	sessions *SessionManager
	logger   *zap.Logger
}

// New constructs the provider and starts its session sweep. Missing
// credentials fail construction; a provider that could never talk to
// the upstream should not register.
func New(cfg Config, creds Credentials, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if creds == nil || !creds.Valid(context.Background()) {
		return nil, &llm.Error{
			Code:       llm.ErrConfigInvalid,
			Message:    "qwen_direct provider requires stored credentials (token and cookies)",
			HTTPStatus: 400,
			Provider:   cfg.ID,
		}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	p := &Provider{
		cfg:      cfg,
		creds:    creds,
		client:   NewClient(cfg.BaseURL, creds, logger),
		sessions: NewSessionManager(DefaultSessionTTL, DefaultCleanupInterval, logger),
		logger:   logger.With(zap.String("provider", cfg.ID)),
	}
	if cfg.Observer != nil {
		p.sessions.WithObserver(cfg.ID, cfg.Observer)
		policy := retry.DefaultPolicy()
		policy.OnRetry = func(int, error, time.Duration) {
			cfg.Observer.RecordUpstreamRetry(cfg.ID)
		}
		p.client.WithRetryPolicy(policy)
	}
	p.sessions.StartCleanup()
	return p, nil
}

func (p *Provider) ID() string      { return p.cfg.ID }
func (p *Provider) Name() string    { return p.cfg.Name }
func (p *Provider) Type() string    { return llm.TypeQwenDirect }
func (p *Provider) BaseURL() string { return p.client.BaseURL() }

// Sessions exposes the session manager for admin and test surfaces.
func (p *Provider) Sessions() *SessionManager { return p.sessions }

// Chat serves one OpenAI chat-completion turn over the native
// protocol: resolve the conversation, create or reuse the upstream
// chat, send the last user turn, and thread parent_id forward.
func (p *Provider) Chat(ctx context.Context, req *api.ChatCompletionRequest) (*llm.ChatResult, error) {
	if !p.creds.Valid(ctx) {
		return nil, credentialsMissingError()
	}

	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	first, ok := req.FirstUserMessage()
	if !ok {
		return nil, llm.NewError(llm.ErrValidation, "messages must contain at least one user message")
	}
	convID, err := GenerateSessionID(first)
	if err != nil {
		return nil, err
	}

	chatID, parentID, created, err := p.resolveSession(ctx, convID, model)
	if err != nil {
		return nil, err
	}

	payload, err := BuildCompletionPayload(req, model, chatID, parentID, req.Stream)
	if err != nil {
		return nil, llm.NewError(llm.ErrValidation, err.Error())
	}

	if req.Stream {
		return p.chatStream(ctx, payload, convID, model, created)
	}
	return p.chatJSON(ctx, payload, convID, model, created)
}

// resolveSession returns the conversation's (chat_id, parent_id),
// creating the upstream chat on a first turn. created reports whether
// this call made the chat, so callers skip the stale-chat recovery.
func (p *Provider) resolveSession(ctx context.Context, convID, model string) (string, *string, bool, error) {
	if sess := p.sessions.Get(convID); sess != nil {
		return sess.ChatID, sess.ParentID, false, nil
	}
	chatID, err := p.client.CreateChat(ctx, "Conversation "+convID[:8], model)
	if err != nil {
		return "", nil, false, err
	}
	p.sessions.Create(convID, chatID)
	p.logger.Info("conversation started",
		zap.String("conversation_id", convID), zap.String("chat_id", chatID))
	return chatID, nil, true, nil
}

// recreateSession drops a stale session and opens a fresh chat. Used
// when the upstream reports the mapped chat gone (404).
func (p *Provider) recreateSession(ctx context.Context, convID, model string) (string, error) {
	p.sessions.Delete(convID)
	chatID, err := p.client.CreateChat(ctx, "Conversation "+convID[:8], model)
	if err != nil {
		return "", err
	}
	p.sessions.Create(convID, chatID)
	p.logger.Warn("stale chat mapping replaced",
		zap.String("conversation_id", convID), zap.String("chat_id", chatID))
	return chatID, nil
}

func isChatNotFound(err error) bool {
	var typed *llm.Error
	return errors.As(err, &typed) && typed.Code == llm.ErrChatNotFound
}

func (p *Provider) chatJSON(ctx context.Context, payload *CompletionPayload, convID, model string, created bool) (*llm.ChatResult, error) {
	raw, err := p.client.SendMessage(ctx, payload)
	if isChatNotFound(err) && !created {
		chatID, rcErr := p.recreateSession(ctx, convID, model)
		if rcErr != nil {
			return nil, rcErr
		}
		payload.ChatID = chatID
		payload.ParentID = nil
		if len(payload.Messages) > 0 {
			payload.Messages[0].ParentID = nil
			payload.Messages[0].ParentIDSnake = nil
		}
		raw, err = p.client.SendMessage(ctx, payload)
	}
	if err != nil {
		return nil, err
	}

	resp, parentID, err := NonStreamResponse(model, raw)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamServer,
			Message:    err.Error(),
			HTTPStatus: 502,
			Provider:   p.cfg.ID,
		}
	}
	if parentID != "" {
		p.sessions.UpdateParentID(convID, parentID)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, llm.NewError(llm.ErrServer, "encode completion response: "+err.Error())
	}
	return &llm.ChatResult{Response: body}, nil
}

func (p *Provider) chatStream(ctx context.Context, payload *CompletionPayload, convID, model string, created bool) (*llm.ChatResult, error) {
	body, err := p.client.SendMessageStream(ctx, payload)
	if isChatNotFound(err) && !created {
		chatID, rcErr := p.recreateSession(ctx, convID, model)
		if rcErr != nil {
			return nil, rcErr
		}
		payload.ChatID = chatID
		payload.ParentID = nil
		if len(payload.Messages) > 0 {
			payload.Messages[0].ParentID = nil
			payload.Messages[0].ParentIDSnake = nil
		}
		body, err = p.client.SendMessageStream(ctx, payload)
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 16)
	go p.pumpStream(ctx, body, convID, model, ch)
	return &llm.ChatResult{Stream: ch}, nil
}

// pumpStream reads the upstream SSE body, forwards content deltas as
// OpenAI chunks and captures parent_id from the response.created frame
// (which is never forwarded). The session update happens only when the
// upstream side terminated normally; a client cancel mid-stream leaves
// the session untouched for the next turn to recover.
func (p *Provider) pumpStream(ctx context.Context, body io.ReadCloser, convID, model string, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	capturedParent := ""
	finished := false
	sentContent := false

	emit := func(chunk *api.ChatCompletionChunk) bool {
		data, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		select {
		case ch <- llm.StreamChunk{Data: data}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			finished = true
			break
		}

		var frame nativeFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			p.logger.Debug("skipping unparseable stream frame", zap.Error(err))
			continue
		}

		if frame.ResponseCreated != nil {
			if capturedParent == "" {
				capturedParent = frame.ResponseCreated.ParentID
			}
			continue
		}

		if len(frame.Choices) == 0 || frame.Choices[0].Delta == nil {
			continue
		}
		delta := frame.Choices[0].Delta

		if delta.Status == "finished" {
			if !emit(NewFinalChunk(model, frame.Usage.toOpenAI())) {
				return
			}
			finished = true
			break
		}
		if delta.Content != "" {
			if !emit(NewContentChunk(model, delta.Content)) {
				return
			}
			sentContent = true
		}
	}

	if err := scanner.Err(); err != nil {
		// Partial content already reached the client; ending the stream
		// is the only correct move. With nothing sent yet, surface the
		// failure as an in-stream error envelope.
		if !sentContent && !finished {
			select {
			case ch <- llm.StreamChunk{Err: &llm.Error{
				Code:       llm.ErrUpstreamNetwork,
				Message:    "Qwen stream read failed: " + err.Error(),
				HTTPStatus: 502,
				Provider:   p.cfg.ID,
			}}:
			case <-ctx.Done():
			}
		}
		p.logger.Warn("upstream stream terminated abnormally",
			zap.String("conversation_id", convID), zap.Error(err))
		return
	}

	if capturedParent != "" {
		p.sessions.UpdateParentID(convID, capturedParent)
	}
}

// ListModels returns the catalog-configured model list, not a live
// upstream probe; the native listing includes internal models clients
// cannot address through this adapter.
func (p *Provider) ListModels(ctx context.Context) (*api.ModelList, error) {
	ids := p.cfg.Models
	if len(ids) == 0 {
		ids = []string{p.cfg.DefaultModel}
	}
	now := time.Now().Unix()
	list := &api.ModelList{Object: "list", Data: make([]api.Model, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, api.Model{
			ID: id, Object: "model", Created: now, OwnedBy: "qwen",
		})
	}
	return list, nil
}

// HealthCheck combines credential validity with a live model probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	return p.client.HealthCheck(ctx)
}

// Destroy stops the session sweep and drops all conversation state.
func (p *Provider) Destroy() {
	p.sessions.Shutdown()
	p.logger.Info("provider destroyed")
}
