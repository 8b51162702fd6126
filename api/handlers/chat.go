package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BaSui01/qwengate/api"
	"github.com/BaSui01/qwengate/llm"
	"github.com/BaSui01/qwengate/store"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes bounds the chat-completion request body.
const DefaultMaxBodyBytes = 10 << 20

// DefaultRequestTimeout bounds a non-streaming completion end to end.
// Streaming requests are exempt; an SSE body may outlive any budget.
const DefaultRequestTimeout = 120 * time.Second

// ChatMetrics receives chat telemetry. *metrics.Collector satisfies it.
type ChatMetrics interface {
	RecordChatRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int)
	RecordStreamChunk(provider string)
}

// ChatHandler serves POST /v1/chat/completions, framing the router's
// result as JSON or SSE depending on the request's stream flag.
type ChatHandler struct {
	router   *llm.Router
	settings *store.Settings
	logs     *store.RequestLogStore
	maxBody  int64
	timeout  time.Duration
	metrics  ChatMetrics
	logger   *zap.Logger
}

// NewChatHandler wires the chat endpoint. settings and logs are
// optional; without them request history is disabled.
func NewChatHandler(router *llm.Router, settings *store.Settings, logs *store.RequestLogStore, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		router:   router,
		settings: settings,
		logs:     logs,
		maxBody:  DefaultMaxBodyBytes,
		timeout:  DefaultRequestTimeout,
		logger:   logger.With(zap.String("handler", "chat")),
	}
}

// WithTimeout sets the non-streaming request deadline. Zero disables it.
func (h *ChatHandler) WithTimeout(d time.Duration) *ChatHandler {
	h.timeout = d
	return h
}

// WithMetrics attaches the telemetry sink.
func (h *ChatHandler) WithMetrics(m ChatMetrics) *ChatHandler {
	h.metrics = m
	return h
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		WriteError(w, h.logger, llm.NewError(llm.ErrValidation, "request body unreadable or too large"))
		return
	}

	var req api.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		WriteError(w, h.logger, llm.NewError(llm.ErrValidation, "invalid JSON body: "+err.Error()))
		return
	}
	req.Raw = raw
	// The body's provider field wins over the header.
	if req.Provider == "" {
		req.Provider = r.Header.Get("X-Provider")
	}

	// A non-streaming turn is bounded; a stream only gets the deadline
	// up to its first byte via the provider's own header timeout.
	ctx := r.Context()
	if !req.Stream && h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := h.router.Route(ctx, &req)
	if err != nil {
		h.recordChat(&req, "error", start, nil)
		h.logRequest(r, &req, raw, nil, statusOf(err), start)
		WriteError(w, h.logger, err)
		return
	}

	if result.Stream != nil {
		h.writeStream(w, r, &req, result, start)
		h.logRequest(r, &req, raw, nil, http.StatusOK, start)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Response)
	h.recordChat(&req, "ok", start, result.Response)
	h.logRequest(r, &req, raw, result.Response, http.StatusOK, start)
}

// recordChat publishes one completion outcome. Token counts come from
// the response usage block when present.
func (h *ChatHandler) recordChat(req *api.ChatCompletionRequest, status string, start time.Time, respBody []byte) {
	if h.metrics == nil {
		return
	}
	var usage api.Usage
	if len(respBody) > 0 {
		var parsed struct {
			Usage api.Usage `json:"usage"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			usage = parsed.Usage
		}
	}
	h.metrics.RecordChatRequest(providerLabel(req), req.Model, status,
		time.Since(start), usage.PromptTokens, usage.CompletionTokens)
}

func providerLabel(req *api.ChatCompletionRequest) string {
	if req.Provider == "" {
		return "default"
	}
	return req.Provider
}

// writeStream frames provider chunks as SSE. A mid-stream error is
// emitted as one envelope data line; the terminal [DONE] is written
// exactly once on every path.
func (h *ChatHandler) writeStream(w http.ResponseWriter, r *http.Request, req *api.ChatCompletionRequest, result *llm.ChatResult, start time.Time) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}
	flush()

	status := "ok"
	var usage api.Usage
	for chunk := range result.Stream {
		select {
		case <-r.Context().Done():
			// Client gone; drain is the provider's job via ctx.
			return
		default:
		}
		if chunk.Err != nil {
			status = "error"
			_, env := Envelope(chunk.Err)
			data, _ := json.Marshal(env)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flush()
			break
		}
		if h.metrics != nil {
			h.metrics.RecordStreamChunk(providerLabel(req))
			var parsed struct {
				Usage *api.Usage `json:"usage"`
			}
			if json.Unmarshal(chunk.Data, &parsed) == nil && parsed.Usage != nil {
				usage = *parsed.Usage
			}
		}
		fmt.Fprintf(w, "data: %s\n\n", chunk.Data)
		flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flush()

	if h.metrics != nil {
		h.metrics.RecordChatRequest(providerLabel(req), req.Model, status,
			time.Since(start), usage.PromptTokens, usage.CompletionTokens)
	}
}

// logRequest appends a history row when the logging settings enable
// it. Never blocks or fails the request.
func (h *ChatHandler) logRequest(r *http.Request, req *api.ChatCompletionRequest, body, respBody []byte, status int, start time.Time) {
	if h.settings == nil || h.logs == nil {
		return
	}
	ctx := r.Context()
	logReq := h.settings.GetBool(ctx, store.SettingLogRequests, false)
	logResp := h.settings.GetBool(ctx, store.SettingLogResponses, false)
	if !logReq && !logResp {
		return
	}

	row := &store.RequestLog{
		ProviderID: req.Provider,
		Model:      req.Model,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		Stream:     req.Stream,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if logReq {
		b := string(body)
		row.RequestBody = &b
	}
	if logResp && respBody != nil {
		b := string(respBody)
		row.ResponseBody = &b
	}
	h.logs.Append(ctx, row)
}

func statusOf(err error) int {
	status, _ := Envelope(err)
	return status
}
