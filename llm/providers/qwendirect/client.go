package qwendirect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/BaSui01/qwengate/api"
	"github.com/BaSui01/qwengate/internal/tlsutil"
	"github.com/BaSui01/qwengate/llm"
	"github.com/BaSui01/qwengate/llm/retry"
	"go.uber.org/zap"
)

// DefaultBaseURL is the Qwen chat host; configurable per provider.
const DefaultBaseURL = "https://chat.qwen.ai"

// createChatTimeout bounds chat creation and the initiation of a
// completion call. The streaming body itself is not bounded.
const createChatTimeout = 30 * time.Second

// Credentials supplies the upstream auth material. Implemented by
// store.CredentialStore; an interface here keeps the adapter testable
// and free of a storage dependency.
type Credentials interface {
	// Headers returns the wire-exact upstream headers, or an error when
	// no usable credential record exists.
	Headers(ctx context.Context) (map[string]string, error)
	// Valid reports whether a usable credential record exists.
	Valid(ctx context.Context) bool
}

// Client speaks the native chat.qwen.ai protocol: chat creation,
// message completion (stream and non-stream) and model listing. Every
// attempt fetches fresh headers so a credential rotation between
// retries takes effect.
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewClient builds a client for baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, creds Credentials, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := tlsutil.SecureTransport()
	transport.ResponseHeaderTimeout = createChatTimeout
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport},
		creds:   creds,
		retryer: retry.New(retry.DefaultPolicy(), logger),
		logger:  logger.With(zap.String("component", "qwen_client")),
	}
}

// BaseURL returns the configured upstream host.
func (c *Client) BaseURL() string { return c.baseURL }

// WithRetryPolicy swaps the backoff policy. Returns the client for
// chaining at construction sites.
func (c *Client) WithRetryPolicy(policy *retry.Policy) *Client {
	c.retryer = retry.New(policy, c.logger)
	return c
}

// CreateChat opens a new upstream chat container and returns its id.
func (c *Client) CreateChat(ctx context.Context, title, model string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, createChatTimeout)
	defer cancel()

	body, err := json.Marshal(NewCreateChatPayload(title, model))
	if err != nil {
		return "", fmt.Errorf("encode create-chat payload: %w", err)
	}

	var chatID string
	err = c.retryer.Do(ctx, func() error {
		resp, reqErr := c.do(ctx, http.MethodPost, "/api/v2/chats/new", "", body)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close()

		var parsed struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&parsed); decErr != nil {
			return &llm.Error{
				Code:       llm.ErrUpstreamServer,
				Message:    "Qwen create-chat returned an unreadable body",
				HTTPStatus: http.StatusBadGateway,
			}
		}
		if parsed.Data.ID == "" {
			return &llm.Error{
				Code:       llm.ErrUpstreamServer,
				Message:    "Qwen create-chat response is missing the chat id",
				HTTPStatus: http.StatusBadGateway,
			}
		}
		chatID = parsed.Data.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("chat created", zap.String("chat_id", chatID))
	return chatID, nil
}

// SendMessage posts a non-streaming completion and returns the raw
// native response body.
func (c *Client) SendMessage(ctx context.Context, payload *CompletionPayload) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode completion payload: %w", err)
	}
	query := url.Values{"chat_id": {payload.ChatID}}.Encode()

	var out json.RawMessage
	err = c.retryer.Do(ctx, func() error {
		resp, reqErr := c.do(ctx, http.MethodPost, "/api/v2/chat/completions", query, body)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close()

		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return &llm.Error{
				Code:       llm.ErrUpstreamNetwork,
				Message:    "Qwen response read failed: " + readErr.Error(),
				HTTPStatus: http.StatusBadGateway,
				Retryable:  true,
			}
		}
		out = raw
		return nil
	})
	return out, err
}

// SendMessageStream posts a streaming completion and returns the raw
// SSE body. The caller owns the reader and must close it.
func (c *Client) SendMessageStream(ctx context.Context, payload *CompletionPayload) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode completion payload: %w", err)
	}
	query := url.Values{"chat_id": {payload.ChatID}}.Encode()

	var stream io.ReadCloser
	err = c.retryer.Do(ctx, func() error {
		resp, reqErr := c.do(ctx, http.MethodPost, "/api/v2/chat/completions", query, body)
		if reqErr != nil {
			return reqErr
		}
		stream = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// ListModels fetches the upstream model listing.
func (c *Client) ListModels(ctx context.Context) ([]api.Model, error) {
	var models []api.Model
	err := c.retryer.Do(ctx, func() error {
		resp, reqErr := c.do(ctx, http.MethodGet, "/api/models", "", nil)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close()

		var parsed struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&parsed); decErr != nil {
			return &llm.Error{
				Code:       llm.ErrUpstreamServer,
				Message:    "Qwen model listing returned an unreadable body",
				HTTPStatus: http.StatusBadGateway,
			}
		}
		now := time.Now().Unix()
		models = models[:0]
		for _, m := range parsed.Data {
			models = append(models, api.Model{
				ID: m.ID, Object: "model", Created: now, OwnedBy: "qwen",
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return models, nil
}

// HealthCheck short-circuits on invalid credentials, then probes the
// model listing.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.creds.Valid(ctx) {
		return credentialsMissingError()
	}
	_, err := c.ListModels(ctx)
	return err
}

// do issues one attempt: fresh headers, verbatim header keys, status
// classification. Callers own resp.Body on success.
func (c *Client) do(ctx context.Context, method, path, rawQuery string, body []byte) (*http.Response, error) {
	headers, err := c.creds.Headers(ctx)
	if err != nil {
		return nil, credentialsMissingError()
	}

	target := c.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	// Direct map assignment: Header.Set would canonicalize
	// "bx-umidtoken", and the upstream matches it case-sensitively.
	for k, v := range headers {
		req.Header[k] = []string{v}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamNetwork,
			Message:    "Qwen network error: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
		}
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode)
	}
	return resp, nil
}

func credentialsMissingError() *llm.Error {
	return &llm.Error{
		Code:       llm.ErrCredentialsMissing,
		Message:    "Qwen credentials not found or expired",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// classifyStatus maps an upstream HTTP status to a typed error. Auth
// and not-found are terminal; rate limits and 5xx retry.
func classifyStatus(status int) *llm.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &llm.Error{
			Code:       llm.ErrCredentialsExpired,
			Message:    "Qwen credentials invalid or expired",
			HTTPStatus: http.StatusInternalServerError,
		}
	case status == http.StatusNotFound:
		return &llm.Error{
			Code:       llm.ErrChatNotFound,
			Message:    "Qwen chat not found",
			HTTPStatus: http.StatusNotFound,
		}
	case status == http.StatusTooManyRequests:
		return &llm.Error{
			Code:       llm.ErrRateLimited,
			Message:    "Qwen rate limit exceeded, please slow down",
			HTTPStatus: http.StatusTooManyRequests,
			Retryable:  true,
		}
	case status >= 500:
		return &llm.Error{
			Code:       llm.ErrUpstreamServer,
			Message:    fmt.Sprintf("Qwen server error (status %d)", status),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
		}
	default:
		return &llm.Error{
			Code:       llm.ErrUpstreamClient,
			Message:    fmt.Sprintf("Qwen rejected the request (status %d)", status),
			HTTPStatus: http.StatusBadGateway,
		}
	}
}
