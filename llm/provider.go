package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/BaSui01/qwengate/api"
)

// Provider type tags persisted in the catalog. Unknown tags degrade to
// the generic OpenAI-compatible passthrough.
const (
	TypeQwenDirect   = "qwen_direct"
	TypeQwenProxy    = "qwen_proxy"
	TypeLMStudio     = "lm_studio"
	TypeOpenAICompat = "openai_compatible"
)

// ErrorCode classifies gateway errors for retry decisions and for the
// OpenAI error envelope's "code" field.
type ErrorCode string

const (
	ErrCredentialsMissing ErrorCode = "credentials_missing"
	ErrCredentialsExpired ErrorCode = "credentials_expired"
	ErrRateLimited        ErrorCode = "upstream_rate_limited"
	ErrUpstreamServer     ErrorCode = "upstream_server_error"
	ErrUpstreamNetwork    ErrorCode = "upstream_network_error"
	ErrUpstreamClient     ErrorCode = "upstream_client_error"
	ErrChatNotFound       ErrorCode = "chat_not_found"
	ErrConfigInvalid      ErrorCode = "config_invalid"
	ErrProviderNotFound   ErrorCode = "provider_not_found"
	ErrProviderNotLoaded  ErrorCode = "provider_not_loaded"
	ErrProviderDisabled   ErrorCode = "provider_disabled"
	ErrSessionMissing     ErrorCode = "session_missing"
	ErrValidation         ErrorCode = "validation_error"
	ErrServer             ErrorCode = "server_error"
)

// Error is the typed error shared across the provider, registry and
// router layers. HTTPStatus is the status the gateway answers with;
// Retryable drives the client retry policy.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewError builds an Error with the default HTTP status for its code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: defaultStatus(code)}
}

func defaultStatus(code ErrorCode) int {
	switch code {
	case ErrValidation, ErrConfigInvalid:
		return http.StatusBadRequest
	case ErrProviderNotFound, ErrChatNotFound:
		return http.StatusNotFound
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrProviderNotLoaded, ErrProviderDisabled:
		return http.StatusServiceUnavailable
	case ErrUpstreamServer, ErrUpstreamNetwork, ErrUpstreamClient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// EnvelopeType maps an error code to the OpenAI envelope "type" field.
func (e *Error) EnvelopeType() string {
	switch e.Code {
	case ErrValidation, ErrConfigInvalid:
		return "validation_error"
	case ErrProviderNotFound, ErrChatNotFound:
		return "not_found_error"
	case ErrProviderDisabled:
		return "conflict_error"
	case ErrProviderNotLoaded:
		return "provider_not_loaded_error"
	default:
		return "server_error"
	}
}

// StreamChunk is one SSE payload produced by a streaming provider.
// Data holds the JSON of a single "data:" line, without framing and
// without the terminal [DONE] marker, which the HTTP layer appends.
type StreamChunk struct {
	Data json.RawMessage
	Err  *Error
}

// ChatResult is the outcome of Provider.Chat. Exactly one of Response
// (non-streaming JSON) and Stream is set, governed by the request's
// stream flag. Provider is filled in by the router for observability.
type ChatResult struct {
	Response json.RawMessage
	Stream   <-chan StreamChunk
	Provider string
}

// Provider is the unified capability surface over one configured
// upstream. The registry exclusively owns live instances; everything
// else borrows. Destroy releases provider-held resources (session
// sweeps, idle connections) and must be safe to call once.
type Provider interface {
	ID() string
	Name() string
	Type() string
	Chat(ctx context.Context, req *api.ChatCompletionRequest) (*ChatResult, error)
	ListModels(ctx context.Context) (*api.ModelList, error)
	HealthCheck(ctx context.Context) error
	Destroy()
}

// BaseURLer is implemented by providers that target a fixed upstream
// URL; the health endpoint reports it when available.
type BaseURLer interface {
	BaseURL() string
}
