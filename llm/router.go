package llm

import (
	"context"
	"errors"

	"github.com/BaSui01/qwengate/api"
	"go.uber.org/zap"
)

// SettingsSource exposes the process-wide routing settings. Implemented
// by the durable store's settings table.
type SettingsSource interface {
	ActiveProvider(ctx context.Context) string
}

// Router selects a provider for each request and normalizes provider
// errors into the typed form the HTTP layer turns into OpenAI
// envelopes. It holds only borrowed provider handles.
type Router struct {
	registry *Registry
	settings SettingsSource
	logger   *zap.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, settings SettingsSource, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry: registry,
		settings: settings,
		logger:   logger.With(zap.String("component", "router")),
	}
}

// Route validates the request, resolves the target provider and
// delegates to it. Resolution order: explicit per-request provider,
// then the active_provider setting, then the first registered provider.
func (rt *Router) Route(ctx context.Context, req *api.ChatCompletionRequest) (*ChatResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	p, err := rt.resolve(ctx, req.Provider)
	if err != nil {
		return nil, err
	}

	rt.logger.Debug("routing chat request",
		zap.String("provider_id", p.ID()),
		zap.String("model", req.Model),
		zap.Bool("stream", req.Stream),
	)

	result, err := p.Chat(ctx, req)
	if err != nil {
		return nil, wrapProviderError(err, p.ID())
	}
	result.Provider = p.ID()
	return result, nil
}

// ListModels returns the named provider's model list, the aggregate of
// all registered providers when no filter is given, and an empty list
// (not an error) for an unknown filter.
func (rt *Router) ListModels(ctx context.Context, providerID string) (*api.ModelList, error) {
	if providerID != "" {
		p, ok := rt.registry.GetSafe(providerID)
		if !ok {
			return &api.ModelList{Object: "list", Data: []api.Model{}}, nil
		}
		list, err := p.ListModels(ctx)
		if err != nil {
			return nil, wrapProviderError(err, providerID)
		}
		return list, nil
	}

	out := &api.ModelList{Object: "list", Data: []api.Model{}}
	for _, id := range rt.registry.GetAllIDs() {
		p, ok := rt.registry.GetSafe(id)
		if !ok {
			continue
		}
		list, err := p.ListModels(ctx)
		if err != nil {
			rt.logger.Warn("list models failed, skipping provider",
				zap.String("provider_id", id), zap.Error(err))
			continue
		}
		out.Data = append(out.Data, list.Data...)
	}
	return out, nil
}

func (rt *Router) resolve(ctx context.Context, explicit string) (Provider, error) {
	if explicit != "" {
		return rt.registry.Get(explicit)
	}

	if rt.settings != nil {
		if active := rt.settings.ActiveProvider(ctx); active != "" {
			if p, ok := rt.registry.GetSafe(active); ok {
				return p, nil
			}
			rt.logger.Warn("active provider not loaded, falling back",
				zap.String("provider_id", active))
		}
	}

	if p, ok := rt.registry.First(); ok {
		return p, nil
	}
	return nil, &Error{
		Code:       ErrProviderNotLoaded,
		Message:    "no providers are loaded",
		HTTPStatus: 503,
	}
}

func validateRequest(req *api.ChatCompletionRequest) error {
	if req == nil {
		return NewError(ErrValidation, "request body is required")
	}
	if len(req.Messages) == 0 {
		return NewError(ErrValidation, "messages cannot be empty")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return NewError(ErrValidation, "temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return NewError(ErrValidation, "top_p must be between 0 and 1")
	}
	return nil
}

// wrapProviderError guarantees the HTTP layer always sees *Error.
func wrapProviderError(err error, providerID string) error {
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Provider == "" {
			typed.Provider = providerID
		}
		return typed
	}
	return &Error{
		Code:       ErrServer,
		Message:    err.Error(),
		HTTPStatus: 500,
		Provider:   providerID,
	}
}
