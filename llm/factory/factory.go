// Package factory instantiates providers from the durable catalog:
// record → config bag → type defaults → validation → concrete type.
// Unknown type tags degrade to the generic OpenAI passthrough.
package factory

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/qwengate/llm"
	"github.com/BaSui01/qwengate/llm/providers/openaicompat"
	"github.com/BaSui01/qwengate/llm/providers/qwendirect"
	"github.com/BaSui01/qwengate/store"
	"go.uber.org/zap"
)

// CatalogFactory implements llm.Factory on top of the store.
type CatalogFactory struct {
	store    *store.Store
	observer qwendirect.Observer
	logger   *zap.Logger
}

// New creates a factory bound to the durable store.
func New(st *store.Store, logger *zap.Logger) *CatalogFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogFactory{
		store:  st,
		logger: logger.With(zap.String("component", "factory")),
	}
}

// WithObserver attaches the telemetry sink handed to constructed
// providers.
func (f *CatalogFactory) WithObserver(obs qwendirect.Observer) *CatalogFactory {
	f.observer = obs
	return f
}

// ListEnabled returns enabled catalog provider ids, priority first.
func (f *CatalogFactory) ListEnabled(ctx context.Context) ([]string, error) {
	recs, err := f.store.Catalog().ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// Create builds the provider for one catalog record.
func (f *CatalogFactory) Create(ctx context.Context, providerID string) (llm.Provider, error) {
	rec, err := f.store.Catalog().GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &llm.Error{
			Code:       llm.ErrProviderNotFound,
			Message:    "provider not found: " + providerID,
			HTTPStatus: http.StatusNotFound,
		}
	}

	bag, err := f.store.Catalog().ConfigBag(ctx, providerID)
	if err != nil {
		return nil, err
	}
	cfg := mergeDefaults(rec.Type, bag)

	models, defaultModel, err := f.store.Catalog().Models(ctx, providerID)
	if err != nil {
		return nil, err
	}
	modelIDs := make([]string, 0, len(models))
	for _, m := range models {
		modelIDs = append(modelIDs, m.ID)
	}
	if defaultModel == "" {
		defaultModel = stringVal(cfg, "default_model")
	}

	if rec.Type != llm.TypeQwenDirect && stringVal(cfg, "base_url") == "" {
		return nil, &llm.Error{
			Code:       llm.ErrConfigInvalid,
			Message:    fmt.Sprintf("provider %q (%s) requires a base_url", rec.ID, rec.Type),
			HTTPStatus: http.StatusBadRequest,
			Provider:   rec.ID,
		}
	}

	f.logger.Debug("constructing provider",
		zap.String("provider_id", rec.ID), zap.String("type", rec.Type))

	switch rec.Type {
	case llm.TypeQwenDirect:
		return qwendirect.New(qwendirect.Config{
			ID:           rec.ID,
			Name:         rec.Name,
			BaseURL:      stringVal(cfg, "base_url"),
			DefaultModel: defaultModel,
			Models:       modelIDs,
			Observer:     f.observer,
		}, f.store.Credentials(), f.logger)
	default:
		// lm_studio, qwen_proxy and every unknown tag speak plain
		// OpenAI; the tag is kept for reporting.
		return openaicompat.New(openaicompat.Config{
			ID:           rec.ID,
			Name:         rec.Name,
			TypeTag:      rec.Type,
			BaseURL:      stringVal(cfg, "base_url"),
			APIKey:       stringVal(cfg, "api_key"),
			DefaultModel: defaultModel,
			Models:       modelIDs,
		}, f.logger)
	}
}

// mergeDefaults overlays the stored config bag on the per-type
// defaults; stored keys win.
func mergeDefaults(providerType string, bag map[string]any) map[string]any {
	out := make(map[string]any)
	switch providerType {
	case llm.TypeLMStudio:
		out["base_url"] = "http://localhost:1234/v1"
	case llm.TypeQwenProxy:
		out["base_url"] = "http://localhost:3001/v1"
	case llm.TypeQwenDirect:
		out["base_url"] = qwendirect.DefaultBaseURL
		out["default_model"] = qwendirect.DefaultModel
	}
	for k, v := range bag {
		out[k] = v
	}
	return out
}

func stringVal(cfg map[string]any, key string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
