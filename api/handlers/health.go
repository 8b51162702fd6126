package handlers

import (
	"net/http"
	"time"

	"github.com/BaSui01/qwengate/llm"
	"go.uber.org/zap"
)

// ProviderHealth is one provider's entry in the health report.
type ProviderHealth struct {
	Status  string `json:"status"`
	BaseURL string `json:"base_url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthReport is the GET /health response body.
type HealthReport struct {
	Status              string                    `json:"status"`
	Providers           map[string]ProviderHealth `json:"providers"`
	RegisteredProviders []string                  `json:"registered_providers"`
}

// HealthHandler serves GET /health by probing every registered
// provider concurrently.
type HealthHandler struct {
	registry *llm.Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthHandler wires the health endpoint.
func NewHealthHandler(registry *llm.Registry, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		registry: registry,
		timeout:  10 * time.Second,
		logger:   logger.With(zap.String("handler", "health")),
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	ctx, cancel := contextWithTimeout(r, h.timeout)
	defer cancel()

	results := h.registry.HealthCheckAll(ctx)

	report := HealthReport{
		Status:              "ok",
		Providers:           make(map[string]ProviderHealth, len(results)),
		RegisteredProviders: h.registry.GetAllIDs(),
	}
	for id, err := range results {
		entry := ProviderHealth{Status: "healthy"}
		if err != nil {
			entry.Status = "unhealthy"
			entry.Error = err.Error()
			report.Status = "degraded"
		}
		if p, ok := h.registry.GetSafe(id); ok {
			if b, ok := p.(llm.BaseURLer); ok {
				entry.BaseURL = b.BaseURL()
			}
		}
		report.Providers[id] = entry
	}

	WriteJSON(w, http.StatusOK, report)
}

// InfoHandler serves GET / with static API information.
type InfoHandler struct {
	Version string
}

func (h *InfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"name":    "qwengate",
		"version": h.Version,
		"endpoints": []string{
			"POST /v1/chat/completions",
			"GET /v1/models",
			"GET /health",
		},
	})
}
