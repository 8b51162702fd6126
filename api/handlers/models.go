package handlers

import (
	"net/http"

	"github.com/BaSui01/qwengate/llm"
	"go.uber.org/zap"
)

// ModelsHandler serves GET /v1/models with an optional provider filter.
type ModelsHandler struct {
	router *llm.Router
	logger *zap.Logger
}

// NewModelsHandler wires the model listing endpoint.
func NewModelsHandler(router *llm.Router, logger *zap.Logger) *ModelsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelsHandler{
		router: router,
		logger: logger.With(zap.String("handler", "models")),
	}
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	list, err := h.router.ListModels(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, list)
}
