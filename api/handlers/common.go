// Package handlers implements the gateway's public HTTP surface. Every
// error leaving these handlers is an OpenAI error envelope.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/qwengate/api"
	"github.com/BaSui01/qwengate/llm"
	"go.uber.org/zap"
)

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Envelope maps an error to the OpenAI error envelope. Untyped errors
// degrade to server_error.
func Envelope(err error) (int, api.ErrorResponse) {
	var typed *llm.Error
	if !errors.As(err, &typed) {
		typed = &llm.Error{
			Code:       llm.ErrServer,
			Message:    err.Error(),
			HTTPStatus: http.StatusInternalServerError,
		}
	}
	status := typed.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, api.ErrorResponse{Error: api.ErrorDetail{
		Message: typed.Message,
		Type:    typed.EnvelopeType(),
		Code:    string(typed.Code),
	}}
}

// WriteError writes err as an OpenAI error envelope.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, env := Envelope(err)
	if logger != nil {
		logger.Debug("request failed",
			zap.Int("status", status),
			zap.String("code", env.Error.Code),
			zap.String("message", env.Error.Message),
		)
	}
	WriteJSON(w, status, env)
}

// methodNotAllowed writes a validation envelope for a wrong method.
func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	WriteJSON(w, http.StatusMethodNotAllowed, api.ErrorResponse{Error: api.ErrorDetail{
		Message: "method not allowed",
		Type:    "validation_error",
		Code:    string(llm.ErrValidation),
	}})
}

// contextWithTimeout bounds a request-scoped context.
func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
