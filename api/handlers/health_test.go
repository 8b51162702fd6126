package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/qwengate/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelsHandler(t *testing.T) {
	reg := llm.NewRegistry(nil, nil)
	reg.Register("a", &scriptedProvider{id: "a"})
	reg.Register("b", &scriptedProvider{id: "b"})
	h := NewModelsHandler(llm.NewRouter(reg, nil, nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
}

func TestModelsHandlerFilterUnknownProvider(t *testing.T) {
	reg := llm.NewRegistry(nil, nil)
	reg.Register("a", &scriptedProvider{id: "a"})
	h := NewModelsHandler(llm.NewRouter(reg, nil, nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models?provider=ghost", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"object":"list","data":[]}`, rec.Body.String())
}

func TestHealthHandlerDegraded(t *testing.T) {
	reg := llm.NewRegistry(nil, nil)
	reg.Register("up", &scriptedProvider{id: "up"})
	reg.Register("down", &unhealthyProvider{scriptedProvider{id: "down"}})
	h := NewHealthHandler(reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, []string{"down", "up"}, report.RegisteredProviders)
	assert.Equal(t, "healthy", report.Providers["up"].Status)
	assert.Equal(t, "unhealthy", report.Providers["down"].Status)
	assert.NotEmpty(t, report.Providers["down"].Error)
}

func TestHealthHandlerOK(t *testing.T) {
	reg := llm.NewRegistry(nil, nil)
	reg.Register("up", &scriptedProvider{id: "up"})
	h := NewHealthHandler(reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
}

func TestInfoHandler(t *testing.T) {
	h := &InfoHandler{Version: "1.2.3"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "qwengate", info["name"])
	assert.Equal(t, "1.2.3", info["version"])
}

// unhealthyProvider fails its health probe.
type unhealthyProvider struct{ scriptedProvider }

func (p *unhealthyProvider) HealthCheck(ctx context.Context) error {
	return errors.New("connection refused")
}
