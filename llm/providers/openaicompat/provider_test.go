package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/qwengate/api"
	"github.com/BaSui01/qwengate/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{ID: "lmstudio"}, nil)
	require.Error(t, err)
	var typed *llm.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, llm.ErrConfigInvalid, typed.Code)
	assert.Equal(t, http.StatusBadRequest, typed.HTTPStatus)
}

func TestProbeClientBounded(t *testing.T) {
	p, err := New(Config{ID: "lmstudio", BaseURL: "http://localhost:1234/v1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, probeTimeout, p.probe.Timeout, "probes carry a hard deadline")
	assert.Zero(t, p.http.Timeout, "chat bodies stay unbounded")
}

func TestChatPassthroughStripsProviderField(t *testing.T) {
	var got map[string]any
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	p, err := New(Config{ID: "lmstudio", BaseURL: ts.URL + "/v1", APIKey: "sk-test", DefaultModel: "llama-3"}, nil)
	require.NoError(t, err)

	raw := []byte(`{"provider":"lmstudio","messages":[{"role":"user","content":"hi"}],"temperature":0.3}`)
	req := &api.ChatCompletionRequest{
		Messages: []api.ChatMessage{{Role: "user", Content: "hi"}},
		Raw:      raw,
	}
	result, err := p.Chat(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.Response)

	_, hasProvider := got["provider"]
	assert.False(t, hasProvider, "gateway-only provider field must not reach the upstream")
	assert.Equal(t, "llama-3", got["model"], "missing model falls back to the catalog default")
	assert.Equal(t, 0.3, got["temperature"], "unknown fields pass through untouched")
	assert.Equal(t, "Bearer sk-test", auth)

	var resp api.ChatCompletion
	require.NoError(t, json.Unmarshal(result.Response, &resp))
	assert.Equal(t, "chatcmpl-1", resp.ID)
}

func TestChatKeepsExplicitModel(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	p, err := New(Config{ID: "gen", BaseURL: ts.URL, DefaultModel: "fallback"}, nil)
	require.NoError(t, err)

	req := &api.ChatCompletionRequest{
		Raw: []byte(`{"model":"requested","messages":[{"role":"user","content":"hi"}]}`),
	}
	_, err = p.Chat(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "requested", got["model"])
}

func TestStreamForwardsChunksVerbatim(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n" +
			": keepalive comment\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n" +
			"data: [DONE]\n\n"))
	}))
	defer ts.Close()

	p, err := New(Config{ID: "gen", BaseURL: ts.URL}, nil)
	require.NoError(t, err)

	req := &api.ChatCompletionRequest{
		Raw:    []byte(`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
		Stream: true,
	}
	result, err := p.Chat(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.Stream)

	var payloads []string
	for chunk := range result.Stream {
		require.Nil(t, chunk.Err)
		payloads = append(payloads, string(chunk.Data))
	}
	require.Len(t, payloads, 2, "comments and the upstream [DONE] marker are stripped")
	assert.JSONEq(t, `{"choices":[{"delta":{"content":"a"}}]}`, payloads[0])
	assert.JSONEq(t, `{"choices":[{"delta":{"content":"b"}}]}`, payloads[1])
}

func TestClassifyReadsUpstreamEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error","code":"rate_limited"}}`))
	}))
	defer ts.Close()

	p, err := New(Config{ID: "gen", BaseURL: ts.URL}, nil)
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), &api.ChatCompletionRequest{
		Raw: []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.Error(t, err)
	var typed *llm.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, llm.ErrRateLimited, typed.Code)
	assert.Equal(t, "slow down", typed.Message)
	assert.True(t, typed.Retryable)
}

func TestUpstreamServerErrorIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	p, err := New(Config{ID: "gen", BaseURL: ts.URL}, nil)
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), &api.ChatCompletionRequest{
		Raw: []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`),
	})
	var typed *llm.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, llm.ErrUpstreamServer, typed.Code)
	assert.True(t, typed.Retryable)
}

func TestListModelsFallsBackToConfigured(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	p, err := New(Config{ID: "gen", BaseURL: ts.URL, Models: []string{"m1", "m2"}}, nil)
	require.NoError(t, err)

	list, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "m1", list.Data[0].ID)
	assert.Equal(t, "gen", list.Data[0].OwnedBy)
}

func TestListModelsUpstream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"live-model","object":"model","owned_by":"upstream"}]}`))
	}))
	defer ts.Close()

	p, err := New(Config{ID: "gen", BaseURL: ts.URL + "/v1"}, nil)
	require.NoError(t, err)

	list, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "live-model", list.Data[0].ID)
}

func TestHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer healthy.Close()

	p, err := New(Config{ID: "gen", BaseURL: healthy.URL}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.HealthCheck(context.Background()))

	p2, err := New(Config{ID: "gen", BaseURL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	assert.Error(t, p2.HealthCheck(context.Background()))
}
