// Package openaicompat is the passthrough provider for upstreams that
// already speak the OpenAI wire format: LM-Studio, the Qwen proxy
// server, and any generic OpenAI-compatible endpoint.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/qwengate/api"
	"github.com/BaSui01/qwengate/internal/tlsutil"
	"github.com/BaSui01/qwengate/llm"
	"go.uber.org/zap"
)

// Config is the effective configuration of one passthrough provider.
// TypeTag distinguishes lm_studio / qwen_proxy / openai_compatible;
// behavior is identical, the tag is reporting-only.
type Config struct {
	ID           string
	Name         string
	TypeTag      string
	BaseURL      string
	APIKey       string
	DefaultModel string
	Models       []string
}

// probeTimeout bounds the model-listing and health probes; unlike chat
// bodies they never stream.
const probeTimeout = 15 * time.Second

// Provider forwards OpenAI requests byte-for-byte and propagates the
// upstream response, JSON or SSE, unchanged. Chat calls go through an
// unbounded-body client; probes use a hard-deadline client.
type Provider struct {
	cfg    Config
	http   *http.Client
	probe  *http.Client
	logger *zap.Logger
}

// New validates the base URL and builds the provider.
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, &llm.Error{
			Code:       llm.ErrConfigInvalid,
			Message:    fmt.Sprintf("provider %q requires a base_url", cfg.ID),
			HTTPStatus: http.StatusBadRequest,
			Provider:   cfg.ID,
		}
	}
	if cfg.TypeTag == "" {
		cfg.TypeTag = llm.TypeOpenAICompat
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := tlsutil.SecureTransport()
	transport.ResponseHeaderTimeout = 30 * time.Second
	return &Provider{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		probe:  tlsutil.SecureHTTPClient(probeTimeout),
		logger: logger.With(zap.String("provider", cfg.ID)),
	}, nil
}

func (p *Provider) ID() string      { return p.cfg.ID }
func (p *Provider) Name() string    { return p.cfg.Name }
func (p *Provider) Type() string    { return p.cfg.TypeTag }
func (p *Provider) BaseURL() string { return p.cfg.BaseURL }

// Chat forwards the request body as received. The only rewrites are
// filling a missing model from the catalog default and dropping the
// gateway-only provider field.
func (p *Provider) Chat(ctx context.Context, req *api.ChatCompletionRequest) (*llm.ChatResult, error) {
	body, err := p.upstreamBody(req)
	if err != nil {
		return nil, llm.NewError(llm.ErrValidation, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewError(llm.ErrServer, "build upstream request: "+err.Error())
	}
	p.setHeaders(httpReq)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamNetwork,
			Message:    "upstream network error: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.cfg.ID,
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, p.classify(resp)
	}

	if req.Stream {
		ch := make(chan llm.StreamChunk, 16)
		go p.pumpStream(ctx, resp.Body, ch)
		return &llm.ChatResult{Stream: ch}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamNetwork,
			Message:    "upstream response read failed: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Provider:   p.cfg.ID,
		}
	}
	return &llm.ChatResult{Response: raw}, nil
}

// upstreamBody reshapes the raw request body: the provider field is a
// gateway extension, and an absent model falls back to the default.
func (p *Provider) upstreamBody(req *api.ChatCompletionRequest) ([]byte, error) {
	raw := req.Raw
	if len(raw) == 0 {
		var err error
		raw, err = json.Marshal(req)
		if err != nil {
			return nil, err
		}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "provider")
	if v, ok := m["model"]; (!ok || v == "") && p.cfg.DefaultModel != "" {
		m["model"] = p.cfg.DefaultModel
	}
	return json.Marshal(m)
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

func (p *Provider) classify(resp *http.Response) *llm.Error {
	msg := fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	if body, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
		var env api.ErrorResponse
		if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &llm.Error{Code: llm.ErrRateLimited, Message: msg,
			HTTPStatus: http.StatusTooManyRequests, Retryable: true, Provider: p.cfg.ID}
	case resp.StatusCode >= 500:
		return &llm.Error{Code: llm.ErrUpstreamServer, Message: msg,
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.cfg.ID}
	default:
		return &llm.Error{Code: llm.ErrUpstreamClient, Message: msg,
			HTTPStatus: http.StatusBadGateway, Provider: p.cfg.ID}
	}
}

// pumpStream forwards upstream SSE data payloads verbatim. The
// upstream's own [DONE] marker is stripped; the HTTP layer emits the
// gateway's terminal marker exactly once.
func (p *Provider) pumpStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}
		select {
		case ch <- llm.StreamChunk{Data: json.RawMessage(data)}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("upstream stream terminated abnormally", zap.Error(err))
	}
}

// ListModels asks the upstream; when it cannot answer, the
// catalog-configured models keep the surface usable.
func (p *Provider) ListModels(ctx context.Context) (*api.ModelList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/models", nil)
	if err != nil {
		return nil, llm.NewError(llm.ErrServer, "build upstream request: "+err.Error())
	}
	p.setHeaders(req)

	resp, err := p.probe.Do(req)
	if err == nil && resp.StatusCode < 400 {
		defer resp.Body.Close()
		var list api.ModelList
		if decErr := json.NewDecoder(resp.Body).Decode(&list); decErr == nil {
			return &list, nil
		}
	} else if resp != nil {
		resp.Body.Close()
	}

	if len(p.cfg.Models) == 0 {
		return nil, &llm.Error{
			Code:       llm.ErrUpstreamNetwork,
			Message:    "upstream model listing unavailable",
			HTTPStatus: http.StatusBadGateway,
			Provider:   p.cfg.ID,
		}
	}
	p.logger.Warn("upstream model listing unavailable, serving configured models")
	now := time.Now().Unix()
	list := &api.ModelList{Object: "list", Data: make([]api.Model, 0, len(p.cfg.Models))}
	for _, id := range p.cfg.Models {
		list.Data = append(list.Data, api.Model{
			ID: id, Object: "model", Created: now, OwnedBy: p.cfg.ID,
		})
	}
	return list, nil
}

// HealthCheck probes the upstream model listing.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/models", nil)
	if err != nil {
		return err
	}
	p.setHeaders(req)
	resp, err := p.probe.Do(req)
	if err != nil {
		return &llm.Error{
			Code:       llm.ErrUpstreamNetwork,
			Message:    "upstream unreachable: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Provider:   p.cfg.ID,
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return p.classify(resp)
	}
	return nil
}

// Destroy has nothing to release; idle connections close with the
// transport.
func (p *Provider) Destroy() {}
