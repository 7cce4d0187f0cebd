package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/httpclient"
	"github.com/prismproxy/prism/pkg/protocol"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

func init() {
	Register(config.BackendAnthropic, func(cfg config.BackendConfig, deps Deps) (Connector, error) {
		base := cfg.BaseURL
		if base == "" {
			base = "https://api.anthropic.com/v1"
		}
		return &Anthropic{
			name:    config.BackendAnthropic,
			baseURL: base,
			models:  cfg.Models,
			client:  newHTTPClient(httpclient.ParseAnthropicRateLimitHeaders),
			deps:    deps,
		}, nil
	})
}

// Anthropic speaks the Messages protocol. The ZAI coding plan reuses it
// with bearer auth and a pinned model.
type Anthropic struct {
	name    config.BackendType
	baseURL string
	models  []string
	client  *httpclient.Client
	deps    Deps

	// pinModel forces the outbound model regardless of the caller's;
	// responses are rewritten back by the caller-model on the way out.
	pinModel string

	// resolveAuth swaps x-api-key for a bearer token (OAuth variants).
	resolveAuth func(ctx context.Context) (string, error)
}

func (a *Anthropic) Name() config.BackendType { return a.name }

func (a *Anthropic) outboundModel(model string) string {
	if a.pinModel != "" {
		return a.pinModel
	}
	return model
}

func (a *Anthropic) buildPayload(req *canonical.Request, model string, stream bool) ([]byte, error) {
	wire := protocol.CanonicalToAnthropicRequest(req, a.outboundModel(model), anthropicDefaultMaxTokens)
	wire.Stream = stream
	wire.Metadata = anthropicMetadata(req)

	extra := req.ExtraBody
	if extra != nil {
		// metadata is merged separately; everything else passes through.
		trimmed := make(map[string]any, len(extra))
		for k, v := range extra {
			if k != "metadata" {
				trimmed[k] = v
			}
		}
		extra = trimmed
	}
	payload, err := mergeExtraBody(wire, extra)
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindInternal, err, "encoding upstream payload")
	}
	return payload, nil
}

// anthropicMetadata merges the proxy-derived metadata with the caller's
// extra_body.metadata; the caller wins per key.
func anthropicMetadata(req *canonical.Request) map[string]any {
	meta := map[string]any{}
	if req.User != "" {
		meta["user_id"] = req.User
	}
	if extra, ok := req.ExtraBody["metadata"].(map[string]any); ok {
		for k, v := range extra {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func (a *Anthropic) newRequest(ctx context.Context, ov Overrides, payload []byte) (*http.Request, error) {
	base := a.baseURL
	if ov.BaseURL != "" {
		base = ov.BaseURL
	}
	url := strings.TrimSuffix(base, "/") + "/messages"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindInternal, err, "building upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)

	if a.resolveAuth != nil {
		token, err := a.resolveAuth(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("x-api-key", ov.APIKey.Value)
	}
	return req, nil
}

// rewriteModel restores the caller-requested model on responses from a
// pinned-model backend.
func (a *Anthropic) rewriteModel(model string, resp *canonical.Response) {
	if a.pinModel != "" {
		resp.Model = model
	}
}

func (a *Anthropic) ChatCompletions(ctx context.Context, req *canonical.Request, model string, ov Overrides) (*canonical.Response, error) {
	payload, err := a.buildPayload(req, model, false)
	if err != nil {
		return nil, err
	}
	httpReq, err := a.newRequest(ctx, ov, payload)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err := checkResponse(a.name, resp, err); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire protocol.AnthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindUpstreamError, err, "%s sent malformed response", a.name)
	}
	out := protocol.AnthropicResponseToCanonical(&wire)
	a.rewriteModel(model, out)
	return out, nil
}

func (a *Anthropic) StreamChatCompletions(ctx context.Context, req *canonical.Request, model string, ov Overrides) (<-chan canonical.StreamChunk, error) {
	payload, err := a.buildPayload(req, model, true)
	if err != nil {
		return nil, err
	}
	httpReq, err := a.newRequest(ctx, ov, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err := checkResponse(a.name, resp, err); err != nil {
		return nil, err
	}

	out := make(chan canonical.StreamChunk)
	go func() {
		defer close(out)
		acc := &protocol.AnthropicStreamAccumulator{}
		err := scanSSE(ctx, resp.Body, func(data []byte) bool {
			var event protocol.AnthropicStreamEvent
			if err := json.Unmarshal(data, &event); err != nil {
				a.deps.Logger.Warn("skipping malformed stream event", "backend", a.name, "error", err)
				return true
			}
			if event.Error != nil {
				out <- canonical.StreamChunk{Err: proxyerror.New(proxyerror.KindUpstreamError,
					event.Error.Type, "%s stream error: %s", a.name, event.Error.Message)}
				return false
			}
			chunk := acc.Feed(&event)
			if chunk == nil {
				return true
			}
			if a.pinModel != "" {
				chunk.Model = model
			}
			select {
			case out <- *chunk:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			out <- canonical.StreamChunk{Err: proxyerror.Wrap(proxyerror.KindUpstreamError, err,
				"%s stream failed", a.name)}
		}
	}()
	return out, nil
}

func (a *Anthropic) ListModels(ctx context.Context) ([]string, error) {
	return a.models, nil
}
