package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/httpclient"
	"github.com/prismproxy/prism/pkg/protocol"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

func init() {
	Register(config.BackendOpenAI, func(cfg config.BackendConfig, deps Deps) (Connector, error) {
		base := cfg.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		return &OpenAI{
			name:    config.BackendOpenAI,
			baseURL: base,
			models:  cfg.Models,
			listKey: firstKey(cfg),
			client:  newHTTPClient(httpclient.ParseOpenAIRateLimitHeaders),
			deps:    deps,
		}, nil
	})
}

// OpenAI speaks the Chat Completions protocol. It also backs every
// OpenAI-compatible upstream (OpenRouter, Qwen) through embedding.
type OpenAI struct {
	name    config.BackendType
	baseURL string
	models  []string
	listKey config.APIKey
	client  *httpclient.Client
	deps    Deps

	// extraHeaders are added to every request (OpenRouter attribution).
	extraHeaders map[string]string

	// resolveAuth overrides bearer-key auth for OAuth-backed variants.
	resolveAuth func(ctx context.Context, ov Overrides) (baseURL, bearer string, err error)
}

func (o *OpenAI) Name() config.BackendType { return o.name }

func (o *OpenAI) endpoint(ctx context.Context, ov Overrides, path string) (string, string, error) {
	if o.resolveAuth != nil {
		base, bearer, err := o.resolveAuth(ctx, ov)
		if err != nil {
			return "", "", err
		}
		if ov.BaseURL != "" {
			base = ov.BaseURL
		}
		return strings.TrimSuffix(base, "/") + path, bearer, nil
	}
	base := o.baseURL
	if ov.BaseURL != "" {
		base = ov.BaseURL
	}
	return strings.TrimSuffix(base, "/") + path, ov.APIKey.Value, nil
}

func (o *OpenAI) newRequest(ctx context.Context, url, bearer string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindInternal, err, "building upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range o.extraHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (o *OpenAI) buildPayload(req *canonical.Request, model string, stream bool) ([]byte, error) {
	wire := protocol.CanonicalToOpenAIRequest(req, model)
	wire.Stream = stream
	payload, err := mergeExtraBody(wire, req.ExtraBody)
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindInternal, err, "encoding upstream payload")
	}
	return payload, nil
}

func (o *OpenAI) ChatCompletions(ctx context.Context, req *canonical.Request, model string, ov Overrides) (*canonical.Response, error) {
	payload, err := o.buildPayload(req, model, false)
	if err != nil {
		return nil, err
	}
	url, bearer, err := o.endpoint(ctx, ov, "/chat/completions")
	if err != nil {
		return nil, err
	}
	httpReq, err := o.newRequest(ctx, url, bearer, payload)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(httpReq)
	if err := checkResponse(o.name, resp, err); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire protocol.OpenAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindUpstreamError, err, "%s sent malformed response", o.name)
	}
	out, err := protocol.OpenAIResponseToCanonical(&wire)
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindUpstreamError, err, "%s", o.name)
	}
	return out, nil
}

func (o *OpenAI) StreamChatCompletions(ctx context.Context, req *canonical.Request, model string, ov Overrides) (<-chan canonical.StreamChunk, error) {
	payload, err := o.buildPayload(req, model, true)
	if err != nil {
		return nil, err
	}
	url, bearer, err := o.endpoint(ctx, ov, "/chat/completions")
	if err != nil {
		return nil, err
	}
	httpReq, err := o.newRequest(ctx, url, bearer, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := o.client.Do(httpReq)
	if err := checkResponse(o.name, resp, err); err != nil {
		return nil, err
	}

	out := make(chan canonical.StreamChunk)
	go func() {
		defer close(out)
		err := scanSSE(ctx, resp.Body, func(data []byte) bool {
			var wire protocol.OpenAIStreamResponse
			if err := json.Unmarshal(data, &wire); err != nil {
				o.deps.Logger.Warn("skipping malformed stream chunk", "backend", o.name, "error", err)
				return true
			}
			select {
			case out <- *protocol.OpenAIChunkToCanonical(&wire):
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			out <- canonical.StreamChunk{Err: proxyerror.Wrap(proxyerror.KindUpstreamError, err,
				"%s stream failed", o.name)}
		}
	}()
	return out, nil
}

func (o *OpenAI) ListModels(ctx context.Context) ([]string, error) {
	if len(o.models) > 0 {
		return o.models, nil
	}
	url, bearer, err := o.endpoint(ctx, Overrides{APIKey: o.listKey}, "/models")
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := o.client.Do(httpReq)
	if err := checkResponse(o.name, resp, err); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%s model list: %w", o.name, err)
	}
	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, m.ID)
	}
	return out, nil
}
