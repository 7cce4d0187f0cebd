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
	"github.com/prismproxy/prism/pkg/tokenizer"
)

func init() {
	Register(config.BackendGemini, func(cfg config.BackendConfig, deps Deps) (Connector, error) {
		base := cfg.BaseURL
		if base == "" {
			base = geminiAPIBase
		}
		return &Gemini{
			name:       config.BackendGemini,
			baseURL:    base,
			models:     cfg.Models,
			genConfig:  cfg.GenerationConfig,
			listKey:    firstKey(cfg),
			client:     newHTTPClient(httpclient.ParseGeminiRateLimitHeaders),
			deps:       deps,
			forceTools: false,
		}, nil
	})
}

// Gemini speaks the GenerateContent REST protocol with API-key auth. The
// Code Assist connector embeds it with a payload wrapper and bearer auth.
type Gemini struct {
	name      config.BackendType
	baseURL   string
	models    []string
	genConfig map[string]any
	listKey   config.APIKey
	client    *httpclient.Client
	deps      Deps

	// forceTools makes streamed candidates with functionCall parts report
	// finish_reason=tool_calls even when upstream says STOP.
	forceTools bool

	// wrapPayload envelopes the request body (Code Assist tunnel); nil
	// means the GeminiRequest is the body.
	wrapPayload func(ctx context.Context, model string, wire *protocol.GeminiRequest) (any, error)

	// unwrapResponse unpacks an enveloped response body.
	unwrapResponse func(data []byte) (*protocol.GeminiResponse, error)

	// resolveAuth returns a bearer token instead of the API-key header.
	resolveAuth func(ctx context.Context) (string, error)
}

func (g *Gemini) Name() config.BackendType { return g.name }

func (g *Gemini) buildPayload(ctx context.Context, req *canonical.Request, model string) ([]byte, error) {
	wire := protocol.CanonicalToGeminiRequest(req, g.deps.ThinkingBudget)
	applyGenerationConfig(wire, g.genConfig)
	applyGenerationConfig(wire, genConfigFromExtra(req.ExtraBody))

	var body any = wire
	if g.wrapPayload != nil {
		wrapped, err := g.wrapPayload(ctx, model, wire)
		if err != nil {
			return nil, err
		}
		body = wrapped
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindInternal, err, "encoding upstream payload")
	}
	return payload, nil
}

// applyGenerationConfig folds an opaque generationConfig map into the wire
// request; explicit request fields win.
func applyGenerationConfig(wire *protocol.GeminiRequest, extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if wire.GenerationConfig == nil {
		wire.GenerationConfig = &protocol.GeminiGenerationConfig{}
	}
	gc := wire.GenerationConfig
	for k, v := range extra {
		switch k {
		case "temperature":
			if gc.Temperature == nil {
				if f, ok := toFloat(v); ok {
					gc.Temperature = &f
				}
			}
		case "topP":
			if gc.TopP == nil {
				if f, ok := toFloat(v); ok {
					gc.TopP = &f
				}
			}
		case "topK":
			if gc.TopK == nil {
				if f, ok := toFloat(v); ok {
					k := int(f)
					gc.TopK = &k
				}
			}
		case "maxOutputTokens":
			if gc.MaxOutputTokens == nil {
				if f, ok := toFloat(v); ok {
					n := int(f)
					gc.MaxOutputTokens = &n
				}
			}
		case "thinkingConfig":
			if gc.ThinkingConfig == nil {
				raw, err := json.Marshal(v)
				if err == nil {
					var tc protocol.GeminiThinkingConfig
					if json.Unmarshal(raw, &tc) == nil {
						gc.ThinkingConfig = &tc
					}
				}
			}
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func genConfigFromExtra(extra map[string]any) map[string]any {
	if m, ok := extra["generationConfig"].(map[string]any); ok {
		return m
	}
	return nil
}

func (g *Gemini) newRequest(ctx context.Context, model, verb string, ov Overrides, payload []byte) (*http.Request, error) {
	base := g.baseURL
	if ov.BaseURL != "" {
		base = ov.BaseURL
	}
	base = strings.TrimSuffix(base, "/")

	var url string
	if g.wrapPayload != nil {
		// Code Assist verbs hang off the service root, not a model path.
		url = fmt.Sprintf("%s:%s", base, verb)
	} else {
		url = fmt.Sprintf("%s/models/%s:%s", base, model, verb)
	}
	if strings.HasPrefix(verb, "stream") {
		url += "?alt=sse"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindInternal, err, "building upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	if g.resolveAuth != nil {
		token, err := g.resolveAuth(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("x-goog-api-key", ov.APIKey.Value)
	}
	return req, nil
}

func (g *Gemini) decode(data []byte) (*protocol.GeminiResponse, error) {
	if g.unwrapResponse != nil {
		return g.unwrapResponse(data)
	}
	var wire protocol.GeminiResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	return &wire, nil
}

func (g *Gemini) ChatCompletions(ctx context.Context, req *canonical.Request, model string, ov Overrides) (*canonical.Response, error) {
	payload, err := g.buildPayload(ctx, req, model)
	if err != nil {
		return nil, err
	}
	httpReq, err := g.newRequest(ctx, model, "generateContent", ov, payload)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(httpReq)
	if err := checkResponse(g.name, resp, err); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindUpstreamError, err, "%s read failed", g.name)
	}
	wire, err := g.decode(buf.Bytes())
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindUpstreamError, err, "%s sent malformed response", g.name)
	}
	out, err := protocol.GeminiResponseToCanonical(wire, model)
	if err != nil {
		return nil, proxyerror.Wrap(proxyerror.KindUpstreamError, err, "%s", g.name)
	}
	if out.Usage == nil {
		out.Usage = g.syntheticUsage(model, req.Messages, responseText(out))
	}
	return out, nil
}

func (g *Gemini) StreamChatCompletions(ctx context.Context, req *canonical.Request, model string, ov Overrides) (<-chan canonical.StreamChunk, error) {
	payload, err := g.buildPayload(ctx, req, model)
	if err != nil {
		return nil, err
	}
	httpReq, err := g.newRequest(ctx, model, "streamGenerateContent", ov, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := g.client.Do(httpReq)
	if err := checkResponse(g.name, resp, err); err != nil {
		return nil, err
	}

	out := make(chan canonical.StreamChunk)
	go func() {
		defer close(out)
		sawUsage := false
		var assembled strings.Builder

		err := scanSSE(ctx, resp.Body, func(data []byte) bool {
			wire, err := g.decode(data)
			if err != nil {
				g.deps.Logger.Warn("skipping malformed stream chunk", "backend", g.name, "error", err)
				return true
			}
			chunk := protocol.GeminiChunkToCanonical(wire, model, g.forceTools)
			if chunk.Usage != nil {
				sawUsage = true
			}
			for _, c := range chunk.Choices {
				assembled.WriteString(c.Delta.Content)
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
				"%s stream failed", g.name)}
			return
		}
		// Synthesise the usage chunk the upstream omitted.
		if !sawUsage && ctx.Err() == nil {
			usage := g.syntheticUsage(model, req.Messages, assembled.String())
			select {
			case out <- canonical.StreamChunk{Model: model, Usage: usage}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (g *Gemini) syntheticUsage(model string, messages []canonical.Message, completion string) *canonical.Usage {
	counter := g.deps.Tokenizer
	if counter == nil {
		var err error
		counter, err = tokenizer.NewCounter(model)
		if err != nil {
			g.deps.Logger.Warn("token encoding unavailable, estimating usage",
				"backend", g.name, "error", err)
			counter = nil
		}
	}
	return estimateUsage(counter, messages, completion)
}

// estimateUsage counts tokens for a synthetic usage record. A nil counter
// degrades to the length/4 estimate rather than failing the response.
func estimateUsage(counter *tokenizer.Counter, messages []canonical.Message, completion string) *canonical.Usage {
	usage := &canonical.Usage{}
	if counter != nil {
		usage.PromptTokens = counter.CountMessages(messages)
		usage.CompletionTokens = counter.Count(completion)
	} else {
		for i := range messages {
			usage.PromptTokens += len(messages[i].Text()) / 4
		}
		usage.CompletionTokens = len(completion) / 4
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}

func responseText(resp *canonical.Response) string {
	var out strings.Builder
	for _, c := range resp.Choices {
		out.WriteString(c.Message.Text())
	}
	return out.String()
}

func (g *Gemini) ListModels(ctx context.Context) ([]string, error) {
	if len(g.models) > 0 {
		return g.models, nil
	}
	base := strings.TrimSuffix(g.baseURL, "/")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/models", nil)
	if err != nil {
		return nil, err
	}
	if g.resolveAuth != nil {
		token, err := g.resolveAuth(ctx)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else {
		httpReq.Header.Set("x-goog-api-key", g.listKey.Value)
	}
	resp, err := g.client.Do(httpReq)
	if err := checkResponse(g.name, resp, err); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%s model list: %w", g.name, err)
	}
	out := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, strings.TrimPrefix(m.Name, "models/"))
	}
	return out, nil
}
