// Package connector implements one client per upstream provider behind a
// uniform chat-completions interface. Connectors translate canonical
// requests to the provider wire shape, stream SSE back as canonical chunks
// and tag failures with the shared error taxonomy.
package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/httpclient"
	"github.com/prismproxy/prism/pkg/proxyerror"
	"github.com/prismproxy/prism/pkg/tokenizer"
)

// Overrides carries the per-call dispatch decisions: which key to use and
// any session-scoped base URL override.
type Overrides struct {
	APIKey  config.APIKey
	BaseURL string
}

// Connector is the uniform upstream interface. StreamChatCompletions
// returns a channel closed at end of stream; a chunk with Err set aborts
// it.
type Connector interface {
	Name() config.BackendType
	ChatCompletions(ctx context.Context, req *canonical.Request, model string, ov Overrides) (*canonical.Response, error)
	StreamChatCompletions(ctx context.Context, req *canonical.Request, model string, ov Overrides) (<-chan canonical.StreamChunk, error)
	ListModels(ctx context.Context) ([]string, error)
}

// Deps bundles the shared services a connector may need.
type Deps struct {
	Logger    *slog.Logger
	Tokenizer *tokenizer.Counter

	// ThinkingBudget globally overrides effort-derived Gemini thinking
	// budgets (THINKING_BUDGET).
	ThinkingBudget *int
}

// Factory builds a connector from its backend configuration.
type Factory func(cfg config.BackendConfig, deps Deps) (Connector, error)

var factories = map[config.BackendType]Factory{}

// Register installs a factory for a backend type. Called from init funcs.
func Register(t config.BackendType, f Factory) {
	factories[t] = f
}

// Build instantiates every configured backend.
func Build(cfg *config.Config, deps Deps) (map[config.BackendType]Connector, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ThinkingBudget == nil {
		deps.ThinkingBudget = cfg.ThinkingBudget
	}
	out := make(map[config.BackendType]Connector, len(cfg.Backends))
	for bt, bc := range cfg.Backends {
		f, ok := factories[bt]
		if !ok {
			return nil, fmt.Errorf("no connector registered for backend %q", bt)
		}
		c, err := f(bc, deps)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", bt, err)
		}
		out[bt] = c
		deps.Logger.Debug("connector ready", "backend", bt)
	}
	return out, nil
}

// Registered returns the known backend types, sorted.
func Registered() []config.BackendType {
	out := make([]config.BackendType, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// newHTTPClient is the shared retry client configuration; the dispatcher
// owns retry/rotation policy, so connectors only retry transport-level
// failures. 429s in particular must surface immediately with their
// Retry-After intact, never be waited out inside the client.
func newHTTPClient(parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	return httpclient.New(
		httpclient.WithMaxRetries(1),
		httpclient.WithHeaderParser(parser),
		httpclient.WithRetryStrategy(transportRetryStrategy),
		httpclient.WithTimeout(5*time.Minute),
	)
}

func transportRetryStrategy(statusCode int) httpclient.RetryStrategy {
	switch statusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return httpclient.ConservativeRetry
	default:
		return httpclient.NoRetry
	}
}

// checkResponse resolves a client.Do outcome. The client returns non-2xx
// final responses alongside a *StatusError/*RetryableError; only a nil
// response is a transport failure. Non-2xx responses are drained and
// classified, so the caller owns the body only on a nil return.
func checkResponse(backend config.BackendType, resp *http.Response, err error) error {
	if resp == nil {
		return proxyerror.Wrap(proxyerror.KindUpstreamError, err, "%s unreachable", backend)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return drainError(backend, resp)
	}
	return nil
}

// firstKey returns the first configured key, used by endpoints that are
// not dispatched per-key (model listing).
func firstKey(cfg config.BackendConfig) config.APIKey {
	if len(cfg.APIKeys) > 0 {
		return cfg.APIKeys[0]
	}
	return config.APIKey{}
}

// classifyStatus maps an upstream HTTP failure to the error taxonomy.
func classifyStatus(backend config.BackendType, status int, body []byte, headers http.Header) error {
	detail := upstreamMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return proxyerror.New(proxyerror.KindAuthentication, "upstream_auth",
			"%s rejected credentials (%d): %s", backend, status, detail)
	case status == http.StatusNotFound:
		return proxyerror.New(proxyerror.KindModelNotFound, "unknown_model",
			"%s: %s", backend, detail)
	case status == http.StatusTooManyRequests:
		e := proxyerror.New(proxyerror.KindRateLimited, "upstream_429",
			"%s rate limited: %s", backend, detail)
		e.RetryAfter = httpclient.RetryAfter(headers)
		return e
	case status >= 500:
		return proxyerror.New(proxyerror.KindUpstreamError, "upstream_5xx",
			"%s returned %d: %s", backend, status, detail)
	default:
		return proxyerror.New(proxyerror.KindInvalidRequest, "upstream_4xx",
			"%s returned %d: %s", backend, status, detail)
	}
}

// upstreamMessage digs the human-readable message out of the common error
// envelopes; falls back to a truncated raw body.
func upstreamMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// drainError reads the response body and classifies the failure.
func drainError(backend config.BackendType, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	return classifyStatus(backend, resp.StatusCode, body, resp.Header)
}

// scanSSE reads "data: ..." lines from an SSE body, invoking handle per
// payload until [DONE], EOF or context cancellation. handle returns false
// to stop early.
func scanSSE(ctx context.Context, body io.ReadCloser, handle func(data []byte) bool) error {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		if !handle([]byte(data)) {
			return nil
		}
	}
	return scanner.Err()
}

// mergeExtraBody folds opaque extra_body entries into a marshalled payload.
// Existing payload fields win only when extra carries no value for them;
// per contract extra_body is caller-controlled and overrides.
func mergeExtraBody(payload any, extra map[string]any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return raw, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		m[k] = v
	}
	return json.Marshal(m)
}
