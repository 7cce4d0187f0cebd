package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/processor"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

type fakeProcessor struct {
	lastReq  *canonical.Request
	lastMeta processor.Meta
	resp     *canonical.Response
	chunks   []canonical.StreamChunk
	err      error
}

func (f *fakeProcessor) Process(_ context.Context, req *canonical.Request, meta processor.Meta) (*canonical.Response, error) {
	f.lastReq, f.lastMeta = req, meta
	req.SessionID = "sess-abc"
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProcessor) ProcessStream(_ context.Context, req *canonical.Request, meta processor.Meta) (<-chan canonical.StreamChunk, error) {
	f.lastReq, f.lastMeta = req, meta
	req.SessionID = "sess-abc"
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan canonical.StreamChunk, len(f.chunks))
	for _, ch := range f.chunks {
		out <- ch
	}
	close(out)
	return out, nil
}

func testServer(f *fakeProcessor) *Server {
	cfg := &config.Config{
		Server:       config.ServerConfig{Host: "127.0.0.1", Port: 0},
		DisableAuth:  true,
		ProxyTimeout: time.Minute,
	}
	return New(cfg, f, nil, slog.Default())
}

func okResponse(text string) *canonical.Response {
	return &canonical.Response{
		ID:      "resp-1",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   "gpt-4o",
		Choices: []canonical.Choice{{
			Message:      canonical.Message{Role: canonical.RoleAssistant, Content: text},
			FinishReason: canonical.FinishReasonStop,
		}},
		Usage: &canonical.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}
}

func TestChatCompletions(t *testing.T) {
	f := &fakeProcessor{resp: okResponse("hello")}
	srv := httptest.NewServer(testServer(f).Router())
	defer srv.Close()

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("X-Session-ID", "sess-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sess-abc", resp.Header.Get("X-Session-ID"))
	assert.Equal(t, "sess-abc", f.lastMeta.SessionID)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hello", out.Choices[0].Message.Content)
}

func TestChatCompletionsStream(t *testing.T) {
	f := &fakeProcessor{chunks: []canonical.StreamChunk{
		{
			ID:    "resp-1",
			Model: "gpt-4o",
			Choices: []canonical.ChunkChoice{{
				Delta: canonical.Delta{Role: canonical.RoleAssistant, Content: "hel"},
			}},
		},
		{
			ID:    "resp-1",
			Model: "gpt-4o",
			Choices: []canonical.ChunkChoice{{
				Delta: canonical.Delta{Content: "lo"},
			}},
		},
		{
			ID:      "resp-1",
			Model:   "gpt-4o",
			Choices: []canonical.ChunkChoice{{FinishReason: canonical.FinishReasonStop}},
		},
	}}
	srv := httptest.NewServer(testServer(f).Router())
	defer srv.Close()

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	raw := readAll(t, resp)
	assert.Contains(t, raw, `"content":"hel"`)
	assert.Contains(t, raw, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(raw), "data: [DONE]"))
}

func TestAnthropicMessages(t *testing.T) {
	f := &fakeProcessor{resp: okResponse("from claude")}
	srv := httptest.NewServer(testServer(f).Router())
	defer srv.Close()

	body := `{"model":"claude-sonnet-4","max_tokens":1024,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/anthropic/v1/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "message", out.Type)
	require.NotEmpty(t, out.Content)
	assert.Equal(t, "from claude", out.Content[0].Text)
}

func TestAnthropicErrorShape(t *testing.T) {
	f := &fakeProcessor{err: proxyerror.New(proxyerror.KindRateLimited, "upstream_429", "slow down")}
	srv := httptest.NewServer(testServer(f).Router())
	defer srv.Close()

	body := `{"model":"claude-sonnet-4","max_tokens":1024,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/anthropic/v1/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var out struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "error", out.Type)
	assert.Equal(t, "rate_limit_error", out.Error.Type)
}

func TestGeminiGenerateContent(t *testing.T) {
	f := &fakeProcessor{resp: okResponse("from gemini")}
	srv := httptest.NewServer(testServer(f).Router())
	defer srv.Close()

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	resp, err := http.Post(srv.URL+"/v1beta/models/gemini-2.5-pro:generateContent",
		"application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gemini-2.5-pro", f.lastReq.Model)

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, "from gemini", out.Candidates[0].Content.Parts[0].Text)
	assert.Equal(t, "STOP", out.Candidates[0].FinishReason)
}

func TestGeminiBadAction(t *testing.T) {
	f := &fakeProcessor{}
	srv := httptest.NewServer(testServer(f).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1beta/models/gemini-2.5-pro:countTokens",
		"application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	f := &fakeProcessor{resp: okResponse("x")}
	s := testServer(f)
	s.cfg.DisableAuth = false
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer anything")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(testServer(&fakeProcessor{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(testServer(&fakeProcessor{}).Router())
	defer srv.Close()

	// Seed at least one series before scraping.
	warm, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	warm.Body.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), "prism_http_requests_total")
}

func TestOpenAIErrorShape(t *testing.T) {
	f := &fakeProcessor{err: proxyerror.New(proxyerror.KindBackendExhausted, "all_attempts_failed", "everything is down")}
	srv := httptest.NewServer(testServer(f).Router())
	defer srv.Close()

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var out struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "backend_exhausted", out.Error.Type)
	assert.Equal(t, "all_attempts_failed", out.Error.Code)
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			return b.String()
		}
	}
}
