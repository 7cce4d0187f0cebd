package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/httpclient"
	"github.com/prismproxy/prism/pkg/oauth"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

func simpleRequest(model string) *canonical.Request {
	return &canonical.Request{
		Model: model,
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Content: "hello"},
		},
	}
}

func buildConnector(t *testing.T, backend config.BackendType, cfg config.BackendConfig) Connector {
	t.Helper()
	c, err := factories[backend](cfg, Deps{Logger: slog.Default()})
	require.NoError(t, err)
	return c
}

func TestOpenAIChatCompletions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])
		// extra_body keys ride at the top level.
		assert.Equal(t, "v", body["custom"])

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "hi"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	defer server.Close()

	c := buildConnector(t, config.BackendOpenAI, config.BackendConfig{BaseURL: server.URL + "/v1"})

	req := simpleRequest("gpt-4o")
	req.ExtraBody = map[string]any{"custom": "v"}
	resp, err := c.ChatCompletions(context.Background(), req, "gpt-4o",
		Overrides{APIKey: config.APIKey{Name: "k1", Value: "sk-test"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Text())
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestOpenAIStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"he\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"llo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := buildConnector(t, config.BackendOpenAI, config.BackendConfig{BaseURL: server.URL})

	stream, err := c.StreamChatCompletions(context.Background(), simpleRequest("gpt-4o"), "gpt-4o", Overrides{})
	require.NoError(t, err)

	var text string
	var finish string
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		for _, ch := range chunk.Choices {
			text += ch.Delta.Content
			if ch.FinishReason != "" {
				finish = ch.FinishReason
			}
		}
	}
	assert.Equal(t, "hello", text)
	assert.Equal(t, canonical.FinishReasonStop, finish)
}

func TestOpenAIErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   proxyerror.Kind
	}{
		{http.StatusUnauthorized, proxyerror.KindAuthentication},
		{http.StatusNotFound, proxyerror.KindModelNotFound},
		{http.StatusTooManyRequests, proxyerror.KindRateLimited},
		{http.StatusBadRequest, proxyerror.KindInvalidRequest},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "7")
			}
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "nope"},
			})
		}))
		c := buildConnector(t, config.BackendOpenAI, config.BackendConfig{BaseURL: server.URL})

		start := time.Now()
		_, err := c.ChatCompletions(context.Background(), simpleRequest("gpt-4o"), "gpt-4o", Overrides{})
		require.Error(t, err, "status %d", tc.status)
		assert.True(t, proxyerror.IsKind(err, tc.kind), "status %d got %v", tc.status, err)
		if tc.status == http.StatusTooManyRequests {
			assert.Equal(t, 7*time.Second, proxyerror.As(err).RetryAfter)
			// The Retry-After must reach the dispatcher, not be slept out
			// inside the client.
			assert.Less(t, time.Since(start), 2*time.Second)
		}
		server.Close()
	}
}

func TestOpenRouterAttributionHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "prism", r.Header.Get("X-Title"))
		json.NewEncoder(w).Encode(map[string]any{
			"id": "c1",
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "ok"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	c := buildConnector(t, config.BackendOpenRouter, config.BackendConfig{BaseURL: server.URL})
	_, err := c.ChatCompletions(context.Background(), simpleRequest("m"), "m", Overrides{})
	require.NoError(t, err)
}

func TestAnthropicRequestShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// max_tokens defaulted; system lifted out of messages.
		assert.Equal(t, float64(anthropicDefaultMaxTokens), body["max_tokens"])
		assert.Equal(t, "be terse", body["system"])
		meta := body["metadata"].(map[string]any)
		assert.Equal(t, "u1", meta["user_id"])
		assert.Equal(t, "proj", meta["project"]) // caller's extra_body wins

		json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4",
			"content":     []map[string]any{{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 4, "output_tokens": 1},
		})
	}))
	defer server.Close()

	c := buildConnector(t, config.BackendAnthropic, config.BackendConfig{BaseURL: server.URL})

	req := simpleRequest("claude-sonnet-4")
	req.Messages = append([]canonical.Message{{Role: canonical.RoleSystem, Content: "be terse"}}, req.Messages...)
	req.User = "u1"
	req.ExtraBody = map[string]any{"metadata": map[string]any{"project": "proj"}}

	resp, err := c.ChatCompletions(context.Background(), req, "claude-sonnet-4",
		Overrides{APIKey: config.APIKey{Value: "sk-ant"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Text())
	assert.Equal(t, canonical.FinishReasonStop, resp.Choices[0].FinishReason)
}

func TestZAIPinnedModelRewrite(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, zaiPinnedModel, body["model"])

		json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_1", "type": "message", "role": "assistant", "model": zaiPinnedModel,
			"content":     []map[string]any{{"type": "text", "text": "ok"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer server.Close()

	c := &Anthropic{
		name:        config.BackendZAI,
		baseURL:     server.URL,
		client:      newHTTPClient(httpclient.ParseAnthropicRateLimitHeaders),
		pinModel:    zaiPinnedModel,
		resolveAuth: func(context.Context) (string, error) { return "tok", nil },
	}

	resp, err := c.ChatCompletions(context.Background(), simpleRequest("my-alias"), "my-alias", Overrides{})
	require.NoError(t, err)
	// The caller-requested model is restored on the way out.
	assert.Equal(t, "my-alias", resp.Model)
}

func TestGeminiSyntheticUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		// No usageMetadata in the reply.
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": "four words exactly here"}}},
				"finishReason": "STOP",
			}},
		})
	}))
	defer server.Close()

	c := buildConnector(t, config.BackendGemini, config.BackendConfig{BaseURL: server.URL})
	resp, err := c.ChatCompletions(context.Background(), simpleRequest("gemini-2.5-flash"),
		"gemini-2.5-flash", Overrides{APIKey: config.APIKey{Value: "g-key"}})
	require.NoError(t, err)
	require.NotNil(t, resp.Usage)
	assert.Greater(t, resp.Usage.PromptTokens, 0)
	assert.Greater(t, resp.Usage.CompletionTokens, 0)
}

func TestEstimateUsageWithoutEncoding(t *testing.T) {
	// A nil counter must never panic; it degrades to the length/4 estimate.
	usage := estimateUsage(nil, []canonical.Message{
		{Role: canonical.RoleUser, Content: "twelve chars"},
	}, "12345678")
	assert.Equal(t, 3, usage.PromptTokens)
	assert.Equal(t, 2, usage.CompletionTokens)
	assert.Equal(t, 5, usage.TotalTokens)
}

func TestGeminiOAuthPersonal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain Gemini wire shape, bearer auth, no tunnel envelope.
		assert.Equal(t, "/models/gemini-2.5-pro:generateContent", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("x-goog-api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "contents")
		assert.NotContains(t, body, "request")

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": "ok"}}},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]int{"promptTokenCount": 1, "candidatesTokenCount": 1, "totalTokenCount": 2},
		})
	}))
	defer server.Close()

	creds := filepath.Join(t.TempDir(), "oauth_creds.json")
	require.NoError(t, oauth.WriteCredentials(creds, &oauth.Credentials{
		AccessToken: "tok-123",
		ExpiryDate:  time.Now().Add(time.Hour).UnixMilli(),
	}))

	c := buildConnector(t, config.BackendGeminiOAuth, config.BackendConfig{
		BaseURL:         server.URL,
		CredentialsFile: creds,
	})
	resp, err := c.ChatCompletions(context.Background(), simpleRequest("gemini-2.5-pro"),
		"gemini-2.5-pro", Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Text())
}

func TestGeminiGenerationConfigMerge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gc := body["generationConfig"].(map[string]any)
		// Explicit request field wins; backend config fills the gap.
		assert.Equal(t, 0.9, gc["temperature"])
		assert.Equal(t, float64(64), gc["topK"])

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": "ok"}}},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]int{"promptTokenCount": 1, "candidatesTokenCount": 1, "totalTokenCount": 2},
		})
	}))
	defer server.Close()

	c := buildConnector(t, config.BackendGemini, config.BackendConfig{
		BaseURL:          server.URL,
		GenerationConfig: map[string]any{"temperature": 0.2, "topK": 64},
	})

	temp := 0.9
	req := simpleRequest("gemini-2.5-flash")
	req.Temperature = &temp
	_, err := c.ChatCompletions(context.Background(), req, "gemini-2.5-flash", Overrides{})
	require.NoError(t, err)
}

func TestQwenBaseURL(t *testing.T) {
	assert.Equal(t, qwenDefaultBase, qwenBaseURL(""))
	assert.Equal(t, "https://portal.qwen.ai/v1", qwenBaseURL("portal.qwen.ai"))
	assert.Equal(t, "https://portal.qwen.ai/v1", qwenBaseURL("https://portal.qwen.ai/v1"))
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{Backends: map[config.BackendType]config.BackendConfig{
		"mystery": {},
	}}
	_, err := Build(cfg, Deps{})
	require.Error(t, err)
}
