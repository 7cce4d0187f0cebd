package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/session"
)

func testConfig() *config.Config {
	f := 1.0
	cfg := &config.Config{
		CommandPrefix:  "!/",
		DefaultBackend: config.BackendOpenAI,
		ReasoningModes: map[string]map[string]config.ReasoningMode{
			"gemini-2.5-pro": {
				"max":      {Temperature: &f, Effort: "high"},
				"no-think": {},
			},
		},
		FailoverRoutes: map[string]config.RouteConfig{
			"global-route": {Policy: "k", Elements: []string{"openai:gpt-4o"}},
		},
	}
	return cfg
}

func userMsg(text string) canonical.Message {
	return canonical.Message{Role: canonical.RoleUser, Content: text}
}

func TestParseOne(t *testing.T) {
	call, start, end, ok := parseOne("please !/set(model=gpt-4o, backend=openai) now", "!/", 0)
	require.True(t, ok)
	assert.Equal(t, "set", call.Name)
	assert.Equal(t, "gpt-4o", call.Args["model"])
	assert.Equal(t, "openai", call.Args["backend"])
	assert.Equal(t, "please ", "please !/set(model=gpt-4o, backend=openai) now"[:start])
	assert.Equal(t, " now", "please !/set(model=gpt-4o, backend=openai) now"[end:])
}

func TestParseOnePositional(t *testing.T) {
	call, _, _, ok := parseOne("!/oneoff(openrouter/gpt-4o)", "!/", 0)
	require.True(t, ok)
	assert.Equal(t, "oneoff", call.Name)
	assert.Equal(t, []string{"openrouter/gpt-4o"}, call.Positional)
}

func TestScanStripsAllExecutesNone(t *testing.T) {
	messages := []canonical.Message{
		userMsg("!/set(model=a) and !/set(model=b) hello"),
	}
	cleaned, calls := Scan(messages, "!/")
	require.Len(t, calls, 2)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "and  hello", cleaned[0].Text())
}

func TestScanDeletesEmptiedMessage(t *testing.T) {
	messages := []canonical.Message{
		userMsg("!/hello"),
		userMsg("real question"),
	}
	cleaned, calls := Scan(messages, "!/")
	require.Len(t, calls, 1)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "real question", cleaned[0].Text())
}

func TestEngineFirstMatchWins(t *testing.T) {
	engine := NewEngine(testConfig())
	sess := &session.Session{ID: "s"}

	cleaned, outcome := engine.Run([]canonical.Message{
		userMsg("!/set(model=first)"),
		userMsg("!/set(model=second)"),
	}, sess, Env{Config: testConfig()})

	assert.Empty(t, cleaned)
	assert.True(t, outcome.Executed)
	assert.True(t, outcome.Suppress)
	// Only the first command executed; the second was stripped.
	assert.Equal(t, "first", sess.State.OverrideModel)
}

func TestEngineSetUnset(t *testing.T) {
	engine := NewEngine(testConfig())
	sess := &session.Session{ID: "s"}
	env := Env{Config: testConfig()}

	_, outcome := engine.Run([]canonical.Message{userMsg("!/set(model=gpt-4o)")}, sess, env)
	assert.True(t, outcome.Suppress)
	assert.Equal(t, "gpt-4o", sess.State.OverrideModel)

	_, _ = engine.Run([]canonical.Message{userMsg("!/unset(model)")}, sess, env)
	assert.Empty(t, sess.State.OverrideModel)
}

func TestEngineSetUnknownBackend(t *testing.T) {
	engine := NewEngine(testConfig())
	sess := &session.Session{ID: "s"}

	_, outcome := engine.Run([]canonical.Message{userMsg("!/set(backend=nope)")}, sess, Env{Config: testConfig()})
	assert.True(t, outcome.Executed)
	assert.Contains(t, outcome.Message, "unknown backend")
	assert.Empty(t, sess.State.OverrideBackend)
}

func TestEngineOneoff(t *testing.T) {
	engine := NewEngine(testConfig())
	sess := &session.Session{ID: "s"}

	_, outcome := engine.Run([]canonical.Message{userMsg("!/oneoff(openrouter/mistral-large)")}, sess, Env{Config: testConfig()})
	assert.True(t, outcome.Executed)
	assert.Equal(t, config.BackendOpenRouter, sess.State.OneoffBackend)
	assert.Equal(t, "mistral-large", sess.State.OneoffModel)
}

func TestEngineRouteLifecycle(t *testing.T) {
	engine := NewEngine(testConfig())
	sess := &session.Session{ID: "s"}
	env := Env{Config: testConfig()}

	run := func(text string) Outcome {
		_, outcome := engine.Run([]canonical.Message{userMsg(text)}, sess, env)
		return outcome
	}

	run("!/create-failover-route(fast, km)")
	require.Contains(t, sess.State.FailoverRoutes, "fast")
	assert.Equal(t, "km", sess.State.FailoverRoutes["fast"].Policy)

	run("!/route-append(fast, openai:gpt-4o)")
	run("!/route-prepend(fast, anthropic:claude-sonnet-4)")
	assert.Equal(t, []string{"anthropic:claude-sonnet-4", "openai:gpt-4o"},
		sess.State.FailoverRoutes["fast"].Elements)

	outcome := run("!/route-append(fast, bogus)")
	assert.Contains(t, outcome.Message, "not backend:model")

	outcome = run("!/list-failover-routes")
	assert.Contains(t, outcome.Message, "fast")
	assert.Contains(t, outcome.Message, "global-route")

	run("!/route-clear(fast)")
	assert.Empty(t, sess.State.FailoverRoutes["fast"].Elements)

	run("!/delete-failover-route(fast)")
	assert.NotContains(t, sess.State.FailoverRoutes, "fast")
}

func TestEngineReasoningAlias(t *testing.T) {
	engine := NewEngine(testConfig())
	sess := &session.Session{ID: "s"}

	_, outcome := engine.Run([]canonical.Message{userMsg("!/max")}, sess, Env{
		Config: testConfig(),
		Model:  "gemini-2.5-pro",
	})
	assert.True(t, outcome.Executed)
	assert.Equal(t, "max", sess.State.ReasoningMode)
}

func TestEngineReasoningAliasUnknownModel(t *testing.T) {
	engine := NewEngine(testConfig())
	sess := &session.Session{ID: "s"}

	_, outcome := engine.Run([]canonical.Message{userMsg("!/max")}, sess, Env{
		Config: testConfig(),
		Model:  "unknown-model",
	})
	assert.True(t, outcome.Executed)
	assert.Contains(t, outcome.Message, "no reasoning modes")
	// State untouched; subsequent commands still work.
	assert.Empty(t, sess.State.ReasoningMode)

	_, outcome = engine.Run([]canonical.Message{userMsg("!/set(model=gpt-4o)")}, sess, Env{Config: testConfig()})
	assert.True(t, outcome.Executed)
	assert.Equal(t, "gpt-4o", sess.State.OverrideModel)
}

func TestEngineIdempotentCommands(t *testing.T) {
	engine := NewEngine(testConfig())
	sess := &session.Session{ID: "s"}
	env := Env{Config: testConfig()}

	_, _ = engine.Run([]canonical.Message{userMsg("!/set(model=x)")}, sess, env)
	first := sess.State
	_, _ = engine.Run([]canonical.Message{userMsg("!/set(model=x)")}, sess, env)
	assert.Equal(t, first.OverrideModel, sess.State.OverrideModel)
}

func TestEngineDisabledStripsOnly(t *testing.T) {
	cfg := testConfig()
	cfg.CommandsDisabled = true
	engine := NewEngine(cfg)
	sess := &session.Session{ID: "s"}

	cleaned, outcome := engine.Run([]canonical.Message{
		userMsg("!/set(model=x) question"),
	}, sess, Env{Config: cfg})

	assert.False(t, outcome.Executed)
	assert.False(t, outcome.Suppress)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "question", cleaned[0].Text())
	assert.Empty(t, sess.State.OverrideModel)
}

func TestBuildResponsePlain(t *testing.T) {
	resp := BuildResponse("done", "gpt-4o", "")
	assert.Equal(t, ResponseID, resp.ID)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "done", resp.Choices[0].Message.Text())
	assert.Equal(t, canonical.FinishReasonStop, resp.Choices[0].FinishReason)
}

func TestBuildResponseCline(t *testing.T) {
	resp := BuildResponse("done", "gpt-4o", "cline")
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	tc := resp.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "attempt_completion", tc.Function.Name)
	assert.JSONEq(t, `{"result":"done"}`, tc.Function.Arguments)
	assert.Equal(t, canonical.FinishReasonToolCalls, resp.Choices[0].FinishReason)
}
