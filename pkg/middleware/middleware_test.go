package middleware

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

func testChain() *Chain {
	cfg := &config.Config{
		CommandPrefix: "!/",
		Backends: map[config.BackendType]config.BackendConfig{
			config.BackendOpenAI: {
				APIKeys: []config.APIKey{{Name: "primary", Value: "sk-secret-123"}},
			},
		},
	}
	return NewChain(cfg, nil)
}

func textResponse(text string) *canonical.Response {
	return &canonical.Response{
		Model: "gpt-4o",
		Choices: []canonical.Choice{{
			Message:      canonical.Message{Role: canonical.RoleAssistant, Content: text},
			FinishReason: canonical.FinishReasonStop,
		}},
	}
}

func textChunk(text string) canonical.StreamChunk {
	return canonical.StreamChunk{
		Choices: []canonical.ChunkChoice{{Delta: canonical.Delta{Content: text}}},
	}
}

func finishChunk(reason string) canonical.StreamChunk {
	return canonical.StreamChunk{
		Choices: []canonical.ChunkChoice{{FinishReason: reason}},
	}
}

func runStream(t *testing.T, c *Chain, chunks ...canonical.StreamChunk) []canonical.StreamChunk {
	t.Helper()
	in := make(chan canonical.StreamChunk, len(chunks))
	for _, ch := range chunks {
		in <- ch
	}
	close(in)
	var out []canonical.StreamChunk
	for ch := range c.Stream(context.Background(), in) {
		out = append(out, ch)
	}
	return out
}

func assembleText(chunks []canonical.StreamChunk) string {
	var b strings.Builder
	for _, ch := range chunks {
		for _, c := range ch.Choices {
			b.WriteString(c.Delta.Content)
		}
	}
	return b.String()
}

func TestRedactorScrubsResponse(t *testing.T) {
	resp := textResponse("your key is sk-secret-123, keep it safe")
	out, err := testChain().Response(resp)
	require.NoError(t, err)
	text := out.Choices[0].Message.Text()
	assert.NotContains(t, text, "sk-secret-123")
	assert.Contains(t, text, "(API_KEY_HAS_BEEN_REDACTED)")
}

func TestRedactorScrubsAcrossChunkBoundary(t *testing.T) {
	out := runStream(t, testChain(),
		textChunk("here: sk-sec"),
		textChunk("ret-123 done"),
		finishChunk(canonical.FinishReasonStop),
	)
	text := assembleText(out)
	assert.NotContains(t, text, "sk-secret-123")
	assert.Contains(t, text, "(API_KEY_HAS_BEEN_REDACTED)")
	assert.Contains(t, text, "done")
}

func TestRedactorStripsEchoedCommands(t *testing.T) {
	resp := textResponse("run !/set(backend=openai) to switch")
	out, err := testChain().Response(resp)
	require.NoError(t, err)
	assert.Equal(t, "run  to switch", out.Choices[0].Message.Text())
}

func TestJSONRepairFixesToolArguments(t *testing.T) {
	resp := textResponse("")
	resp.Choices[0].Message.ToolCalls = []canonical.ToolCall{{
		ID:   "call_1",
		Type: "function",
		Function: canonical.FunctionCall{
			Name:      "write_file",
			Arguments: `{"path": "a.txt", "content": "x",}`,
		},
	}}
	resp.Choices[0].FinishReason = canonical.FinishReasonToolCalls

	out, err := testChain().Response(resp)
	require.NoError(t, err)
	args := out.Choices[0].Message.ToolCalls[0].Function.Arguments
	assert.True(t, json.Valid([]byte(args)), "repaired arguments must parse: %s", args)
}

func TestJSONRepairBuffersStreamedFragments(t *testing.T) {
	frag := func(id, name, args string) canonical.StreamChunk {
		return canonical.StreamChunk{
			Choices: []canonical.ChunkChoice{{
				Delta: canonical.Delta{ToolCalls: []canonical.ToolCall{{
					ID:       id,
					Type:     "function",
					Function: canonical.FunctionCall{Name: name, Arguments: args},
				}}},
			}},
		}
	}
	out := runStream(t, testChain(),
		frag("call_1", "read_file", `{"path":`),
		frag("", "", `"a.txt",}`),
		finishChunk(canonical.FinishReasonToolCalls),
	)

	var calls []canonical.ToolCall
	var finish string
	for _, ch := range out {
		for _, c := range ch.Choices {
			calls = append(calls, c.Delta.ToolCalls...)
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0].Function.Name)
	assert.True(t, json.Valid([]byte(calls[0].Function.Arguments)))
	assert.Equal(t, canonical.FinishReasonToolCalls, finish)
}

func TestJSONRepairFixesResponseBody(t *testing.T) {
	resp := textResponse(`{"k": "v", "items": [{"id": 1}`)
	out, err := testChain().Response(resp)
	require.NoError(t, err)
	text := out.Choices[0].Message.Text()
	require.True(t, json.Valid([]byte(text)), "repaired body must parse: %s", text)
	assert.JSONEq(t, `{"k":"v","items":[{"id":1}]}`, text)
}

func TestJSONRepairBuffersStreamedContentBody(t *testing.T) {
	out := runStream(t, testChain(),
		textChunk(`{"k":"v",`),
		textChunk(`"items":[`),
		textChunk(`{"id":1}`),
		finishChunk(canonical.FinishReasonStop),
	)

	var bodies []string
	var finish string
	for _, ch := range out {
		for _, c := range ch.Choices {
			if c.Delta.Content != "" {
				bodies = append(bodies, c.Delta.Content)
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}
	// The repaired whole arrives as a single delta before the finish chunk.
	require.Len(t, bodies, 1)
	assert.JSONEq(t, `{"k":"v","items":[{"id":1}]}`, bodies[0])
	assert.Equal(t, canonical.FinishReasonStop, finish)
}

func TestJSONRepairStreamsProseUntouched(t *testing.T) {
	out := runStream(t, testChain(),
		textChunk("prose stays token-by-token, never "),
		textChunk("held back for a repair pass"),
		finishChunk(canonical.FinishReasonStop),
	)

	deltas := 0
	for _, ch := range out {
		for _, c := range ch.Choices {
			if c.Delta.Content != "" {
				deltas++
			}
		}
	}
	assert.GreaterOrEqual(t, deltas, 2)
	assert.Equal(t, "prose stays token-by-token, never held back for a repair pass", assembleText(out))
}

func TestToolExtractorLiftsTaggedCall(t *testing.T) {
	resp := textResponse("Let me check.\n<tool_call>\n{\"name\": \"list_files\", \"arguments\": {\"path\": \".\"}}\n</tool_call>")
	out, err := testChain().Response(resp)
	require.NoError(t, err)

	choice := out.Choices[0]
	require.Len(t, choice.Message.ToolCalls, 1)
	call := choice.Message.ToolCalls[0]
	assert.Equal(t, "list_files", call.Function.Name)
	assert.JSONEq(t, `{"path":"."}`, call.Function.Arguments)
	assert.True(t, strings.HasPrefix(call.ID, "call_"))
	assert.Equal(t, canonical.FinishReasonToolCalls, choice.FinishReason)
	assert.Equal(t, "Let me check.", choice.Message.Text())
}

func TestToolExtractorAcrossChunkBoundaries(t *testing.T) {
	out := runStream(t, testChain(),
		textChunk("Sure. <tool_"),
		textChunk("call>{\"name\": \"ping\", \"argum"),
		textChunk("ents\": {}}</tool_call>"),
		finishChunk(canonical.FinishReasonStop),
	)

	var calls []canonical.ToolCall
	var finish string
	for _, ch := range out {
		for _, c := range ch.Choices {
			calls = append(calls, c.Delta.ToolCalls...)
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "ping", calls[0].Function.Name)
	assert.Equal(t, canonical.FinishReasonToolCalls, finish)
	assert.Equal(t, "Sure. ", assembleText(out))
}

func TestToolExtractorLeavesPlainAnglesAlone(t *testing.T) {
	out := runStream(t, testChain(),
		textChunk("a < b and <tools are fun"),
		finishChunk(canonical.FinishReasonStop),
	)
	assert.Equal(t, "a < b and <tools are fun", assembleText(out))
}

func TestLoopDetectorCutsRunawayStream(t *testing.T) {
	chunks := make([]canonical.StreamChunk, 0, 64)
	for i := 0; i < 64; i++ {
		chunks = append(chunks, textChunk("I will try again. "))
	}
	out := runStream(t, testChain(), chunks...)

	require.NotEmpty(t, out)
	last := out[len(out)-1]
	require.NotEmpty(t, last.Choices)
	assert.Equal(t, canonical.FinishReasonLength, last.Choices[0].FinishReason)
	// The stream was cut well before all 64 chunks passed through.
	assert.Less(t, len(out), 64)
}

func TestEmptyResponseSignalled(t *testing.T) {
	_, err := testChain().Response(textResponse(""))
	require.Error(t, err)
	assert.True(t, proxyerror.IsKind(err, proxyerror.KindEmptyResponse))
}

func TestEmptyStreamSignalled(t *testing.T) {
	out := runStream(t, testChain(), finishChunk(canonical.FinishReasonStop))
	require.NotEmpty(t, out)
	last := out[len(out)-1]
	require.Error(t, last.Err)
	assert.True(t, proxyerror.IsKind(last.Err, proxyerror.KindEmptyResponse))
}

func TestStreamPassthroughKeepsUsage(t *testing.T) {
	usage := canonical.StreamChunk{Usage: &canonical.Usage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8}}
	out := runStream(t, testChain(),
		textChunk("hello"),
		usage,
		finishChunk(canonical.FinishReasonStop),
	)
	found := false
	for _, ch := range out {
		if ch.Usage != nil {
			found = true
			assert.Equal(t, 8, ch.Usage.TotalTokens)
		}
	}
	assert.True(t, found)
	assert.Equal(t, "hello", assembleText(out))
}
