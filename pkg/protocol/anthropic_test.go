package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

func TestParseAnthropicRequest(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": "be terse",
		"messages": [{"role": "user", "content": "hello"}]
	}`)

	req, err := ParseAnthropicRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, canonical.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Content)
	assert.Equal(t, "hello", req.Messages[1].Text())
	assert.Equal(t, 1024, *req.MaxTokens)
}

func TestParseAnthropicRequestRequiresMaxTokens(t *testing.T) {
	_, err := ParseAnthropicRequest([]byte(`{
		"model": "claude-sonnet-4",
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	require.Error(t, err)
	assert.True(t, proxyerror.IsKind(err, proxyerror.KindInvalidRequest))
}

func TestAnthropicToolResultSplitting(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 512,
		"messages": [
			{"role": "user", "content": "weather in Paris"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather",
				 "input": {"city": "Paris"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "21C"}
			]}
		]
	}`)

	req, err := ParseAnthropicRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)

	assistant := req.Messages[1]
	assert.Equal(t, "checking", assistant.Text())
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "toolu_1", assistant.ToolCalls[0].ID)
	assert.JSONEq(t, `{"city":"Paris"}`, assistant.ToolCalls[0].Function.Arguments)

	result := req.Messages[2]
	assert.Equal(t, canonical.RoleTool, result.Role)
	assert.Equal(t, "toolu_1", result.ToolCallID)
	assert.Equal(t, "21C", result.Content)
}

func TestCanonicalToAnthropicResponse(t *testing.T) {
	resp := &canonical.Response{
		ID:    "msg_1",
		Model: "claude-sonnet-4",
		Choices: []canonical.Choice{{
			Message: canonical.Message{
				Role:    canonical.RoleAssistant,
				Content: "calling a tool",
				ToolCalls: []canonical.ToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: canonical.FunctionCall{
						Name:      "get_weather",
						Arguments: `{"city":"Paris"}`,
					},
				}},
			},
			FinishReason: canonical.FinishReasonToolCalls,
		}},
		Usage: &canonical.Usage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13},
	}

	out := CanonicalToAnthropicResponse(resp)
	assert.Equal(t, "tool_use", out.StopReason)
	require.Len(t, out.Content, 2)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Equal(t, "tool_use", out.Content[1].Type)
	assert.Equal(t, "get_weather", out.Content[1].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(out.Content[1].Input))
	assert.Equal(t, 9, out.Usage.InputTokens)
}

func TestAnthropicResponseToCanonical(t *testing.T) {
	resp := &AnthropicResponse{
		ID:    "msg_2",
		Model: "claude-sonnet-4",
		Content: []AnthropicContentBlock{
			{Type: "text", Text: "done"},
		},
		StopReason: "end_turn",
		Usage:      AnthropicUsage{InputTokens: 5, OutputTokens: 1},
	}

	out := AnthropicResponseToCanonical(resp)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "done", out.Choices[0].Message.Text())
	assert.Equal(t, canonical.FinishReasonStop, out.Choices[0].FinishReason)
	assert.Equal(t, 6, out.Usage.TotalTokens)
}

func TestAnthropicStreamRenderer(t *testing.T) {
	r := &AnthropicStreamRenderer{}

	events := r.Feed(&canonical.StreamChunk{
		ID:    "msg_3",
		Model: "claude-sonnet-4",
		Choices: []canonical.ChunkChoice{{
			Delta: canonical.Delta{Role: canonical.RoleAssistant, Content: "hel"},
		}},
	})
	require.Len(t, events, 3)
	assert.Equal(t, "message_start", events[0].Type)
	assert.Equal(t, "content_block_start", events[1].Type)
	assert.Equal(t, "content_block_delta", events[2].Type)
	assert.Equal(t, "hel", events[2].Delta.Text)

	events = r.Feed(&canonical.StreamChunk{
		Choices: []canonical.ChunkChoice{{
			Delta: canonical.Delta{Content: "lo"},
		}},
	})
	require.Len(t, events, 1)
	assert.Equal(t, "content_block_delta", events[0].Type)

	events = r.Feed(&canonical.StreamChunk{
		Choices: []canonical.ChunkChoice{{
			Delta: canonical.Delta{ToolCalls: []canonical.ToolCall{{
				ID:       "call_1",
				Function: canonical.FunctionCall{Name: "f", Arguments: `{"a":1}`},
			}}},
			FinishReason: canonical.FinishReasonToolCalls,
		}},
		Usage: &canonical.Usage{PromptTokens: 3, CompletionTokens: 2},
	})
	// Closes the text block, then start/delta/stop for the tool block.
	require.Len(t, events, 4)
	assert.Equal(t, "content_block_stop", events[0].Type)
	assert.Equal(t, "content_block_start", events[1].Type)
	assert.Equal(t, "tool_use", events[1].ContentBlock.Type)
	assert.Equal(t, 1, events[1].Index)
	assert.Equal(t, "input_json_delta", events[2].Delta.Type)
	assert.Equal(t, "content_block_stop", events[3].Type)

	final := r.Finish()
	require.Len(t, final, 2)
	assert.Equal(t, "message_delta", final[0].Type)
	assert.Equal(t, "tool_use", final[0].Delta.StopReason)
	assert.Equal(t, 3, final[0].Usage.InputTokens)
	assert.Equal(t, "message_stop", final[1].Type)
}

func TestAnthropicSystemBlockList(t *testing.T) {
	raw := json.RawMessage(`[{"type": "text", "text": "one"}, {"type": "text", "text": "two"}]`)
	assert.Equal(t, "one\n\ntwo", anthropicSystemText(raw))
}
