package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

func TestParseOpenAIRequest(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		],
		"temperature": 0.7,
		"stop": "END",
		"stream": true
	}`)

	req, err := ParseOpenAIRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, canonical.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[1].Text())
	assert.Equal(t, 0.7, *req.Temperature)
	assert.Equal(t, []string{"END"}, req.Stop)
	assert.True(t, req.Stream)
}

func TestParseOpenAIRequestInvalid(t *testing.T) {
	_, err := ParseOpenAIRequest([]byte(`{"model": "gpt-4o", "messages": []}`))
	require.Error(t, err)
	assert.True(t, proxyerror.IsKind(err, proxyerror.KindInvalidRequest))

	_, err = ParseOpenAIRequest([]byte(`not json`))
	require.Error(t, err)
	assert.True(t, proxyerror.IsKind(err, proxyerror.KindInvalidRequest))
}

func TestOpenAIMultimodalContent(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image_url", "image_url": {"url": "https://example.com/a.png"}},
			{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}},
			{"type": "image_url", "image_url": {"url": "file:///etc/passwd"}}
		]}]
	}`)

	req, err := ParseOpenAIRequest(body)
	require.NoError(t, err)
	parts := req.Messages[0].Parts
	// The file: URI is dropped.
	require.Len(t, parts, 3)
	assert.Equal(t, canonical.PartTypeText, parts[0].Type)
	assert.Equal(t, canonical.PartTypeImageURL, parts[1].Type)
	assert.Equal(t, canonical.PartTypeInlineData, parts[2].Type)
	assert.Equal(t, "image/png", parts[2].InlineData.MIMEType)
	assert.Equal(t, "AAAA", parts[2].InlineData.Data)
}

func TestOpenAIToolRoundTrip(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "weather in Paris"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "{\"temp\": 21}"}
		],
		"tools": [{"type": "function", "function": {
			"name": "get_weather",
			"parameters": {"type": "object", "properties": {"city": {"type": "string"}}}
		}}],
		"tool_choice": "auto"
	}`)

	req, err := ParseOpenAIRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 3)
	require.Len(t, req.Messages[1].ToolCalls, 1)
	assert.Equal(t, "get_weather", req.Messages[1].ToolCalls[0].Function.Name)
	assert.Equal(t, `{"city":"Paris"}`, req.Messages[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, canonical.RoleTool, req.Messages[2].Role)
	assert.Equal(t, "call_1", req.Messages[2].ToolCallID)
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, canonical.ToolChoiceAuto, req.ToolChoice.Mode)

	wire := CanonicalToOpenAIRequest(req, "gpt-4o-mini")
	assert.Equal(t, "gpt-4o-mini", wire.Model)
	require.Len(t, wire.Messages, 3)
	assert.Equal(t, "call_1", wire.Messages[1].ToolCalls[0].ID)
	require.Len(t, wire.Tools, 1)
	assert.Equal(t, "get_weather", wire.Tools[0].Function.Name)
}

func TestOpenAIResponseToCanonical(t *testing.T) {
	resp := &OpenAIResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []OpenAIChoice{{
			Message:      OpenAIMessage{Role: "assistant", Content: json.RawMessage(`"hi there"`)},
			FinishReason: "stop",
		}},
		Usage: &canonical.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}

	out, err := OpenAIResponseToCanonical(resp)
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Choices[0].Message.Text())
	assert.Equal(t, canonical.FinishReasonStop, out.Choices[0].FinishReason)
	assert.Equal(t, 12, out.Usage.TotalTokens)

	back := CanonicalToOpenAIResponse(out)
	assert.Equal(t, "chat.completion", back.Object)

	var text string
	require.NoError(t, json.Unmarshal(back.Choices[0].Message.Content, &text))
	assert.Equal(t, "hi there", text)
}

func TestOpenAIChunkMapping(t *testing.T) {
	chunk := &OpenAIStreamResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []OpenAIStreamChoice{{
			Delta: OpenAIDelta{Role: "assistant", Content: "hel"},
		}},
	}

	out := OpenAIChunkToCanonical(chunk)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "hel", out.Choices[0].Delta.Content)
	assert.Empty(t, out.Choices[0].FinishReason)

	back := CanonicalChunkToOpenAI(out)
	assert.Equal(t, "chat.completion.chunk", back.Object)
	assert.Equal(t, "hel", back.Choices[0].Delta.Content)
}

func TestOpenAIResponseFormat(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "json please"}],
		"response_format": {"type": "json_schema", "json_schema": {
			"name": "answer", "schema": {"type": "object"}
		}}
	}`)

	req, err := ParseOpenAIRequest(body)
	require.NoError(t, err)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_schema", req.ResponseFormat.Type)
	assert.Equal(t, "answer", req.ResponseFormat.SchemaName)
	assert.True(t, req.ResponseFormat.Strict)
}
