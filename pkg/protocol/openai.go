// Package protocol holds the pure translation functions between each wire
// protocol (OpenAI Chat Completions, OpenAI Responses, Anthropic Messages,
// Gemini GenerateContent) and the canonical model. Translators are total
// functions over the canonical shape and never perform I/O.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

// OpenAIRequest is the /chat/completions request payload.
type OpenAIRequest struct {
	Model            string                `json:"model"`
	Messages         []OpenAIMessage       `json:"messages"`
	MaxTokens        *int                  `json:"max_tokens,omitempty"`
	Temperature      *float64              `json:"temperature,omitempty"`
	TopP             *float64              `json:"top_p,omitempty"`
	Stop             json.RawMessage       `json:"stop,omitempty"` // string or []string
	PresencePenalty  *float64              `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64              `json:"frequency_penalty,omitempty"`
	Seed             *int                  `json:"seed,omitempty"`
	User             string                `json:"user,omitempty"`
	LogitBias        map[string]int        `json:"logit_bias,omitempty"`
	Stream           bool                  `json:"stream,omitempty"`
	Tools            []OpenAITool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage       `json:"tool_choice,omitempty"` // "none"|"auto"|object
	ResponseFormat   *OpenAIResponseFormat `json:"response_format,omitempty"`
	ReasoningEffort  string                `json:"reasoning_effort,omitempty"`
	ExtraBody        map[string]any        `json:"extra_body,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"` // string or []OpenAIContentPart
	Name       string           `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *OpenAIImageURL `json:"image_url,omitempty"`
}

type OpenAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type OpenAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *OpenAIJSONSchema `json:"json_schema,omitempty"`
}

type OpenAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict *bool          `json:"strict,omitempty"`
}

type OpenAIResponse struct {
	ID                string          `json:"id"`
	Object            string          `json:"object"`
	Created           int64           `json:"created"`
	Model             string          `json:"model"`
	Choices           []OpenAIChoice  `json:"choices"`
	Usage             *canonical.Usage `json:"usage,omitempty"`
	SystemFingerprint string          `json:"system_fingerprint,omitempty"`
	Error             *OpenAIError    `json:"error,omitempty"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type OpenAIStreamResponse struct {
	ID      string               `json:"id"`
	Object  string               `json:"object,omitempty"`
	Created int64                `json:"created"`
	Model   string               `json:"model"`
	Choices []OpenAIStreamChoice `json:"choices"`
	Usage   *canonical.Usage     `json:"usage,omitempty"`
	Error   *OpenAIError         `json:"error,omitempty"`
}

type OpenAIStreamChoice struct {
	Index        int         `json:"index"`
	Delta        OpenAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type OpenAIDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ParseOpenAIRequest translates a Chat Completions request to canonical.
func ParseOpenAIRequest(body []byte) (*canonical.Request, error) {
	var req OpenAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, proxyerror.InvalidRequest("invalid_json", "invalid request body: %v", err)
	}
	return OpenAIToCanonical(&req)
}

// OpenAIToCanonical is near-identity; multimodal content parts map 1:1.
func OpenAIToCanonical(req *OpenAIRequest) (*canonical.Request, error) {
	out := &canonical.Request{
		Model:            req.Model,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Seed:             req.Seed,
		User:             req.User,
		LogitBias:        req.LogitBias,
		Stream:           req.Stream,
		ExtraBody:        req.ExtraBody,
	}

	if len(req.Stop) > 0 {
		var single string
		if err := json.Unmarshal(req.Stop, &single); err == nil {
			out.Stop = []string{single}
		} else {
			var many []string
			if err := json.Unmarshal(req.Stop, &many); err != nil {
				return nil, proxyerror.InvalidRequest("invalid_stop", "stop must be a string or list of strings")
			}
			out.Stop = many
		}
	}

	for i, m := range req.Messages {
		msg, err := openAIMessageToCanonical(m)
		if err != nil {
			return nil, proxyerror.InvalidRequest("invalid_message", "messages[%d]: %v", i, err)
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	if len(req.ToolChoice) > 0 {
		tc, err := parseOpenAIToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = tc
	}

	if req.ResponseFormat != nil {
		rf := &canonical.ResponseFormat{Type: req.ResponseFormat.Type}
		if js := req.ResponseFormat.JSONSchema; js != nil {
			rf.SchemaName = js.Name
			rf.Schema = js.Schema
			rf.Strict = js.Strict == nil || *js.Strict
		}
		out.ResponseFormat = rf
	}

	if req.ReasoningEffort != "" {
		out.Reasoning = &canonical.Reasoning{Effort: canonical.ReasoningEffort(req.ReasoningEffort)}
	}

	if err := out.Validate(); err != nil {
		return nil, proxyerror.InvalidRequest("invalid_request", "%v", err)
	}
	return out, nil
}

func openAIMessageToCanonical(m OpenAIMessage) (canonical.Message, error) {
	msg := canonical.Message{
		Role:       canonical.Role(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	if len(m.Content) > 0 {
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			msg.Content = text
		} else {
			var parts []OpenAIContentPart
			if err := json.Unmarshal(m.Content, &parts); err != nil {
				return msg, fmt.Errorf("content must be a string or part list")
			}
			for _, p := range parts {
				switch p.Type {
				case "text":
					msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartTypeText, Text: p.Text})
				case "image_url":
					if p.ImageURL == nil {
						continue
					}
					part := imagePartFromURI(p.ImageURL.URL, p.ImageURL.Detail)
					if part != nil {
						msg.Parts = append(msg.Parts, *part)
					}
				}
			}
		}
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: canonical.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	return msg, nil
}

func parseOpenAIToolChoice(raw json.RawMessage) (*canonical.ToolChoice, error) {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "none":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}, nil
		case "auto", "required":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}, nil
		default:
			return nil, proxyerror.InvalidRequest("invalid_tool_choice", "unknown tool_choice %q", mode)
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, proxyerror.InvalidRequest("invalid_tool_choice", "tool_choice must be a string or object")
	}
	return &canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: obj.Function.Name}, nil
}

// CanonicalToOpenAIRequest builds the upstream /chat/completions payload.
func CanonicalToOpenAIRequest(req *canonical.Request, model string) *OpenAIRequest {
	out := &OpenAIRequest{
		Model:            model,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Seed:             req.Seed,
		User:             req.User,
		LogitBias:        req.LogitBias,
		Stream:           req.Stream,
	}

	if len(req.Stop) == 1 {
		out.Stop, _ = json.Marshal(req.Stop[0])
	} else if len(req.Stop) > 1 {
		out.Stop, _ = json.Marshal(req.Stop)
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, canonicalMessageToOpenAI(m))
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case canonical.ToolChoiceNone:
			out.ToolChoice, _ = json.Marshal("none")
		case canonical.ToolChoiceAuto:
			out.ToolChoice, _ = json.Marshal("auto")
		case canonical.ToolChoiceFunction:
			out.ToolChoice, _ = json.Marshal(map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.FunctionName},
			})
		}
	}

	if req.ResponseFormat != nil {
		rf := &OpenAIResponseFormat{Type: req.ResponseFormat.Type}
		if req.ResponseFormat.Type == "json_schema" {
			strict := req.ResponseFormat.Strict
			rf.JSONSchema = &OpenAIJSONSchema{
				Name:   req.ResponseFormat.SchemaName,
				Schema: req.ResponseFormat.Schema,
				Strict: &strict,
			}
		}
		out.ResponseFormat = rf
	}

	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		out.ReasoningEffort = string(req.Reasoning.Effort)
	}

	return out
}

func canonicalMessageToOpenAI(m canonical.Message) OpenAIMessage {
	out := OpenAIMessage{
		Role:       string(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	if len(m.Parts) > 0 {
		var parts []OpenAIContentPart
		for _, p := range m.Parts {
			switch p.Type {
			case canonical.PartTypeText:
				parts = append(parts, OpenAIContentPart{Type: "text", Text: p.Text})
			case canonical.PartTypeImageURL:
				parts = append(parts, OpenAIContentPart{
					Type:     "image_url",
					ImageURL: &OpenAIImageURL{URL: p.ImageURL.URL, Detail: p.ImageURL.Detail},
				})
			case canonical.PartTypeInlineData:
				parts = append(parts, OpenAIContentPart{
					Type: "image_url",
					ImageURL: &OpenAIImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", p.InlineData.MIMEType, p.InlineData.Data),
					},
				})
			case canonical.PartTypeFunctionResponse:
				parts = append(parts, OpenAIContentPart{Type: "text", Text: p.FunctionResponse.Payload})
			}
		}
		out.Content, _ = json.Marshal(parts)
	} else if m.Content != "" {
		out.Content, _ = json.Marshal(m.Content)
	}

	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, OpenAIToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: OpenAIFunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	return out
}

// OpenAIResponseToCanonical maps an upstream completion to canonical.
func OpenAIResponseToCanonical(resp *OpenAIResponse) (*canonical.Response, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", resp.Error.Message)
	}
	out := &canonical.Response{
		ID:                resp.ID,
		Object:            resp.Object,
		Created:           resp.Created,
		Model:             resp.Model,
		Usage:             resp.Usage,
		SystemFingerprint: resp.SystemFingerprint,
	}
	if out.Object == "" {
		out.Object = "chat.completion"
	}
	for _, c := range resp.Choices {
		msg, err := openAIMessageToCanonical(c.Message)
		if err != nil {
			return nil, err
		}
		out.Choices = append(out.Choices, canonical.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: c.FinishReason,
		})
	}
	return out, nil
}

// CanonicalToOpenAIResponse maps a canonical response to the frontend wire
// shape.
func CanonicalToOpenAIResponse(resp *canonical.Response) *OpenAIResponse {
	out := &OpenAIResponse{
		ID:                resp.ID,
		Object:            "chat.completion",
		Created:           resp.Created,
		Model:             resp.Model,
		Usage:             resp.Usage,
		SystemFingerprint: resp.SystemFingerprint,
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, OpenAIChoice{
			Index:        c.Index,
			Message:      canonicalMessageToOpenAI(c.Message),
			FinishReason: c.FinishReason,
		})
	}
	return out
}

// OpenAIChunkToCanonical maps one streamed upstream chunk. Stateless:
// tool-call deltas are passed through with their indexes for the caller's
// accumulator.
func OpenAIChunkToCanonical(chunk *OpenAIStreamResponse) *canonical.StreamChunk {
	out := &canonical.StreamChunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   chunk.Model,
		Usage:   chunk.Usage,
	}
	for _, c := range chunk.Choices {
		choice := canonical.ChunkChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Delta: canonical.Delta{
				Role:    canonical.Role(c.Delta.Role),
				Content: c.Delta.Content,
			},
		}
		for _, tc := range c.Delta.ToolCalls {
			choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, canonical.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: canonical.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, choice)
	}
	return out
}

// CanonicalChunkToOpenAI renders a canonical chunk on the frontend stream.
func CanonicalChunkToOpenAI(chunk *canonical.StreamChunk) *OpenAIStreamResponse {
	out := &OpenAIStreamResponse{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   chunk.Model,
		Usage:   chunk.Usage,
	}
	for _, c := range chunk.Choices {
		choice := OpenAIStreamChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Delta: OpenAIDelta{
				Role:    string(c.Delta.Role),
				Content: c.Delta.Content,
			},
		}
		for i, tc := range c.Delta.ToolCalls {
			idx := i
			choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, OpenAIToolCall{
				Index: &idx,
				ID:    tc.ID,
				Type:  "function",
				Function: OpenAIFunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, choice)
	}
	return out
}
