package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

// AnthropicRequest is the /v1/messages request payload.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"` // string or block list
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    *AnthropicToolChoice `json:"tool_choice,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	Thinking      *AnthropicThinking `json:"thinking,omitempty"`
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []AnthropicContentBlock
}

type AnthropicContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *AnthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type AnthropicImageSource struct {
	Type      string `json:"type"` // base64 | url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type AnthropicToolChoice struct {
	Type string `json:"type"` // auto | any | tool | none
	Name string `json:"name,omitempty"`
}

type AnthropicThinking struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []AnthropicContentBlock `json:"content"`
	StopReason   string                  `json:"stop_reason,omitempty"`
	StopSequence string                  `json:"stop_sequence,omitempty"`
	Usage        AnthropicUsage          `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ParseAnthropicRequest translates a Messages request to canonical,
// lifting the top-level system field to a leading system message.
func ParseAnthropicRequest(body []byte) (*canonical.Request, error) {
	var req AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, proxyerror.InvalidRequest("invalid_json", "invalid request body: %v", err)
	}
	if req.MaxTokens == 0 {
		return nil, proxyerror.InvalidRequest("missing_max_tokens", "max_tokens is required")
	}
	return AnthropicToCanonical(&req)
}

func AnthropicToCanonical(req *AnthropicRequest) (*canonical.Request, error) {
	maxTokens := req.MaxTokens
	out := &canonical.Request{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		MaxTokens:   &maxTokens,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}

	if sys := anthropicSystemText(req.System); sys != "" {
		out.Messages = append(out.Messages, canonical.Message{
			Role:    canonical.RoleSystem,
			Content: sys,
		})
	}

	for i, m := range req.Messages {
		msgs, err := anthropicMessageToCanonical(m)
		if err != nil {
			return nil, proxyerror.InvalidRequest("invalid_message", "messages[%d]: %v", i, err)
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, canonical.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "none":
			out.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}
		case "tool":
			out.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: req.ToolChoice.Name}
		default:
			out.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
		}
	}

	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		budget := req.Thinking.BudgetTokens
		out.Reasoning = &canonical.Reasoning{ThinkingBudget: &budget}
	}

	if len(req.Metadata) > 0 {
		out.ExtraBody = map[string]any{"metadata": req.Metadata}
	}

	if err := out.Validate(); err != nil {
		return nil, proxyerror.InvalidRequest("invalid_request", "%v", err)
	}
	return out, nil
}

func anthropicSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n\n"
			}
			out += b.Text
		}
	}
	return out
}

// anthropicMessageToCanonical translates one Anthropic message. tool_result
// blocks split into separate tool-role messages; everything else stays on
// the original message.
func anthropicMessageToCanonical(m AnthropicMessage) ([]canonical.Message, error) {
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []canonical.Message{{Role: canonical.Role(m.Role), Content: text}}, nil
	}

	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or block list")
	}

	msg := canonical.Message{Role: canonical.Role(m.Role)}
	var toolResults []canonical.Message

	for _, b := range blocks {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartTypeText, Text: b.Text})

		case "image":
			if b.Source == nil {
				continue
			}
			var part *canonical.Part
			switch b.Source.Type {
			case "base64":
				part = &canonical.Part{
					Type: canonical.PartTypeInlineData,
					InlineData: &canonical.InlineData{
						MIMEType: b.Source.MediaType,
						Data:     b.Source.Data,
					},
				}
			case "url":
				part = imagePartFromURI(b.Source.URL, "")
			}
			if part != nil {
				msg.Parts = append(msg.Parts, *part)
			}

		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: canonical.FunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})

		case "tool_result":
			toolResults = append(toolResults, canonical.Message{
				Role:       canonical.RoleTool,
				Content:    anthropicToolResultText(b.Content),
				ToolCallID: b.ToolUseID,
			})
		}
	}

	var out []canonical.Message
	if len(msg.Parts) > 0 || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	out = append(out, toolResults...)
	if len(out) == 0 {
		return nil, fmt.Errorf("message has no usable content")
	}
	return out, nil
}

func anthropicToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// CanonicalToAnthropicRequest builds the upstream /v1/messages payload.
// System messages are collapsed into the top-level system field; tool-role
// messages become tool_result blocks on a user message. defaultMaxTokens
// applies when the caller supplied none (the API requires it).
func CanonicalToAnthropicRequest(req *canonical.Request, model string, defaultMaxTokens int) *AnthropicRequest {
	out := &AnthropicRequest{
		Model:         model,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.Stop,
		Stream:        req.Stream,
		MaxTokens:     defaultMaxTokens,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system string
	for _, m := range req.Messages {
		switch m.Role {
		case canonical.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Text()

		case canonical.RoleTool:
			content, _ := json.Marshal([]AnthropicContentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   mustJSONString(m.Content),
			}})
			out.Messages = append(out.Messages, AnthropicMessage{Role: "user", Content: content})

		default:
			out.Messages = append(out.Messages, canonicalMessageToAnthropic(m))
		}
	}
	if system != "" {
		out.System, _ = json.Marshal(system)
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, AnthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case canonical.ToolChoiceNone:
			out.ToolChoice = &AnthropicToolChoice{Type: "none"}
		case canonical.ToolChoiceFunction:
			out.ToolChoice = &AnthropicToolChoice{Type: "tool", Name: req.ToolChoice.FunctionName}
		default:
			out.ToolChoice = &AnthropicToolChoice{Type: "auto"}
		}
	}

	if req.Reasoning != nil && req.Reasoning.ThinkingBudget != nil && *req.Reasoning.ThinkingBudget > 0 {
		out.Thinking = &AnthropicThinking{Type: "enabled", BudgetTokens: *req.Reasoning.ThinkingBudget}
	}

	return out
}

func mustJSONString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func canonicalMessageToAnthropic(m canonical.Message) AnthropicMessage {
	var blocks []AnthropicContentBlock
	if len(m.Parts) > 0 {
		for _, p := range m.Parts {
			switch p.Type {
			case canonical.PartTypeText:
				blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: p.Text})
			case canonical.PartTypeInlineData:
				blocks = append(blocks, AnthropicContentBlock{Type: "image", Source: &AnthropicImageSource{
					Type:      "base64",
					MediaType: p.InlineData.MIMEType,
					Data:      p.InlineData.Data,
				}})
			case canonical.PartTypeImageURL:
				blocks = append(blocks, AnthropicContentBlock{Type: "image", Source: &AnthropicImageSource{
					Type: "url",
					URL:  p.ImageURL.URL,
				}})
			}
		}
	} else if m.Content != "" {
		blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: m.Content})
	}

	for _, tc := range m.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input = mustJSONString(tc.Function.Arguments)
		}
		blocks = append(blocks, AnthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	content, _ := json.Marshal(blocks)
	return AnthropicMessage{Role: string(m.Role), Content: content}
}

// anthropicStopReason maps a canonical finish reason to Anthropic's
// stop_reason vocabulary.
func anthropicStopReason(finishReason string) string {
	switch finishReason {
	case canonical.FinishReasonStop:
		return "end_turn"
	case canonical.FinishReasonLength:
		return "max_tokens"
	case canonical.FinishReasonToolCalls:
		return "tool_use"
	case "":
		return ""
	default:
		return "end_turn"
	}
}

// canonicalStopReason is the inverse map, used by the Anthropic connector.
func canonicalStopReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return canonical.FinishReasonStop
	case "max_tokens":
		return canonical.FinishReasonLength
	case "tool_use":
		return canonical.FinishReasonToolCalls
	default:
		return stopReason
	}
}

// CanonicalToAnthropicResponse renders the first choice as an Anthropic
// message: collapsed text block first, one tool_use block per tool call.
func CanonicalToAnthropicResponse(resp *canonical.Response) *AnthropicResponse {
	out := &AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	if text := choice.Message.Text(); text != "" {
		out.Content = append(out.Content, AnthropicContentBlock{Type: "text", Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input, _ = json.Marshal(tc.Function.Arguments)
		}
		out.Content = append(out.Content, AnthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	out.StopReason = anthropicStopReason(choice.FinishReason)
	return out
}

// AnthropicResponseToCanonical maps an upstream Messages response to
// canonical. Tool-use inputs are serialised to a JSON string once here.
func AnthropicResponseToCanonical(resp *AnthropicResponse) *canonical.Response {
	msg := canonical.Message{Role: canonical.RoleAssistant}
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartTypeText, Text: b.Text})
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: canonical.FunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}

	return &canonical.Response{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []canonical.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: canonicalStopReason(resp.StopReason),
		}},
		Usage: &canonical.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// AnthropicStreamEvent is one SSE event on an Anthropic stream, both
// directions.
type AnthropicStreamEvent struct {
	Type string `json:"type"`

	Message *AnthropicResponse `json:"message,omitempty"`

	Index        int                    `json:"index,omitempty"`
	ContentBlock *AnthropicContentBlock `json:"content_block,omitempty"`
	Delta        *AnthropicStreamDelta  `json:"delta,omitempty"`
	Usage        *AnthropicUsage        `json:"usage,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type AnthropicStreamDelta struct {
	Type        string `json:"type"` // text_delta | input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// AnthropicStreamAccumulator turns an upstream Anthropic SSE event
// sequence into canonical chunks. It tracks the open content block so
// input_json_delta events attach to the right tool call.
type AnthropicStreamAccumulator struct {
	id         string
	model      string
	usage      canonical.Usage
	toolID     string
	toolName   string
	toolIsOpen bool
}

// Feed maps one event to at most one canonical chunk. Returns nil when the
// event carries nothing for the caller (pings, block stops).
func (a *AnthropicStreamAccumulator) Feed(event *AnthropicStreamEvent) *canonical.StreamChunk {
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			a.id = event.Message.ID
			a.model = event.Message.Model
			a.usage.PromptTokens = event.Message.Usage.InputTokens
		}
		return &canonical.StreamChunk{
			ID:     a.id,
			Object: "chat.completion.chunk",
			Model:  a.model,
			Choices: []canonical.ChunkChoice{{
				Delta: canonical.Delta{Role: canonical.RoleAssistant},
			}},
		}

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			a.toolID = event.ContentBlock.ID
			a.toolName = event.ContentBlock.Name
			a.toolIsOpen = true
			return &canonical.StreamChunk{
				ID:    a.id,
				Model: a.model,
				Choices: []canonical.ChunkChoice{{
					Delta: canonical.Delta{ToolCalls: []canonical.ToolCall{{
						ID:       a.toolID,
						Type:     "function",
						Function: canonical.FunctionCall{Name: a.toolName},
					}}},
				}},
			}
		}
		return nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return &canonical.StreamChunk{
				ID:    a.id,
				Model: a.model,
				Choices: []canonical.ChunkChoice{{
					Delta: canonical.Delta{Content: event.Delta.Text},
				}},
			}
		case "input_json_delta":
			if !a.toolIsOpen {
				return nil
			}
			return &canonical.StreamChunk{
				ID:    a.id,
				Model: a.model,
				Choices: []canonical.ChunkChoice{{
					Delta: canonical.Delta{ToolCalls: []canonical.ToolCall{{
						ID:       a.toolID,
						Type:     "function",
						Function: canonical.FunctionCall{Arguments: event.Delta.PartialJSON},
					}}},
				}},
			}
		}
		return nil

	case "content_block_stop":
		a.toolIsOpen = false
		return nil

	case "message_delta":
		var finish string
		if event.Delta != nil {
			finish = canonicalStopReason(event.Delta.StopReason)
		}
		if event.Usage != nil {
			a.usage.CompletionTokens = event.Usage.OutputTokens
		}
		usage := a.usage
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		return &canonical.StreamChunk{
			ID:      a.id,
			Model:   a.model,
			Choices: []canonical.ChunkChoice{{FinishReason: finish}},
			Usage:   &usage,
		}

	default:
		return nil
	}
}

// AnthropicStreamRenderer converts a canonical chunk stream into the
// Anthropic SSE event sequence (message_start, content_block_*,
// message_delta, message_stop). The renderer is the caller-held state the
// stateless chunk contract requires.
type AnthropicStreamRenderer struct {
	started    bool
	blockOpen  bool
	blockIndex int
	stopReason string
	usage      AnthropicUsage
}

// Feed returns the SSE events for one canonical chunk.
func (r *AnthropicStreamRenderer) Feed(chunk *canonical.StreamChunk) []AnthropicStreamEvent {
	var events []AnthropicStreamEvent

	if !r.started {
		r.started = true
		events = append(events, AnthropicStreamEvent{
			Type: "message_start",
			Message: &AnthropicResponse{
				ID:    chunk.ID,
				Type:  "message",
				Role:  "assistant",
				Model: chunk.Model,
			},
		})
	}

	if chunk.Usage != nil {
		r.usage = AnthropicUsage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	for _, c := range chunk.Choices {
		if c.Delta.Content != "" {
			if !r.blockOpen {
				r.blockOpen = true
				events = append(events, AnthropicStreamEvent{
					Type:         "content_block_start",
					Index:        r.blockIndex,
					ContentBlock: &AnthropicContentBlock{Type: "text"},
				})
			}
			events = append(events, AnthropicStreamEvent{
				Type:  "content_block_delta",
				Index: r.blockIndex,
				Delta: &AnthropicStreamDelta{Type: "text_delta", Text: c.Delta.Content},
			})
		}

		for _, tc := range c.Delta.ToolCalls {
			if r.blockOpen {
				events = append(events, AnthropicStreamEvent{Type: "content_block_stop", Index: r.blockIndex})
				r.blockOpen = false
				r.blockIndex++
			}
			events = append(events,
				AnthropicStreamEvent{
					Type:  "content_block_start",
					Index: r.blockIndex,
					ContentBlock: &AnthropicContentBlock{
						Type: "tool_use",
						ID:   tc.ID,
						Name: tc.Function.Name,
					},
				},
				AnthropicStreamEvent{
					Type:  "content_block_delta",
					Index: r.blockIndex,
					Delta: &AnthropicStreamDelta{Type: "input_json_delta", PartialJSON: tc.Function.Arguments},
				},
				AnthropicStreamEvent{Type: "content_block_stop", Index: r.blockIndex},
			)
			r.blockIndex++
		}

		if c.FinishReason != "" {
			r.stopReason = anthropicStopReason(c.FinishReason)
		}
	}

	return events
}

// Finish closes any open block and emits message_delta plus message_stop.
func (r *AnthropicStreamRenderer) Finish() []AnthropicStreamEvent {
	var events []AnthropicStreamEvent
	if r.blockOpen {
		events = append(events, AnthropicStreamEvent{Type: "content_block_stop", Index: r.blockIndex})
		r.blockOpen = false
	}
	stop := r.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	usage := r.usage
	events = append(events,
		AnthropicStreamEvent{
			Type:  "message_delta",
			Delta: &AnthropicStreamDelta{StopReason: stop},
			Usage: &usage,
		},
		AnthropicStreamEvent{Type: "message_stop"},
	)
	return events
}
