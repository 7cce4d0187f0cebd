package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

// ResponsesRequest is the OpenAI Responses API request payload. Input is
// either a plain string or an ordered item list.
type ResponsesRequest struct {
	Model           string              `json:"model"`
	Input           json.RawMessage     `json:"input"`
	Instructions    string              `json:"instructions,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	TopP            *float64            `json:"top_p,omitempty"`
	MaxOutputTokens *int                `json:"max_output_tokens,omitempty"`
	Stream          bool                `json:"stream,omitempty"`
	Tools           []ResponsesTool     `json:"tools,omitempty"`
	ToolChoice      json.RawMessage     `json:"tool_choice,omitempty"`
	Text            *ResponsesText      `json:"text,omitempty"`
	Reasoning       *ResponsesReasoning `json:"reasoning,omitempty"`
	User            string              `json:"user,omitempty"`
}

// ResponsesTool flattens the function definition to the top level, unlike
// the chat completions nesting.
type ResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ResponsesText struct {
	Format *ResponsesTextFormat `json:"format,omitempty"`
}

type ResponsesTextFormat struct {
	Type   string         `json:"type"` // "text", "json_object", "json_schema"
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict bool           `json:"strict,omitempty"`
}

type ResponsesReasoning struct {
	Effort string `json:"effort,omitempty"`
}

// ResponsesItem is one input or output item. The Type field selects which
// of the remaining fields are meaningful.
type ResponsesItem struct {
	Type    string          `json:"type"` // message | function_call | function_call_output
	ID      string          `json:"id,omitempty"`
	Status  string          `json:"status,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`

	// function_call / function_call_output fields.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type ResponsesContentPart struct {
	Type     string `json:"type"` // input_text | output_text | input_image
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ResponsesResponse is the non-streaming reply envelope.
type ResponsesResponse struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"` // "response"
	CreatedAt int64           `json:"created_at"`
	Status    string          `json:"status"` // "completed" | "incomplete"
	Model     string          `json:"model"`
	Output    []ResponsesItem `json:"output"`
	Usage     *ResponsesUsage `json:"usage,omitempty"`
}

// ParseResponsesRequest translates a Responses API request to canonical.
func ParseResponsesRequest(body []byte) (*canonical.Request, error) {
	var req ResponsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, proxyerror.InvalidRequest("invalid_json", "invalid request body: %v", err)
	}
	return ResponsesToCanonical(&req)
}

func ResponsesToCanonical(req *ResponsesRequest) (*canonical.Request, error) {
	out := &canonical.Request{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      req.Stream,
		User:        req.User,
	}

	if req.Instructions != "" {
		out.Messages = append(out.Messages, canonical.Message{
			Role:    canonical.RoleSystem,
			Content: req.Instructions,
		})
	}

	msgs, err := responsesInputToMessages(req.Input)
	if err != nil {
		return nil, proxyerror.InvalidRequest("invalid_input", "%v", err)
	}
	out.Messages = append(out.Messages, msgs...)

	for _, t := range req.Tools {
		if t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, canonical.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	if len(req.ToolChoice) > 0 {
		tc, err := parseResponsesToolChoice(req.ToolChoice)
		if err != nil {
			return nil, proxyerror.InvalidRequest("invalid_tool_choice", "%v", err)
		}
		out.ToolChoice = tc
	}

	if req.Text != nil && req.Text.Format != nil && req.Text.Format.Type != "" && req.Text.Format.Type != "text" {
		out.ResponseFormat = &canonical.ResponseFormat{
			Type:       req.Text.Format.Type,
			SchemaName: req.Text.Format.Name,
			Schema:     req.Text.Format.Schema,
			Strict:     req.Text.Format.Strict,
		}
	}

	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		out.Reasoning = &canonical.Reasoning{Effort: canonical.ReasoningEffort(req.Reasoning.Effort)}
	}

	if err := out.Validate(); err != nil {
		return nil, proxyerror.InvalidRequest("invalid_request", "%v", err)
	}
	return out, nil
}

func responsesInputToMessages(input json.RawMessage) ([]canonical.Message, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("input is required")
	}

	var text string
	if err := json.Unmarshal(input, &text); err == nil {
		return []canonical.Message{{Role: canonical.RoleUser, Content: text}}, nil
	}

	var items []ResponsesItem
	if err := json.Unmarshal(input, &items); err != nil {
		return nil, fmt.Errorf("input must be a string or an item list")
	}

	var out []canonical.Message
	for i, item := range items {
		switch item.Type {
		case "message", "":
			msg, err := responsesMessageToCanonical(item)
			if err != nil {
				return nil, fmt.Errorf("input[%d]: %w", i, err)
			}
			out = append(out, msg)

		case "function_call":
			out = append(out, canonical.Message{
				Role: canonical.RoleAssistant,
				ToolCalls: []canonical.ToolCall{{
					ID:   item.CallID,
					Type: "function",
					Function: canonical.FunctionCall{
						Name:      item.Name,
						Arguments: item.Arguments,
					},
				}},
			})

		case "function_call_output":
			out = append(out, canonical.Message{
				Role:       canonical.RoleTool,
				ToolCallID: item.CallID,
				Content:    item.Output,
			})

		default:
			return nil, fmt.Errorf("input[%d]: unsupported item type %q", i, item.Type)
		}
	}
	return out, nil
}

func responsesMessageToCanonical(item ResponsesItem) (canonical.Message, error) {
	msg := canonical.Message{Role: canonical.Role(item.Role)}
	if item.Role == "" {
		msg.Role = canonical.RoleUser
	}

	var text string
	if err := json.Unmarshal(item.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}

	var parts []ResponsesContentPart
	if err := json.Unmarshal(item.Content, &parts); err != nil {
		return msg, fmt.Errorf("message content must be a string or a part list")
	}
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartTypeText, Text: p.Text})
		case "input_image":
			if part := imagePartFromURI(p.ImageURL, p.Detail); part != nil {
				msg.Parts = append(msg.Parts, *part)
			}
		}
	}
	return msg, nil
}

func parseResponsesToolChoice(raw json.RawMessage) (*canonical.ToolChoice, error) {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "none":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}, nil
		case "auto", "required":
			return &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}, nil
		default:
			return nil, fmt.Errorf("unknown tool_choice %q", mode)
		}
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("tool_choice must be a string or an object")
	}
	if obj.Type == "function" && obj.Name != "" {
		return &canonical.ToolChoice{Mode: canonical.ToolChoiceFunction, FunctionName: obj.Name}, nil
	}
	return nil, fmt.Errorf("unsupported tool_choice object")
}

// CanonicalToResponsesResponse renders the canonical result as a Responses
// API reply. Tool calls become separate function_call output items.
func CanonicalToResponsesResponse(resp *canonical.Response) *ResponsesResponse {
	out := &ResponsesResponse{
		ID:        responsesID(resp.ID),
		Object:    "response",
		CreatedAt: resp.Created,
		Status:    "completed",
		Model:     resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = &ResponsesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}

	for i, c := range resp.Choices {
		if c.FinishReason == canonical.FinishReasonLength {
			out.Status = "incomplete"
		}
		if text := c.Message.Text(); text != "" {
			content, _ := json.Marshal([]ResponsesContentPart{{Type: "output_text", Text: text}})
			out.Output = append(out.Output, ResponsesItem{
				Type:    "message",
				ID:      fmt.Sprintf("msg_%s_%d", resp.ID, i),
				Status:  "completed",
				Role:    "assistant",
				Content: content,
			})
		}
		for j, tc := range c.Message.ToolCalls {
			out.Output = append(out.Output, ResponsesItem{
				Type:      "function_call",
				ID:        fmt.Sprintf("fc_%s_%d_%d", resp.ID, i, j),
				Status:    "completed",
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return out
}

func responsesID(id string) string {
	if strings.HasPrefix(id, "resp_") {
		return id
	}
	return "resp_" + id
}

// ResponsesStreamEvent is one SSE event on a Responses API stream.
type ResponsesStreamEvent struct {
	Type string `json:"-"` // event name

	Response *ResponsesResponse `json:"response,omitempty"`
	Item     *ResponsesItem     `json:"item,omitempty"`

	ItemID      string `json:"item_id,omitempty"`
	OutputIndex *int   `json:"output_index,omitempty"`
	Delta       string `json:"delta,omitempty"`
}

// ResponsesStreamRenderer sequences canonical chunks into the Responses API
// event grammar: response.created, one output_item.added per item,
// output_text.delta runs, then output_item.done and response.completed.
// Feed returns the events to emit for one chunk; Finish closes the stream.
type ResponsesStreamRenderer struct {
	started    bool
	itemOpen   bool
	itemIndex  int
	responseID string
	model      string
	usage      *canonical.Usage
	finish     string
}

func (r *ResponsesStreamRenderer) Feed(chunk *canonical.StreamChunk) []ResponsesStreamEvent {
	var events []ResponsesStreamEvent

	if !r.started {
		r.started = true
		r.responseID = responsesID(chunk.ID)
		r.model = chunk.Model
		events = append(events, ResponsesStreamEvent{
			Type: "response.created",
			Response: &ResponsesResponse{
				ID:        r.responseID,
				Object:    "response",
				CreatedAt: chunk.Created,
				Status:    "in_progress",
				Model:     chunk.Model,
			},
		})
	}
	if chunk.Usage != nil {
		r.usage = chunk.Usage
	}

	for _, c := range chunk.Choices {
		if c.Delta.Content != "" {
			if !r.itemOpen {
				r.itemOpen = true
				idx := r.itemIndex
				events = append(events, ResponsesStreamEvent{
					Type:        "response.output_item.added",
					OutputIndex: &idx,
					Item: &ResponsesItem{
						Type:   "message",
						ID:     fmt.Sprintf("msg_%s_%d", r.responseID, idx),
						Status: "in_progress",
						Role:   "assistant",
					},
				})
			}
			idx := r.itemIndex
			events = append(events, ResponsesStreamEvent{
				Type:        "response.output_text.delta",
				ItemID:      fmt.Sprintf("msg_%s_%d", r.responseID, idx),
				OutputIndex: &idx,
				Delta:       c.Delta.Content,
			})
		}

		for _, tc := range c.Delta.ToolCalls {
			events = append(events, r.closeItem()...)
			idx := r.itemIndex
			item := &ResponsesItem{
				Type:      "function_call",
				ID:        fmt.Sprintf("fc_%s_%d", r.responseID, idx),
				Status:    "completed",
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
			added := *item
			added.Status = "in_progress"
			events = append(events, ResponsesStreamEvent{
				Type:        "response.output_item.added",
				OutputIndex: &idx,
				Item:        &added,
			})
			events = append(events, ResponsesStreamEvent{
				Type:        "response.output_item.done",
				OutputIndex: &idx,
				Item:        item,
			})
			r.itemIndex++
		}

		if c.FinishReason != "" {
			r.finish = c.FinishReason
		}
	}

	return events
}

// Finish emits the closing output_item.done and response.completed events.
func (r *ResponsesStreamRenderer) Finish() []ResponsesStreamEvent {
	events := r.closeItem()

	status := "completed"
	if r.finish == canonical.FinishReasonLength {
		status = "incomplete"
	}
	resp := &ResponsesResponse{
		ID:     r.responseID,
		Object: "response",
		Status: status,
		Model:  r.model,
	}
	if r.usage != nil {
		resp.Usage = &ResponsesUsage{
			InputTokens:  r.usage.PromptTokens,
			OutputTokens: r.usage.CompletionTokens,
			TotalTokens:  r.usage.TotalTokens,
		}
	}
	events = append(events, ResponsesStreamEvent{Type: "response.completed", Response: resp})
	return events
}

func (r *ResponsesStreamRenderer) closeItem() []ResponsesStreamEvent {
	if !r.itemOpen {
		return nil
	}
	r.itemOpen = false
	idx := r.itemIndex
	r.itemIndex++
	return []ResponsesStreamEvent{{
		Type:        "response.output_item.done",
		OutputIndex: &idx,
		Item: &ResponsesItem{
			Type:   "message",
			ID:     fmt.Sprintf("msg_%s_%d", r.responseID, idx),
			Status: "completed",
			Role:   "assistant",
		},
	}}
}
