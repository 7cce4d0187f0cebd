// Package canonical defines the protocol-neutral chat request, response and
// stream chunk shapes that every frontend and backend translates through.
package canonical

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates the content part union.
type PartType string

const (
	PartTypeText             PartType = "text"
	PartTypeImageURL         PartType = "image_url"
	PartTypeInlineData       PartType = "inline_data"
	PartTypeFunctionCall     PartType = "function_call"
	PartTypeFunctionResponse PartType = "function_response"
)

// Part is one element of a multimodal message content list. Exactly one of
// the pointer fields matching Type is set.
type Part struct {
	Type             PartType          `json:"type"`
	Text             string            `json:"text,omitempty"`
	ImageURL         *ImageURL         `json:"image_url,omitempty"`
	InlineData       *InlineData       `json:"inline_data,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type InlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// FunctionCall carries tool-call arguments as a JSON string. Upstreams that
// deliver objects are serialised once at the translation boundary.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type FunctionResponse struct {
	Name       string `json:"name"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Payload    string `json:"payload"`
}

// ToolCall is an assistant-initiated function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// Message is one turn of a conversation. Content is either a plain string
// or an ordered part list; Parts wins when both are set.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Text flattens the message content to plain text, joining text parts in
// order and skipping non-text parts.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}

// SetText replaces the textual content of the message, preserving non-text
// parts when the content is a part list.
func (m *Message) SetText(text string) {
	if len(m.Parts) == 0 {
		m.Content = text
		return
	}
	kept := make([]Part, 0, len(m.Parts))
	placed := false
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			if !placed && text != "" {
				kept = append(kept, Part{Type: PartTypeText, Text: text})
				placed = true
			}
			continue
		}
		kept = append(kept, p)
	}
	if !placed && text != "" {
		kept = append(kept, Part{Type: PartTypeText, Text: text})
	}
	m.Parts = kept
}

// IsEmpty reports whether the message carries no content at all.
func (m *Message) IsEmpty() bool {
	return m.Text() == "" && len(m.ToolCalls) == 0 && m.ToolCallID == "" && !m.hasNonTextParts()
}

func (m *Message) hasNonTextParts() bool {
	for _, p := range m.Parts {
		if p.Type != PartTypeText {
			return true
		}
	}
	return false
}

// ToolChoiceMode selects how the upstream may use tools.
type ToolChoiceMode string

const (
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice is either a bare mode or a forced function name.
type ToolChoice struct {
	Mode         ToolChoiceMode `json:"mode"`
	FunctionName string         `json:"function_name,omitempty"`
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON schema
}

// ReasoningEffort is the provider-neutral thinking depth.
type ReasoningEffort string

const (
	ReasoningEffortLow    ReasoningEffort = "low"
	ReasoningEffortMedium ReasoningEffort = "medium"
	ReasoningEffortHigh   ReasoningEffort = "high"
)

// Reasoning bundles the thinking controls a request may carry. Raw holds a
// provider-specific escape hatch forwarded verbatim.
type Reasoning struct {
	Effort         ReasoningEffort `json:"effort,omitempty"`
	ThinkingBudget *int            `json:"thinking_budget,omitempty"`
	Raw            map[string]any  `json:"raw,omitempty"`
}

// ResponseFormat requests structured output (OpenAI Responses API).
type ResponseFormat struct {
	Type       string         `json:"type"` // "text", "json_object", "json_schema"
	SchemaName string         `json:"schema_name,omitempty"`
	Schema     map[string]any `json:"schema,omitempty"`
	Strict     bool           `json:"strict,omitempty"`
}

// Request is the canonical chat completion request. Model may be
// "backend:model" to force routing to a specific backend.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	TopK             *int           `json:"top_k,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	Stop             []string       `json:"stop,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	Seed             *int           `json:"seed,omitempty"`
	User             string         `json:"user,omitempty"`
	LogitBias        map[string]int `json:"logit_bias,omitempty"`

	Stream         bool            `json:"stream,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     *ToolChoice     `json:"tool_choice,omitempty"`
	Reasoning      *Reasoning      `json:"reasoning,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// GenerationConfig carries Gemini generationConfig fields that have no
	// canonical equivalent; merged into the outbound payload by the Gemini
	// connectors.
	GenerationConfig map[string]any `json:"generation_config,omitempty"`

	// ExtraBody is forwarded opaquely to the backend payload.
	ExtraBody map[string]any `json:"extra_body,omitempty"`

	SessionID string `json:"-"`
}

// FinishReason values follow the OpenAI vocabulary; translators map to and
// from provider-specific spellings.
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonToolCalls = "tool_calls"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Response is the canonical non-streaming completion result.
type Response struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Delta is the incremental payload of one streamed choice.
type Delta struct {
	Role      Role       `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// StreamChunk is one element of a streamed response. A chunk with a set
// FinishReason is the last chunk for that choice. Usage, when set, rides on
// a penultimate chunk for upstreams that report counts separately.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`

	// Err aborts the stream; no further chunks follow.
	Err error `json:"-"`
}
