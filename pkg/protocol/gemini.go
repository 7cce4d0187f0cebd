package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

// Default thinking budgets per reasoning effort, overridable via the
// THINKING_BUDGET environment variable (config.ThinkingBudget). -1 means
// dynamic budget.
const (
	geminiThinkingBudgetLow    = 512
	geminiThinkingBudgetMedium = 2048
	geminiThinkingBudgetHigh   = -1
)

// GeminiRequest is the :generateContent request payload.
type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []GeminiToolSet         `json:"tools,omitempty"`
	ToolConfig        *GeminiToolConfig       `json:"toolConfig,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" or "model"
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *GeminiBlob             `json:"inlineData,omitempty"`
	FileData         *GeminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
}

type GeminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiFileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type GeminiFunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type GeminiFunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

type GeminiGenerationConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	TopP            *float64              `json:"topP,omitempty"`
	TopK            *int                  `json:"topK,omitempty"`
	MaxOutputTokens *int                  `json:"maxOutputTokens,omitempty"`
	StopSequences   []string              `json:"stopSequences,omitempty"`
	ThinkingConfig  *GeminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type GeminiThinkingConfig struct {
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type GeminiToolSet struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type GeminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type GeminiToolConfig struct {
	FunctionCallingConfig *GeminiFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type GeminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"` // NONE | AUTO | ANY
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate    `json:"candidates"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
	Error         *GeminiError         `json:"error,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type GeminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

// ParseGeminiRequest translates a GenerateContent request to canonical.
// The model is not part of the Gemini body; it comes from the URL path.
func ParseGeminiRequest(body []byte, model string, stream bool) (*canonical.Request, error) {
	var req GeminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, proxyerror.InvalidRequest("invalid_json", "invalid request body: %v", err)
	}
	return GeminiToCanonical(&req, model, stream)
}

func GeminiToCanonical(req *GeminiRequest, model string, stream bool) (*canonical.Request, error) {
	out := &canonical.Request{Model: model, Stream: stream}

	if req.SystemInstruction != nil {
		var sys strings.Builder
		for _, p := range req.SystemInstruction.Parts {
			sys.WriteString(p.Text)
		}
		if sys.Len() > 0 {
			out.Messages = append(out.Messages, canonical.Message{
				Role:    canonical.RoleSystem,
				Content: sys.String(),
			})
		}
	}

	for i, content := range req.Contents {
		msgs, err := geminiContentToCanonical(content)
		if err != nil {
			return nil, proxyerror.InvalidRequest("invalid_content", "contents[%d]: %v", i, err)
		}
		out.Messages = append(out.Messages, msgs...)
	}

	if gc := req.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.TopK = gc.TopK
		out.MaxTokens = gc.MaxOutputTokens
		out.Stop = gc.StopSequences
		if tc := gc.ThinkingConfig; tc != nil {
			out.Reasoning = &canonical.Reasoning{ThinkingBudget: tc.ThinkingBudget}
		}
	}

	for _, set := range req.Tools {
		for _, fd := range set.FunctionDeclarations {
			out.Tools = append(out.Tools, canonical.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}

	if req.ToolConfig != nil && req.ToolConfig.FunctionCallingConfig != nil {
		fcc := req.ToolConfig.FunctionCallingConfig
		switch fcc.Mode {
		case "NONE":
			out.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceNone}
		case "ANY":
			if len(fcc.AllowedFunctionNames) == 1 {
				out.ToolChoice = &canonical.ToolChoice{
					Mode:         canonical.ToolChoiceFunction,
					FunctionName: fcc.AllowedFunctionNames[0],
				}
			} else {
				out.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
			}
		case "AUTO", "":
			out.ToolChoice = &canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}
		}
	}

	if err := out.Validate(); err != nil {
		return nil, proxyerror.InvalidRequest("invalid_request", "%v", err)
	}
	return out, nil
}

// geminiContentToCanonical maps one contents entry. functionResponse parts
// split into separate tool-role messages keyed by the referenced call id.
func geminiContentToCanonical(content GeminiContent) ([]canonical.Message, error) {
	role := canonical.RoleUser
	if content.Role == "model" {
		role = canonical.RoleAssistant
	}

	msg := canonical.Message{Role: role}
	var toolResults []canonical.Message

	for _, p := range content.Parts {
		switch {
		case p.FunctionCall != nil:
			args, err := json.Marshal(p.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("function call args: %w", err)
			}
			msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
				ID:   p.FunctionCall.ID,
				Type: "function",
				Function: canonical.FunctionCall{
					Name:      p.FunctionCall.Name,
					Arguments: string(args),
				},
			})

		case p.FunctionResponse != nil:
			payload, err := json.Marshal(p.FunctionResponse.Response)
			if err != nil {
				return nil, fmt.Errorf("function response payload: %w", err)
			}
			toolResults = append(toolResults, canonical.Message{
				Role:       canonical.RoleTool,
				Name:       p.FunctionResponse.Name,
				ToolCallID: p.FunctionResponse.ID,
				Content:    string(payload),
			})

		case p.InlineData != nil:
			msg.Parts = append(msg.Parts, canonical.Part{
				Type: canonical.PartTypeInlineData,
				InlineData: &canonical.InlineData{
					MIMEType: p.InlineData.MIMEType,
					Data:     p.InlineData.Data,
				},
			})

		case p.FileData != nil:
			part := imagePartFromURI(p.FileData.FileURI, "")
			if part != nil {
				msg.Parts = append(msg.Parts, *part)
			}

		case p.Text != "":
			msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartTypeText, Text: p.Text})
		}
	}

	var out []canonical.Message
	if len(msg.Parts) > 0 || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	out = append(out, toolResults...)
	if len(out) == 0 {
		return nil, fmt.Errorf("content has no usable parts")
	}
	return out, nil
}

// CanonicalToGeminiRequest builds the upstream :generateContent payload.
// thinkingBudgetOverride, when non-nil, wins over the effort mapping.
func CanonicalToGeminiRequest(req *canonical.Request, thinkingBudgetOverride *int) *GeminiRequest {
	out := &GeminiRequest{}

	for _, m := range req.Messages {
		switch m.Role {
		case canonical.RoleSystem:
			if out.SystemInstruction == nil {
				out.SystemInstruction = &GeminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts,
				GeminiPart{Text: m.Text()})

		case canonical.RoleTool:
			var payload map[string]any
			if err := json.Unmarshal([]byte(m.Content), &payload); err != nil {
				payload = map[string]any{"result": m.Content}
			}
			out.Contents = append(out.Contents, GeminiContent{
				Role: "user",
				Parts: []GeminiPart{{FunctionResponse: &GeminiFunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.Name,
					Response: payload,
				}}},
			})

		default:
			content := GeminiContent{Role: "user"}
			if m.Role == canonical.RoleAssistant {
				content.Role = "model"
			}
			for _, p := range m.Parts {
				switch p.Type {
				case canonical.PartTypeText:
					content.Parts = append(content.Parts, GeminiPart{Text: p.Text})
				case canonical.PartTypeInlineData:
					content.Parts = append(content.Parts, GeminiPart{InlineData: &GeminiBlob{
						MIMEType: p.InlineData.MIMEType,
						Data:     p.InlineData.Data,
					}})
				case canonical.PartTypeImageURL:
					content.Parts = append(content.Parts, GeminiPart{FileData: &GeminiFileData{
						FileURI: p.ImageURL.URL,
					}})
				}
			}
			if len(m.Parts) == 0 && m.Content != "" {
				content.Parts = append(content.Parts, GeminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				content.Parts = append(content.Parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			if len(content.Parts) > 0 {
				out.Contents = append(out.Contents, content)
			}
		}
	}

	gc := &GeminiGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
	}
	gc.ThinkingConfig = geminiThinkingConfig(req.Reasoning, thinkingBudgetOverride)
	if gc.Temperature != nil || gc.TopP != nil || gc.TopK != nil ||
		gc.MaxOutputTokens != nil || len(gc.StopSequences) > 0 || gc.ThinkingConfig != nil {
		out.GenerationConfig = gc
	}

	if tools := MergeFunctionDeclarations(req.Tools); len(tools) > 0 {
		set := GeminiToolSet{}
		for _, t := range tools {
			set.FunctionDeclarations = append(set.FunctionDeclarations, GeminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  SanitizeGeminiSchema(t.Parameters),
			})
		}
		out.Tools = []GeminiToolSet{set}
	}

	if req.ToolChoice != nil {
		fcc := &GeminiFunctionCallingConfig{}
		switch req.ToolChoice.Mode {
		case canonical.ToolChoiceNone:
			fcc.Mode = "NONE"
		case canonical.ToolChoiceFunction:
			fcc.Mode = "ANY"
			fcc.AllowedFunctionNames = []string{req.ToolChoice.FunctionName}
		default:
			fcc.Mode = "AUTO"
		}
		out.ToolConfig = &GeminiToolConfig{FunctionCallingConfig: fcc}
	}

	return out
}

// geminiThinkingConfig maps the canonical reasoning controls to Gemini's
// thinkingConfig. Effort mapping: low=512, medium=2048, high=-1 (dynamic),
// always with includeThoughts. No reasoning controls means no config.
func geminiThinkingConfig(reasoning *canonical.Reasoning, override *int) *GeminiThinkingConfig {
	if reasoning == nil {
		return nil
	}
	var budget int
	switch {
	case override != nil:
		budget = *override
	case reasoning.ThinkingBudget != nil:
		budget = *reasoning.ThinkingBudget
	case reasoning.Effort == canonical.ReasoningEffortLow:
		budget = geminiThinkingBudgetLow
	case reasoning.Effort == canonical.ReasoningEffortMedium:
		budget = geminiThinkingBudgetMedium
	case reasoning.Effort == canonical.ReasoningEffortHigh:
		budget = geminiThinkingBudgetHigh
	default:
		return nil
	}
	return &GeminiThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
}

// GeminiResponseToCanonical maps an upstream response to canonical.
func GeminiResponseToCanonical(resp *GeminiResponse, model string) (*canonical.Response, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	out := &canonical.Response{
		ID:     resp.ResponseID,
		Object: "chat.completion",
		Model:  model,
	}
	if resp.UsageMetadata != nil {
		out.Usage = &canonical.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	for i, cand := range resp.Candidates {
		msg := canonical.Message{Role: canonical.RoleAssistant}
		for _, p := range cand.Content.Parts {
			if p.Thought {
				continue
			}
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				id := p.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d_%s", i, p.FunctionCall.Name)
				}
				msg.ToolCalls = append(msg.ToolCalls, canonical.ToolCall{
					ID:   id,
					Type: "function",
					Function: canonical.FunctionCall{
						Name:      p.FunctionCall.Name,
						Arguments: string(args),
					},
				})
			case p.Text != "":
				msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartTypeText, Text: p.Text})
			}
		}

		finish := canonicalGeminiFinish(cand.FinishReason)
		if len(msg.ToolCalls) > 0 {
			finish = canonical.FinishReasonToolCalls
		}
		out.Choices = append(out.Choices, canonical.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: finish,
		})
	}

	return out, nil
}

// CanonicalToGeminiResponse renders the frontend GenerateContent reply.
// Each assistant tool call becomes a functionCall part after the text part;
// finish reasons are upper-cased.
func CanonicalToGeminiResponse(resp *canonical.Response) *GeminiResponse {
	out := &GeminiResponse{ResponseID: resp.ID, ModelVersion: resp.Model}
	if resp.Usage != nil {
		out.UsageMetadata = &GeminiUsageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		}
	}
	for _, c := range resp.Choices {
		cand := GeminiCandidate{
			Index:   c.Index,
			Content: GeminiContent{Role: "model"},
		}
		if text := c.Message.Text(); text != "" {
			cand.Content.Parts = append(cand.Content.Parts, GeminiPart{Text: text})
		}
		for _, tc := range c.Message.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			cand.Content.Parts = append(cand.Content.Parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			}})
		}
		cand.FinishReason = geminiFinishReason(c.FinishReason)
		out.Candidates = append(out.Candidates, cand)
	}
	return out
}

func geminiFinishReason(finishReason string) string {
	switch finishReason {
	case canonical.FinishReasonLength:
		return "MAX_TOKENS"
	case "":
		return ""
	default:
		return strings.ToUpper(finishReason)
	}
}

func canonicalGeminiFinish(reason string) string {
	switch reason {
	case "STOP":
		return canonical.FinishReasonStop
	case "MAX_TOKENS":
		return canonical.FinishReasonLength
	case "TOOL_CALLS":
		return canonical.FinishReasonToolCalls
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

// GeminiChunkToCanonical maps one streamed candidate chunk. forceToolFinish
// makes a candidate carrying functionCall parts report
// finish_reason=tool_calls even when the upstream says STOP; the Code
// Assist stream needs this.
func GeminiChunkToCanonical(resp *GeminiResponse, model string, forceToolFinish bool) *canonical.StreamChunk {
	out := &canonical.StreamChunk{
		ID:     resp.ResponseID,
		Object: "chat.completion.chunk",
		Model:  model,
	}
	if resp.UsageMetadata != nil {
		out.Usage = &canonical.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	for i, cand := range resp.Candidates {
		choice := canonical.ChunkChoice{Index: i, Delta: canonical.Delta{Role: canonical.RoleAssistant}}
		hasToolCall := false
		for _, p := range cand.Content.Parts {
			if p.Thought {
				continue
			}
			switch {
			case p.FunctionCall != nil:
				hasToolCall = true
				args, _ := json.Marshal(p.FunctionCall.Args)
				id := p.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d_%s", i, p.FunctionCall.Name)
				}
				choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, canonical.ToolCall{
					ID:   id,
					Type: "function",
					Function: canonical.FunctionCall{
						Name:      p.FunctionCall.Name,
						Arguments: string(args),
					},
				})
			case p.Text != "":
				choice.Delta.Content += p.Text
			}
		}
		choice.FinishReason = canonicalGeminiFinish(cand.FinishReason)
		if hasToolCall && (forceToolFinish || choice.FinishReason == canonical.FinishReasonStop) {
			choice.FinishReason = canonical.FinishReasonToolCalls
		}
		out.Choices = append(out.Choices, choice)
	}
	return out
}

// CanonicalChunkToGemini renders a canonical chunk on the frontend stream.
func CanonicalChunkToGemini(chunk *canonical.StreamChunk) *GeminiResponse {
	out := &GeminiResponse{ResponseID: chunk.ID, ModelVersion: chunk.Model}
	if chunk.Usage != nil {
		out.UsageMetadata = &GeminiUsageMetadata{
			PromptTokenCount:     chunk.Usage.PromptTokens,
			CandidatesTokenCount: chunk.Usage.CompletionTokens,
			TotalTokenCount:      chunk.Usage.TotalTokens,
		}
	}
	for _, c := range chunk.Choices {
		cand := GeminiCandidate{
			Index:   c.Index,
			Content: GeminiContent{Role: "model"},
		}
		if c.Delta.Content != "" {
			cand.Content.Parts = append(cand.Content.Parts, GeminiPart{Text: c.Delta.Content})
		}
		for _, tc := range c.Delta.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			cand.Content.Parts = append(cand.Content.Parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			}})
		}
		cand.FinishReason = geminiFinishReason(c.FinishReason)
		out.Candidates = append(out.Candidates, cand)
	}
	return out
}
