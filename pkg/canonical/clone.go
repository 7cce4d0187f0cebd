package canonical

// Clone deep-copies the request so middleware and per-backend configuration
// can mutate their copy without touching the caller's.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r

	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = cloneMessage(m)
	}

	out.Temperature = clonePtr(r.Temperature)
	out.TopP = clonePtr(r.TopP)
	out.TopK = clonePtr(r.TopK)
	out.MaxTokens = clonePtr(r.MaxTokens)
	out.PresencePenalty = clonePtr(r.PresencePenalty)
	out.FrequencyPenalty = clonePtr(r.FrequencyPenalty)
	out.Seed = clonePtr(r.Seed)

	if r.Stop != nil {
		out.Stop = append([]string(nil), r.Stop...)
	}
	if r.LogitBias != nil {
		out.LogitBias = make(map[string]int, len(r.LogitBias))
		for k, v := range r.LogitBias {
			out.LogitBias[k] = v
		}
	}
	if r.Tools != nil {
		out.Tools = make([]Tool, len(r.Tools))
		for i, t := range r.Tools {
			out.Tools[i] = t
			out.Tools[i].Parameters = cloneMap(t.Parameters)
		}
	}
	if r.ToolChoice != nil {
		tc := *r.ToolChoice
		out.ToolChoice = &tc
	}
	if r.Reasoning != nil {
		re := *r.Reasoning
		re.ThinkingBudget = clonePtr(r.Reasoning.ThinkingBudget)
		re.Raw = cloneMap(r.Reasoning.Raw)
		out.Reasoning = &re
	}
	if r.ResponseFormat != nil {
		rf := *r.ResponseFormat
		rf.Schema = cloneMap(r.ResponseFormat.Schema)
		out.ResponseFormat = &rf
	}
	out.GenerationConfig = cloneMap(r.GenerationConfig)
	out.ExtraBody = cloneMap(r.ExtraBody)

	return &out
}

func cloneMessage(m Message) Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p
			if p.ImageURL != nil {
				v := *p.ImageURL
				out.Parts[i].ImageURL = &v
			}
			if p.InlineData != nil {
				v := *p.InlineData
				out.Parts[i].InlineData = &v
			}
			if p.FunctionCall != nil {
				v := *p.FunctionCall
				out.Parts[i].FunctionCall = &v
			}
			if p.FunctionResponse != nil {
				v := *p.FunctionResponse
				out.Parts[i].FunctionResponse = &v
			}
		}
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// cloneMap copies one level; nested values are shared. Opaque maps are
// treated as read-only by everything downstream.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
