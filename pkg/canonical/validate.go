package canonical

import "fmt"

// Validate checks the structural rules every inbound request must satisfy.
// Sampling ranges are deliberately not checked here; each connector knows
// its upstream's accepted ranges.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i := range r.Messages {
		m := &r.Messages[i]
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
		if m.Content == "" && len(m.Parts) == 0 && len(m.ToolCalls) == 0 && m.ToolCallID == "" {
			return fmt.Errorf("messages[%d]: content, tool_calls or tool_call_id required", i)
		}
	}
	return nil
}
