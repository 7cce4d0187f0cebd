// Package session provides the in-memory, TTL-evicted store of per-session
// proxy state. A session is keyed by the caller's X-Session-ID header (or an
// anonymous uuid) and owns the command-set state plus a short history log.
package session

import (
	"time"

	"github.com/prismproxy/prism/pkg/config"
)

// Route is a named failover route: an ordered element list expanded by a
// key-rotation policy at dispatch time.
type Route struct {
	Name     string   `json:"name"`
	Policy   string   `json:"policy"` // k | m | km | mk
	Elements []string `json:"elements"`
}

// PlanningPhase counts tool activity within a session, used by agent
// heuristics to detect when planning has turned into execution.
type PlanningPhase struct {
	ToolCallCount  int `json:"tool_call_count"`
	FileWriteCount int `json:"file_write_count"`
}

// State is the command-mutable portion of a session. It is a value type:
// handlers derive a new State rather than mutating in place, so a half
// applied command can never be observed.
type State struct {
	OverrideBackend config.BackendType `json:"override_backend,omitempty"`
	OverrideModel   string             `json:"override_model,omitempty"`

	OneoffBackend config.BackendType `json:"oneoff_backend,omitempty"`
	OneoffModel   string             `json:"oneoff_model,omitempty"`

	Project         string `json:"project,omitempty"`
	ProjectDir      string `json:"project_dir,omitempty"`
	InteractiveMode bool   `json:"interactive_mode,omitempty"`

	// ReasoningMode names the entry stamped by the reasoning alias
	// commands; the dispatcher resolves it against the config table for
	// the effective model.
	ReasoningMode string `json:"reasoning_mode,omitempty"`

	FailoverRoutes  map[string]Route              `json:"failover_routes,omitempty"`
	APIURLOverrides map[config.BackendType]string `json:"api_url_overrides,omitempty"`

	PlanningPhase PlanningPhase `json:"planning_phase"`
	Agent         string        `json:"agent,omitempty"`
}

// Clone deep-copies the state so a derived version shares no maps with its
// parent.
func (s State) Clone() State {
	out := s
	if s.FailoverRoutes != nil {
		out.FailoverRoutes = make(map[string]Route, len(s.FailoverRoutes))
		for k, v := range s.FailoverRoutes {
			route := v
			route.Elements = append([]string(nil), v.Elements...)
			out.FailoverRoutes[k] = route
		}
	}
	if s.APIURLOverrides != nil {
		out.APIURLOverrides = make(map[config.BackendType]string, len(s.APIURLOverrides))
		for k, v := range s.APIURLOverrides {
			out.APIURLOverrides[k] = v
		}
	}
	return out
}

// ConsumeOneoff returns the pending one-shot route and clears it.
func (s *State) ConsumeOneoff() (config.BackendType, string, bool) {
	if s.OneoffBackend == "" && s.OneoffModel == "" {
		return "", "", false
	}
	backend, model := s.OneoffBackend, s.OneoffModel
	s.OneoffBackend, s.OneoffModel = "", ""
	return backend, model, true
}

// Interaction is one history entry. Handler is "proxy" for synthesised
// command replies and "backend" for forwarded completions.
type Interaction struct {
	Time             time.Time          `json:"time"`
	Handler          string             `json:"handler"`
	Backend          config.BackendType `json:"backend,omitempty"`
	Model            string             `json:"model,omitempty"`
	PromptTokens     int                `json:"prompt_tokens,omitempty"`
	CompletionTokens int                `json:"completion_tokens,omitempty"`
	Message          string             `json:"message,omitempty"`
}

// maxHistory bounds the per-session history log.
const maxHistory = 50

// Session is one logical conversation. Mutations happen only while the
// session lock is held via Store locking helpers.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	State        State
	History      []Interaction
}

// Touch stamps activity at entry to the request processor.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
}

// AppendHistory records an interaction, trimming the oldest entries beyond
// the cap.
func (s *Session) AppendHistory(entry Interaction) {
	s.History = append(s.History, entry)
	if len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
}

// Expired reports whether the session is past its TTL at now.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivity) > ttl
}
