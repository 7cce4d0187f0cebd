package command

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/session"
)

// Sentinel id of synthesised command replies, recognisable by callers.
const ResponseID = "proxy_cmd_processed"

// Outcome is the result of running the engine over a request.
type Outcome struct {
	Executed bool   // a command handler ran
	Message  string // user-visible reply
	Suppress bool   // do not forward to a backend
}

// Env carries the read-only context handlers resolve against.
type Env struct {
	Config *config.Config
	// Model is the request's effective model, used by the reasoning
	// aliases to index the reasoning-mode table.
	Model string
}

// handler mutates a copy of the session state and reports the reply.
type handler func(call Call, state session.State, env Env) (session.State, string, bool, error)

var handlers = map[string]handler{
	"set":                   handleSet,
	"unset":                 handleUnset,
	"oneoff":                handleOneoff,
	"create-failover-route": handleCreateRoute,
	"delete-failover-route": handleDeleteRoute,
	"route-append":          routeEdit(appendElement),
	"route-prepend":         routeEdit(prependElement),
	"route-clear":           routeEdit(clearElements),
	"route-list":            handleRouteList,
	"list-failover-routes":  handleListRoutes,
	"max":                   reasoningAlias("max"),
	"medium":                reasoningAlias("medium"),
	"low":                   reasoningAlias("low"),
	"no-think":              reasoningAlias("no-think"),
	"hello":                 handleHello,
	"help":                  handleHelp,
}

// Engine parses and executes commands against session state.
type Engine struct {
	prefix   string
	disabled bool
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{prefix: cfg.CommandPrefix, disabled: cfg.CommandsDisabled}
}

// Run strips commands from the messages and executes the first recognised
// one against the session. The session's state is replaced only when the
// handler fully succeeds. When all messages were consumed by commands the
// outcome requests suppression.
func (e *Engine) Run(messages []canonical.Message, sess *session.Session, env Env) ([]canonical.Message, Outcome) {
	cleaned, calls := Scan(messages, e.prefix)
	if e.disabled || len(calls) == 0 {
		return cleaned, Outcome{Suppress: len(calls) > 0 && !hasUserContent(cleaned)}
	}

	call := calls[0]
	h, ok := handlers[call.Name]
	if !ok {
		return cleaned, Outcome{
			Executed: true,
			Message:  fmt.Sprintf("unknown command %q; %shelp lists available commands", call.Name, e.prefix),
			Suppress: !hasUserContent(cleaned),
		}
	}

	newState, msg, suppress, err := h(call, sess.State.Clone(), env)
	if err != nil {
		return cleaned, Outcome{
			Executed: true,
			Message:  fmt.Sprintf("%s%s: %v", e.prefix, call.Name, err),
			Suppress: !hasUserContent(cleaned),
		}
	}

	sess.State = newState
	return cleaned, Outcome{
		Executed: true,
		Message:  msg,
		Suppress: suppress || !hasUserContent(cleaned),
	}
}

func hasUserContent(messages []canonical.Message) bool {
	for i := range messages {
		if messages[i].Role == canonical.RoleUser && !messages[i].IsEmpty() {
			return true
		}
	}
	return false
}

func handleSet(call Call, state session.State, env Env) (session.State, string, bool, error) {
	if len(call.Args) == 0 {
		return state, "", false, fmt.Errorf("expected key=value arguments")
	}
	var notes []string
	for key, value := range call.Args {
		switch key {
		case "backend":
			backend := config.BackendType(value)
			if !knownBackend(backend) {
				return state, "", false, fmt.Errorf("unknown backend %q", value)
			}
			state.OverrideBackend = backend
			notes = append(notes, "backend="+value)
		case "model":
			state.OverrideModel = value
			notes = append(notes, "model="+value)
		case "openai_url":
			if state.APIURLOverrides == nil {
				state.APIURLOverrides = map[config.BackendType]string{}
			}
			state.APIURLOverrides[config.BackendOpenAI] = value
			notes = append(notes, "openai_url="+value)
		case "project":
			state.Project = value
			notes = append(notes, "project="+value)
		case "project-dir":
			state.ProjectDir = value
			notes = append(notes, "project-dir="+value)
		default:
			return state, "", false, fmt.Errorf("unknown setting %q", key)
		}
	}
	return state, "set " + strings.Join(notes, ", "), false, nil
}

func handleUnset(call Call, state session.State, _ Env) (session.State, string, bool, error) {
	key := call.Arg("key", 0)
	switch key {
	case "backend":
		state.OverrideBackend = ""
	case "model":
		state.OverrideModel = ""
	case "openai_url":
		delete(state.APIURLOverrides, config.BackendOpenAI)
	case "project":
		state.Project = ""
	case "project-dir":
		state.ProjectDir = ""
	case "":
		return state, "", false, fmt.Errorf("expected a setting name")
	default:
		return state, "", false, fmt.Errorf("unknown setting %q", key)
	}
	return state, "unset " + key, false, nil
}

// handleOneoff routes exactly the next request to backend/model.
func handleOneoff(call Call, state session.State, _ Env) (session.State, string, bool, error) {
	target := call.Arg("target", 0)
	idx := strings.Index(target, "/")
	if idx <= 0 || idx == len(target)-1 {
		return state, "", false, fmt.Errorf("expected backend/model, got %q", target)
	}
	backend := config.BackendType(target[:idx])
	if !knownBackend(backend) {
		return state, "", false, fmt.Errorf("unknown backend %q", target[:idx])
	}
	state.OneoffBackend = backend
	state.OneoffModel = target[idx+1:]
	return state, fmt.Sprintf("next request will use %s", target), false, nil
}

func handleCreateRoute(call Call, state session.State, _ Env) (session.State, string, bool, error) {
	name := call.Arg("name", 0)
	if name == "" {
		return state, "", false, fmt.Errorf("expected a route name")
	}
	policy := call.Arg("policy", 1)
	if policy == "" {
		policy = "k"
	}
	switch policy {
	case "k", "m", "km", "mk":
	default:
		return state, "", false, fmt.Errorf("unknown policy %q", policy)
	}
	if state.FailoverRoutes == nil {
		state.FailoverRoutes = map[string]session.Route{}
	}
	if _, exists := state.FailoverRoutes[name]; exists {
		return state, "", false, fmt.Errorf("route %q already exists", name)
	}
	state.FailoverRoutes[name] = session.Route{Name: name, Policy: policy}
	return state, fmt.Sprintf("created route %q (policy %s)", name, policy), false, nil
}

func handleDeleteRoute(call Call, state session.State, _ Env) (session.State, string, bool, error) {
	name := call.Arg("name", 0)
	if _, ok := state.FailoverRoutes[name]; !ok {
		return state, "", false, fmt.Errorf("no route %q", name)
	}
	delete(state.FailoverRoutes, name)
	return state, fmt.Sprintf("deleted route %q", name), false, nil
}

type routeOp func(route session.Route, element string) (session.Route, error)

func appendElement(route session.Route, element string) (session.Route, error) {
	route.Elements = append(route.Elements, element)
	return route, nil
}

func prependElement(route session.Route, element string) (session.Route, error) {
	route.Elements = append([]string{element}, route.Elements...)
	return route, nil
}

func clearElements(route session.Route, _ string) (session.Route, error) {
	route.Elements = nil
	return route, nil
}

func routeEdit(op routeOp) handler {
	return func(call Call, state session.State, _ Env) (session.State, string, bool, error) {
		name := call.Arg("name", 0)
		route, ok := state.FailoverRoutes[name]
		if !ok {
			return state, "", false, fmt.Errorf("no route %q", name)
		}
		element := call.Arg("element", 1)
		if element != "" {
			if _, _, err := config.SplitBackendModel(element); err != nil {
				return state, "", false, err
			}
		}
		updated, err := op(route, element)
		if err != nil {
			return state, "", false, err
		}
		state.FailoverRoutes[name] = updated
		return state, fmt.Sprintf("route %q: %s", name, strings.Join(updated.Elements, ", ")), false, nil
	}
}

func handleRouteList(call Call, state session.State, env Env) (session.State, string, bool, error) {
	name := call.Arg("name", 0)
	if route, ok := state.FailoverRoutes[name]; ok {
		return state, fmt.Sprintf("route %q (policy %s): %s", name, route.Policy,
			strings.Join(route.Elements, ", ")), false, nil
	}
	if route, ok := env.Config.FailoverRoutes[name]; ok {
		return state, fmt.Sprintf("route %q (policy %s, global): %s", name, route.Policy,
			strings.Join(route.Elements, ", ")), false, nil
	}
	return state, "", false, fmt.Errorf("no route %q", name)
}

func handleListRoutes(_ Call, state session.State, env Env) (session.State, string, bool, error) {
	names := map[string]bool{}
	for name := range state.FailoverRoutes {
		names[name] = true
	}
	for name := range env.Config.FailoverRoutes {
		names[name] = true
	}
	if len(names) == 0 {
		return state, "no failover routes defined", false, nil
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	return state, "routes: " + strings.Join(sorted, ", "), false, nil
}

// reasoningAlias stamps a named mode onto the session after verifying the
// model has an entry for it. An unknown model leaves state untouched.
func reasoningAlias(mode string) handler {
	return func(_ Call, state session.State, env Env) (session.State, string, bool, error) {
		model := state.OverrideModel
		if model == "" {
			model = env.Model
		}
		modes, ok := env.Config.ReasoningModes[model]
		if !ok {
			return state, "", false, fmt.Errorf("model %q has no reasoning modes configured", model)
		}
		if _, ok := modes[mode]; !ok {
			return state, "", false, fmt.Errorf("model %q has no %q mode", model, mode)
		}
		state.ReasoningMode = mode
		return state, fmt.Sprintf("reasoning mode %q set for %s", mode, model), false, nil
	}
}

func handleHello(_ Call, state session.State, env Env) (session.State, string, bool, error) {
	state.InteractiveMode = true
	msg := fmt.Sprintf("prism interactive proxy\ndefault backend: %s\ncommand prefix: %s\ntype %shelp for commands",
		env.Config.DefaultBackend, env.Config.CommandPrefix, env.Config.CommandPrefix)
	return state, msg, true, nil
}

func handleHelp(_ Call, state session.State, env Env) (session.State, string, bool, error) {
	p := env.Config.CommandPrefix
	msg := strings.Join([]string{
		"commands:",
		p + "set(backend=…|model=…|openai_url=…|project-dir=…)",
		p + "unset(backend|model|openai_url|project-dir)",
		p + "oneoff(backend/model)",
		p + "create-failover-route(name, policy)  " + p + "delete-failover-route(name)",
		p + "route-append(name, backend:model)  " + p + "route-prepend(name, backend:model)",
		p + "route-clear(name)  " + p + "route-list(name)  " + p + "list-failover-routes",
		p + "max  " + p + "medium  " + p + "low  " + p + "no-think",
		p + "hello  " + p + "help",
	}, "\n")
	return state, msg, true, nil
}

func knownBackend(backend config.BackendType) bool {
	for _, known := range config.KnownBackends {
		if backend == known {
			return true
		}
	}
	return false
}

// BuildResponse synthesises the assistant reply for a suppressed request.
// For the cline agent over the OpenAI protocol the reply rides in an
// attempt_completion tool call, which is the only reply shape that agent
// surfaces to its user.
func BuildResponse(message, model, agent string) *canonical.Response {
	msg := canonical.Message{Role: canonical.RoleAssistant}
	finish := canonical.FinishReasonStop

	if agent == "cline" {
		args := fmt.Sprintf(`{"result":%q}`, message)
		msg.ToolCalls = []canonical.ToolCall{{
			ID:   "call_" + uuid.NewString(),
			Type: "function",
			Function: canonical.FunctionCall{
				Name:      "attempt_completion",
				Arguments: args,
			},
		}}
		finish = canonical.FinishReasonToolCalls
	} else {
		msg.Content = message
	}

	return &canonical.Response{
		ID:      ResponseID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []canonical.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   &canonical.Usage{},
	}
}
