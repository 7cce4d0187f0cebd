// Package dispatch resolves each canonical request to an ordered attempt
// plan over backends, models and API keys, and drives the plan against the
// connectors with rate-limit waits and failover.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/connector"
	"github.com/prismproxy/prism/pkg/proxyerror"
	"github.com/prismproxy/prism/pkg/ratelimit"
	"github.com/prismproxy/prism/pkg/session"
	"github.com/prismproxy/prism/pkg/tokenizer"
)

// Attempt is one concrete (backend, model, key) try within a plan.
type Attempt struct {
	Backend config.BackendType
	Model   string
	Key     config.APIKey
}

func (a Attempt) String() string {
	return fmt.Sprintf("%s:%s/%s", a.Backend, a.Model, a.Key.Name)
}

// Service dispatches canonical requests.
type Service struct {
	cfg        *config.Config
	connectors map[config.BackendType]connector.Connector
	limiter    *ratelimit.Limiter
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg *config.Config, connectors map[config.BackendType]connector.Connector,
	limiter *ratelimit.Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		connectors: connectors,
		limiter:    limiter,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Plan resolves the attempt list for a request given the session state.
// Precedence: one-shot route, then failover routes (session shadows
// global), then explicit backend:model, then session overrides over the
// default backend.
func (s *Service) Plan(req *canonical.Request, state *session.State) ([]Attempt, error) {
	if backend, model, ok := state.ConsumeOneoff(); ok {
		return s.expandElement(backend, model, "k"), nil
	}

	model := req.Model
	if state.OverrideModel != "" {
		model = state.OverrideModel
	}

	if route, ok := state.FailoverRoutes[model]; ok {
		return s.expandRoute(route.Elements, route.Policy)
	}
	if route, ok := s.cfg.FailoverRoutes[model]; ok {
		return s.expandRoute(route.Elements, route.Policy)
	}

	if backend, bare, err := config.SplitBackendModel(model); err == nil {
		return s.expandElement(backend, bare, "k"), nil
	}

	backend := s.cfg.DefaultBackend
	if state.OverrideBackend != "" {
		backend = state.OverrideBackend
	}
	return s.expandElement(backend, model, "k"), nil
}

func (s *Service) expandRoute(elements []string, policy string) ([]Attempt, error) {
	type step struct {
		backend config.BackendType
		model   string
	}
	steps := make([]step, 0, len(elements))
	for _, el := range elements {
		backend, model, err := config.SplitBackendModel(el)
		if err != nil {
			return nil, proxyerror.InvalidRequest("bad_route_element", "%v", err)
		}
		steps = append(steps, step{backend, model})
	}

	keysOf := func(b config.BackendType) []config.APIKey {
		keys := s.cfg.KeysFor(b)
		if len(keys) == 0 {
			keys = []config.APIKey{{}} // OAuth backends carry no keys
		}
		return keys
	}

	var out []Attempt
	switch policy {
	case "m":
		// One primary key per element.
		for _, st := range steps {
			out = append(out, Attempt{st.backend, st.model, keysOf(st.backend)[0]})
		}
	case "km":
		// Key index outer, elements inner.
		maxKeys := 0
		for _, st := range steps {
			if n := len(keysOf(st.backend)); n > maxKeys {
				maxKeys = n
			}
		}
		for i := 0; i < maxKeys; i++ {
			for _, st := range steps {
				keys := keysOf(st.backend)
				if i < len(keys) {
					out = append(out, Attempt{st.backend, st.model, keys[i]})
				}
			}
		}
	default: // "k", "mk", "": elements outer, keys inner
		for _, st := range steps {
			for _, key := range keysOf(st.backend) {
				out = append(out, Attempt{st.backend, st.model, key})
			}
		}
	}
	return out, nil
}

func (s *Service) expandElement(backend config.BackendType, model, _ string) []Attempt {
	keys := s.cfg.KeysFor(backend)
	if len(keys) == 0 {
		keys = []config.APIKey{{}}
	}
	out := make([]Attempt, 0, len(keys))
	for _, key := range keys {
		out = append(out, Attempt{backend, model, key})
	}
	return out
}

// prepare derives the per-attempt request: reasoning mode, output caps and
// the edit-precision guard, applied to a clone so attempts stay
// independent.
func (s *Service) prepare(req *canonical.Request, state *session.State, attempt Attempt) (*canonical.Request, error) {
	out := req.Clone()
	out.Model = attempt.Model

	if mode := s.reasoningMode(state, attempt.Model); mode != nil {
		applyReasoningMode(out, mode)
	}
	if detectEditFailure(out) {
		lowTemp, lowTopP := 0.05, 0.2
		out.Temperature = &lowTemp
		out.TopP = &lowTopP
	}

	if limits, ok := s.cfg.ModelLimits[attempt.Model]; ok {
		if limits.MaxInputTokens > 0 {
			count := tokenizer.CountPrompt(attempt.Model, out.Messages)
			if count > limits.MaxInputTokens {
				return nil, proxyerror.New(proxyerror.KindInvalidRequest, "input_limit_exceeded",
					"prompt is %d tokens, model %s accepts %d", count, attempt.Model, limits.MaxInputTokens)
			}
		}
		if limits.MaxOutputTokens > 0 {
			if out.MaxTokens == nil || *out.MaxTokens > limits.MaxOutputTokens {
				capped := limits.MaxOutputTokens
				out.MaxTokens = &capped
			}
		}
	}

	return out, nil
}

func (s *Service) reasoningMode(state *session.State, model string) *config.ReasoningMode {
	if state.ReasoningMode == "" {
		return nil
	}
	modes, ok := s.cfg.ReasoningModes[model]
	if !ok {
		return nil
	}
	mode, ok := modes[state.ReasoningMode]
	if !ok {
		return nil
	}
	return &mode
}

func applyReasoningMode(req *canonical.Request, mode *config.ReasoningMode) {
	if mode.Temperature != nil {
		req.Temperature = mode.Temperature
	}
	if mode.TopP != nil {
		req.TopP = mode.TopP
	}
	if mode.Effort != "" || mode.ThinkingBudget != nil {
		if req.Reasoning == nil {
			req.Reasoning = &canonical.Reasoning{}
		}
		if mode.Effort != "" {
			req.Reasoning.Effort = canonical.ReasoningEffort(mode.Effort)
		}
		if mode.ThinkingBudget != nil {
			req.Reasoning.ThinkingBudget = mode.ThinkingBudget
		}
	}
	if mode.PromptPrefix != "" || mode.PromptSuffix != "" {
		wrapLastUserMessage(req, mode.PromptPrefix, mode.PromptSuffix)
	}
}

func wrapLastUserMessage(req *canonical.Request, prefix, suffix string) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == canonical.RoleUser {
			req.Messages[i].SetText(prefix + req.Messages[i].Text() + suffix)
			return
		}
	}
}

// overrides assembles the per-call connector overrides from the attempt
// and any session URL override.
func (s *Service) overrides(state *session.State, attempt Attempt) connector.Overrides {
	ov := connector.Overrides{APIKey: attempt.Key}
	if url, ok := state.APIURLOverrides[attempt.Backend]; ok {
		ov.BaseURL = url
	}
	return ov
}

// Call dispatches a non-streaming request through the plan.
func (s *Service) Call(ctx context.Context, req *canonical.Request, state *session.State) (*canonical.Response, error) {
	var resp *canonical.Response
	err := s.run(ctx, req, state, func(ctx context.Context, conn connector.Connector,
		prepared *canonical.Request, attempt Attempt) error {
		var err error
		resp, err = conn.ChatCompletions(ctx, prepared, attempt.Model, s.overrides(state, attempt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream dispatches a streaming request; failover applies only until a
// stream is established.
func (s *Service) Stream(ctx context.Context, req *canonical.Request, state *session.State) (<-chan canonical.StreamChunk, error) {
	var stream <-chan canonical.StreamChunk
	err := s.run(ctx, req, state, func(ctx context.Context, conn connector.Connector,
		prepared *canonical.Request, attempt Attempt) error {
		var err error
		stream, err = conn.StreamChatCompletions(ctx, prepared, attempt.Model, s.overrides(state, attempt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

type invoke func(ctx context.Context, conn connector.Connector, prepared *canonical.Request, attempt Attempt) error

func (s *Service) run(ctx context.Context, req *canonical.Request, state *session.State, call invoke) error {
	plan, err := s.Plan(req, state)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		return proxyerror.New(proxyerror.KindInternal, "empty_plan", "dispatch plan is empty")
	}

	var failures []string
	waitBudget := s.cfg.MaxRateLimitWait

	for _, attempt := range plan {
		conn, ok := s.connectors[attempt.Backend]
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: backend not configured", attempt))
			continue
		}

		if check := s.limiter.Check(attempt.Backend, attempt.Key.Name); !check.Allowed {
			failures = append(failures, fmt.Sprintf("%s: %s", attempt, check.Reason))
			continue
		}

		prepared, err := s.prepare(req, state, attempt)
		if err != nil {
			// Input-limit failures are terminal, not a failover trigger.
			return err
		}

		for {
			err = call(ctx, conn, prepared, attempt)
			if err == nil {
				s.limiter.RecordUsage(attempt.Backend, attempt.Key.Name)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			pe := proxyerror.As(err)
			if pe.Kind != proxyerror.KindRateLimited {
				break
			}

			wait := pe.RetryAfter
			if wait <= 0 {
				wait = 5 * time.Second
			}
			if wait > waitBudget {
				s.limiter.MarkCooldown(attempt.Backend, attempt.Key.Name, wait)
				break
			}
			waitBudget -= wait
			s.logger.Warn("rate limited, waiting",
				"attempt", attempt.String(), "wait", wait.String())
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
			// Retry the same attempt after the wait.
		}

		pe := proxyerror.As(err)
		s.logger.Warn("attempt failed",
			"attempt", attempt.String(), "kind", string(pe.Kind), "error", pe.Message)
		failures = append(failures, fmt.Sprintf("%s: %s", attempt, pe.Message))
	}

	return proxyerror.New(proxyerror.KindBackendExhausted, "all_attempts_failed",
		"all %d attempts failed: %s", len(plan), strings.Join(failures, "; "))
}
