// Package processor orchestrates one request end to end: session
// acquisition, command execution, backend dispatch, response middleware and
// history accounting. Handlers translate wire protocols; the processor only
// sees canonical shapes.
package processor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/command"
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/middleware"
	"github.com/prismproxy/prism/pkg/proxyerror"
	"github.com/prismproxy/prism/pkg/session"
)

// recoveryNudge is appended when a backend returns an empty completion and
// the request is retried.
const recoveryNudge = "Please provide a valid response."

// Dispatcher is the backend service surface the processor drives.
type Dispatcher interface {
	Call(ctx context.Context, req *canonical.Request, state *session.State) (*canonical.Response, error)
	Stream(ctx context.Context, req *canonical.Request, state *session.State) (<-chan canonical.StreamChunk, error)
}

// Meta carries the transport-level request attributes the processor needs.
type Meta struct {
	SessionID string
	UserAgent string
}

type Processor struct {
	cfg      *config.Config
	store    *session.Store
	engine   *command.Engine
	dispatch Dispatcher
	chain    *middleware.Chain
	logger   *slog.Logger
}

func New(cfg *config.Config, store *session.Store, dispatch Dispatcher,
	chain *middleware.Chain, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		store:    store,
		engine:   command.NewEngine(cfg),
		dispatch: dispatch,
		chain:    chain,
		logger:   logger,
	}
}

// detectAgent classifies the calling coding agent from transport hints and
// the system prompt. The classification drives command reply shaping only.
func detectAgent(meta Meta, messages []canonical.Message) string {
	ua := strings.ToLower(meta.UserAgent)
	switch {
	case strings.Contains(ua, "cline"):
		return "cline"
	case strings.Contains(ua, "roo"):
		return "roo"
	case strings.Contains(ua, "gemini-cli"):
		return "gemini-cli"
	}
	for i := range messages {
		if messages[i].Role != canonical.RoleSystem {
			continue
		}
		text := messages[i].Text()
		if strings.Contains(text, "You are Cline") {
			return "cline"
		}
		if strings.Contains(text, "You are Roo") {
			return "roo"
		}
		break
	}
	return ""
}

// begin acquires the session, stamps the agent and runs the command engine.
// Callers must invoke release exactly once.
func (p *Processor) begin(req *canonical.Request, meta Meta) (*session.Session, func(), command.Outcome) {
	sess, release := p.store.Acquire(meta.SessionID)
	if agent := detectAgent(meta, req.Messages); agent != "" {
		sess.State.Agent = agent
	}

	cleaned, outcome := p.engine.Run(req.Messages, sess, command.Env{
		Config: p.cfg,
		Model:  p.effectiveModel(req, sess),
	})
	req.Messages = cleaned
	return sess, release, outcome
}

func (p *Processor) effectiveModel(req *canonical.Request, sess *session.Session) string {
	if sess.State.OverrideModel != "" {
		return sess.State.OverrideModel
	}
	return req.Model
}

// commandReply synthesises the response for a suppressed request and records
// it in the history.
func (p *Processor) commandReply(sess *session.Session, outcome command.Outcome, model string) *canonical.Response {
	msg := outcome.Message
	if msg == "" {
		msg = "Done."
	}
	sess.AppendHistory(session.Interaction{
		Time:    time.Now(),
		Handler: "proxy",
		Message: msg,
	})
	return command.BuildResponse(msg, model, sess.State.Agent)
}

// Process handles a non-streaming request. SessionID of the session actually
// used is written back into req for the transport to echo.
func (p *Processor) Process(ctx context.Context, req *canonical.Request, meta Meta) (*canonical.Response, error) {
	sess, release, outcome := p.begin(req, meta)
	defer release()
	req.SessionID = sess.ID

	if outcome.Suppress {
		return p.commandReply(sess, outcome, req.Model), nil
	}
	if outcome.Executed && outcome.Message != "" {
		p.logger.Debug("command executed inline", "session", sess.ID, "message", outcome.Message)
	}

	resp, err := p.callWithRecovery(ctx, req, sess)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	entry := session.Interaction{
		Time:    time.Now(),
		Handler: "backend",
		Model:   resp.Model,
	}
	if resp.Usage != nil {
		entry.PromptTokens = resp.Usage.PromptTokens
		entry.CompletionTokens = resp.Usage.CompletionTokens
	}
	sess.AppendHistory(entry)
	return resp, nil
}

// callWithRecovery retries empty completions with a recovery nudge, bounded
// by MaxRecoveryRetries.
func (p *Processor) callWithRecovery(ctx context.Context, req *canonical.Request, sess *session.Session) (*canonical.Response, error) {
	attempt := req
	for try := 0; ; try++ {
		resp, err := p.dispatch.Call(ctx, attempt, &sess.State)
		if err != nil {
			return nil, err
		}
		resp, err = p.chain.Response(resp)
		if err == nil {
			return resp, nil
		}
		if !proxyerror.IsKind(err, proxyerror.KindEmptyResponse) || try >= p.cfg.MaxRecoveryRetries {
			return nil, err
		}
		p.logger.Warn("empty completion, retrying with recovery nudge",
			"session", sess.ID, "try", try+1)
		attempt = attempt.Clone()
		attempt.Messages = append(attempt.Messages, canonical.Message{
			Role:    canonical.RoleUser,
			Content: recoveryNudge,
		})
	}
}

// ProcessStream handles a streaming request. The session lock is held until
// the returned channel closes, so commands in later requests observe the
// state this stream dispatched with.
func (p *Processor) ProcessStream(ctx context.Context, req *canonical.Request, meta Meta) (<-chan canonical.StreamChunk, error) {
	sess, release, outcome := p.begin(req, meta)
	req.SessionID = sess.ID

	if outcome.Suppress {
		resp := p.commandReply(sess, outcome, req.Model)
		release()
		return responseAsStream(resp), nil
	}

	upstream, err := p.dispatch.Stream(ctx, req, &sess.State)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	filtered := p.chain.Stream(ctx, upstream)
	out := make(chan canonical.StreamChunk)
	go func() {
		defer release()
		defer close(out)
		entry := session.Interaction{Handler: "backend"}
		for chunk := range filtered {
			if chunk.Model != "" {
				entry.Model = chunk.Model
			}
			if chunk.Usage != nil {
				entry.PromptTokens = chunk.Usage.PromptTokens
				entry.CompletionTokens = chunk.Usage.CompletionTokens
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		entry.Time = time.Now()
		sess.AppendHistory(entry)
	}()
	return out, nil
}

// responseAsStream converts a synthesised response into the two-chunk stream
// shape transports expect.
func responseAsStream(resp *canonical.Response) <-chan canonical.StreamChunk {
	out := make(chan canonical.StreamChunk, 2)
	for _, choice := range resp.Choices {
		out <- canonical.StreamChunk{
			ID:      resp.ID,
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []canonical.ChunkChoice{{
				Index: choice.Index,
				Delta: canonical.Delta{
					Role:      choice.Message.Role,
					Content:   choice.Message.Content,
					ToolCalls: choice.Message.ToolCalls,
				},
			}},
		}
		out <- canonical.StreamChunk{
			ID:      resp.ID,
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []canonical.ChunkChoice{{
				Index:        choice.Index,
				FinishReason: choice.FinishReason,
			}},
			Usage: resp.Usage,
		}
	}
	close(out)
	return out
}
