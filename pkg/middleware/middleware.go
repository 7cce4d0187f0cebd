// Package middleware post-processes backend responses on their way back to
// the caller: secret redaction, malformed JSON repair, text-embedded
// tool-call extraction, runaway-generation detection and empty-response
// signalling. The same chain serves single responses and streams; middlewares
// that need the whole response degrade to no-ops on streams and vice versa.
package middleware

import (
	"context"
	"log/slog"

	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/config"
)

// Middleware transforms responses in caller order. Stream processing is
// stateful, so the chain constructs a fresh instance set per request.
type Middleware interface {
	Name() string

	// OnResponse rewrites a complete response in place.
	OnResponse(resp *canonical.Response) error

	// OnStreamChunk maps one inbound chunk to zero or more outbound chunks.
	// done terminates the stream after the returned chunks are emitted.
	OnStreamChunk(chunk *canonical.StreamChunk) (out []canonical.StreamChunk, done bool, err error)

	// FlushStream emits anything still buffered when the upstream closes.
	FlushStream() []canonical.StreamChunk
}

// Chain builds per-request middleware pipelines.
type Chain struct {
	factories []func() Middleware
	logger    *slog.Logger
}

func NewChain(cfg *config.Config, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	secrets := cfg.AllKeyValues()
	prefix := cfg.CommandPrefix
	return &Chain{
		logger: logger,
		factories: []func() Middleware{
			func() Middleware { return newRedactor(secrets, prefix) },
			func() Middleware { return newJSONRepairer(logger) },
			func() Middleware { return newToolExtractor() },
			func() Middleware { return newLoopDetector() },
			func() Middleware { return newEmptyDetector() },
		},
	}
}

func (c *Chain) instances() []Middleware {
	out := make([]Middleware, len(c.factories))
	for i, f := range c.factories {
		out[i] = f()
	}
	return out
}

// Response runs the chain over a complete response.
func (c *Chain) Response(resp *canonical.Response) (*canonical.Response, error) {
	for _, mw := range c.instances() {
		if err := mw.OnResponse(resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Stream pumps the upstream channel through a fresh middleware set. The
// returned channel closes when the upstream closes, a middleware terminates
// the stream, or ctx is cancelled.
func (c *Chain) Stream(ctx context.Context, in <-chan canonical.StreamChunk) <-chan canonical.StreamChunk {
	mws := c.instances()
	out := make(chan canonical.StreamChunk)

	go func() {
		defer close(out)
		for chunk := range in {
			if chunk.Err != nil {
				emit(ctx, out, chunk)
				return
			}
			chunks, done := c.pass(mws, 0, chunk)
			for _, ch := range chunks {
				if !emit(ctx, out, ch) {
					return
				}
			}
			if done {
				return
			}
		}
		for _, ch := range c.flush(mws, 0) {
			if !emit(ctx, out, ch) {
				return
			}
		}
	}()
	return out
}

// pass feeds one chunk through the chain starting at middleware i,
// fanning each middleware's output into the next.
func (c *Chain) pass(mws []Middleware, i int, chunk canonical.StreamChunk) ([]canonical.StreamChunk, bool) {
	if chunk.Err != nil {
		return []canonical.StreamChunk{chunk}, true
	}
	if i >= len(mws) {
		return []canonical.StreamChunk{chunk}, false
	}
	produced, done, err := mws[i].OnStreamChunk(&chunk)
	if err != nil {
		return []canonical.StreamChunk{{Err: err}}, true
	}
	var out []canonical.StreamChunk
	for _, ch := range produced {
		downstream, d := c.pass(mws, i+1, ch)
		out = append(out, downstream...)
		if d {
			return out, true
		}
	}
	if done {
		// Let downstream middlewares flush what they buffered.
		out = append(out, c.flush(mws, i+1)...)
	}
	return out, done
}

// flush drains buffered state from middleware i onward, feeding each
// flush product through the rest of the chain.
func (c *Chain) flush(mws []Middleware, i int) []canonical.StreamChunk {
	var out []canonical.StreamChunk
	for ; i < len(mws); i++ {
		for _, ch := range mws[i].FlushStream() {
			downstream, done := c.pass(mws, i+1, ch)
			out = append(out, downstream...)
			if done {
				return out
			}
		}
	}
	return out
}

func emit(ctx context.Context, out chan<- canonical.StreamChunk, chunk canonical.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
