package middleware

import (
	"github.com/prismproxy/prism/pkg/canonical"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

// emptyDetector flags responses that carry neither text nor tool calls so
// the processor can retry with a recovery nudge instead of handing the agent
// a blank turn.
type emptyDetector struct {
	sawContent bool
}

func newEmptyDetector() *emptyDetector { return &emptyDetector{} }

func (e *emptyDetector) Name() string { return "empty_detector" }

func (e *emptyDetector) OnResponse(resp *canonical.Response) error {
	for i := range resp.Choices {
		m := &resp.Choices[i].Message
		if m.Text() != "" || len(m.ToolCalls) > 0 {
			return nil
		}
	}
	return proxyerror.New(proxyerror.KindEmptyResponse, "empty_completion",
		"backend returned a completion with no content")
}

func (e *emptyDetector) OnStreamChunk(chunk *canonical.StreamChunk) ([]canonical.StreamChunk, bool, error) {
	for _, ch := range chunk.Choices {
		if ch.Delta.Content != "" || len(ch.Delta.ToolCalls) > 0 {
			e.sawContent = true
		}
	}
	return []canonical.StreamChunk{*chunk}, false, nil
}

func (e *emptyDetector) FlushStream() []canonical.StreamChunk {
	if e.sawContent {
		return nil
	}
	return []canonical.StreamChunk{{
		Err: proxyerror.New(proxyerror.KindEmptyResponse, "empty_completion",
			"backend stream ended without content"),
	}}
}
