package middleware

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/prismproxy/prism/pkg/canonical"
)

const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

// toolExtractor lifts tool calls that models emit as tagged text
// (`<tool_call>{"name":..,"arguments":..}</tool_call>`) into structured
// toolCalls deltas with fresh ids, and promotes the finish reason to
// tool_calls. Models behind completion-style templates fall back to this
// textual form when the provider drops the tools array.
type toolExtractor struct {
	states    map[int]*extractState
	extracted bool
}

type extractState struct {
	capturing bool
	pending   string // tail that may open a tag
	captured  strings.Builder
}

func newToolExtractor() *toolExtractor {
	return &toolExtractor{states: map[int]*extractState{}}
}

func (t *toolExtractor) Name() string { return "tool_extractor" }

type taggedCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseTagged decodes the tag body, repairing sloppy JSON first.
func parseTagged(body string) (canonical.ToolCall, bool) {
	body = strings.TrimSpace(body)
	if !json.Valid([]byte(body)) {
		repaired, err := jsonrepair.JSONRepair(body)
		if err != nil {
			return canonical.ToolCall{}, false
		}
		body = repaired
	}
	var tc taggedCall
	if err := json.Unmarshal([]byte(body), &tc); err != nil || tc.Name == "" {
		return canonical.ToolCall{}, false
	}
	args := string(tc.Arguments)
	if args == "" {
		args = "{}"
	}
	return canonical.ToolCall{
		ID:       "call_" + uuid.NewString()[:8],
		Type:     "function",
		Function: canonical.FunctionCall{Name: tc.Name, Arguments: args},
	}, true
}

func (t *toolExtractor) OnResponse(resp *canonical.Response) error {
	for i := range resp.Choices {
		choice := &resp.Choices[i]
		text := choice.Message.Text()
		if !strings.Contains(text, toolCallOpen) {
			continue
		}
		var calls []canonical.ToolCall
		var kept strings.Builder
		for {
			start := strings.Index(text, toolCallOpen)
			if start < 0 {
				kept.WriteString(text)
				break
			}
			end := strings.Index(text[start:], toolCallClose)
			if end < 0 {
				kept.WriteString(text)
				break
			}
			kept.WriteString(text[:start])
			body := text[start+len(toolCallOpen) : start+end]
			if call, ok := parseTagged(body); ok {
				calls = append(calls, call)
			} else {
				kept.WriteString(text[start : start+end+len(toolCallClose)])
			}
			text = text[start+end+len(toolCallClose):]
		}
		if len(calls) == 0 {
			continue
		}
		choice.Message.SetText(strings.TrimSpace(kept.String()))
		choice.Message.ToolCalls = append(choice.Message.ToolCalls, calls...)
		choice.FinishReason = canonical.FinishReasonToolCalls
	}
	return nil
}

func (t *toolExtractor) state(index int) *extractState {
	s, ok := t.states[index]
	if !ok {
		s = &extractState{}
		t.states[index] = s
	}
	return s
}

func (t *toolExtractor) OnStreamChunk(chunk *canonical.StreamChunk) ([]canonical.StreamChunk, bool, error) {
	for i := range chunk.Choices {
		ch := &chunk.Choices[i]
		s := t.state(ch.Index)

		if ch.Delta.Content != "" || s.pending != "" {
			text, calls := s.consume(ch.Delta.Content)
			ch.Delta.Content = text
			if len(calls) > 0 {
				ch.Delta.ToolCalls = append(ch.Delta.ToolCalls, calls...)
				t.extracted = true
			}
		}
		if ch.FinishReason != "" {
			// Release any dangling tail before the stream ends.
			if tail := s.drain(); tail != "" {
				ch.Delta.Content += tail
			}
			if t.extracted && ch.FinishReason == canonical.FinishReasonStop {
				ch.FinishReason = canonical.FinishReasonToolCalls
			}
		}
	}
	if chunkIsEmpty(chunk) {
		return nil, false, nil
	}
	return []canonical.StreamChunk{*chunk}, false, nil
}

// consume advances the per-choice scanner over delta text, returning
// pass-through text and any completed tool calls.
func (s *extractState) consume(delta string) (string, []canonical.ToolCall) {
	buf := s.pending + delta
	s.pending = ""

	var out strings.Builder
	var calls []canonical.ToolCall
	for buf != "" {
		if s.capturing {
			end := strings.Index(buf, toolCallClose)
			if end < 0 {
				// Hold a partial close tag across the boundary.
				keep := overlap(buf, toolCallClose)
				s.captured.WriteString(buf[:len(buf)-keep])
				s.pending = buf[len(buf)-keep:]
				buf = ""
				continue
			}
			s.captured.WriteString(buf[:end])
			if call, ok := parseTagged(s.captured.String()); ok {
				calls = append(calls, call)
			} else {
				out.WriteString(toolCallOpen + s.captured.String() + toolCallClose)
			}
			s.captured.Reset()
			s.capturing = false
			buf = buf[end+len(toolCallClose):]
			continue
		}

		start := strings.Index(buf, toolCallOpen)
		if start < 0 {
			keep := overlap(buf, toolCallOpen)
			out.WriteString(buf[:len(buf)-keep])
			s.pending = buf[len(buf)-keep:]
			break
		}
		out.WriteString(buf[:start])
		s.capturing = true
		buf = buf[start+len(toolCallOpen):]
	}
	return out.String(), calls
}

// drain returns whatever an unterminated tag buffered, restored to its
// textual form.
func (s *extractState) drain() string {
	out := s.pending
	s.pending = ""
	if s.capturing {
		out = toolCallOpen + s.captured.String() + out
		s.captured.Reset()
		s.capturing = false
	}
	return out
}

// overlap returns the length of the longest suffix of s that is a proper
// prefix of tag.
func overlap(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

func (t *toolExtractor) FlushStream() []canonical.StreamChunk {
	var choices []canonical.ChunkChoice
	for idx, s := range t.states {
		// An unterminated capture may still hold a parseable body.
		if s.capturing {
			if call, ok := parseTagged(s.captured.String()); ok {
				s.captured.Reset()
				s.capturing = false
				choices = append(choices, canonical.ChunkChoice{
					Index: idx,
					Delta: canonical.Delta{ToolCalls: []canonical.ToolCall{call}},
				})
				continue
			}
		}
		if tail := s.drain(); tail != "" {
			choices = append(choices, canonical.ChunkChoice{
				Index: idx,
				Delta: canonical.Delta{Content: tail},
			})
		}
	}
	t.states = map[int]*extractState{}
	if len(choices) == 0 {
		return nil
	}
	return []canonical.StreamChunk{{Choices: choices}}
}
