package middleware

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/prismproxy/prism/pkg/canonical"
)

// jsonRepairer fixes malformed JSON (truncated bodies, single quotes,
// trailing commas) before it reaches the agent. On streams it buffers two
// kinds of payload: tool-call argument fragments, keyed per call, and
// content deltas once the assembled body claims to be JSON. Both are
// re-emitted repaired as a single delta just before the finish chunk,
// since fragments cannot be validated individually.
type jsonRepairer struct {
	logger *slog.Logger

	order []string
	calls map[string]*bufferedCall

	bodies map[int]*jsonBody
}

type bufferedCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

const (
	bodyUndecided = iota
	bodyBuffering
	bodyPassthrough
)

// jsonBody accumulates one choice's content while it looks like JSON.
type jsonBody struct {
	mode int
	buf  strings.Builder
}

func newJSONRepairer(logger *slog.Logger) *jsonRepairer {
	return &jsonRepairer{
		logger: logger,
		calls:  map[string]*bufferedCall{},
		bodies: map[int]*jsonBody{},
	}
}

func (j *jsonRepairer) Name() string { return "json_repair" }

func (j *jsonRepairer) repair(body string) string {
	if body == "" || json.Valid([]byte(body)) {
		return body
	}
	repaired, err := jsonrepair.JSONRepair(body)
	if err != nil {
		j.logger.Warn("json unrepairable", "error", err)
		return body
	}
	j.logger.Debug("repaired malformed json")
	return repaired
}

func (j *jsonRepairer) OnResponse(resp *canonical.Response) error {
	for i := range resp.Choices {
		m := &resp.Choices[i].Message
		for k := range m.ToolCalls {
			m.ToolCalls[k].Function.Arguments = j.repair(m.ToolCalls[k].Function.Arguments)
		}
		if text := m.Text(); claimsJSON(text) {
			m.SetText(j.repair(text))
		}
	}
	return nil
}

// claimsJSON reports whether text reads as a JSON document rather than
// prose.
func claimsJSON(text string) bool {
	t := strings.TrimSpace(text)
	return t != "" && (t[0] == '{' || t[0] == '[')
}

func (j *jsonRepairer) body(index int) *jsonBody {
	b, ok := j.bodies[index]
	if !ok {
		b = &jsonBody{}
		j.bodies[index] = b
	}
	return b
}

// bufferContent absorbs a content delta while the choice's body claims to
// be JSON. Returns true when the delta was consumed.
func (j *jsonRepairer) bufferContent(ch *canonical.ChunkChoice) bool {
	if ch.Delta.Content == "" {
		return false
	}
	b := j.body(ch.Index)
	switch b.mode {
	case bodyPassthrough:
		return false
	case bodyUndecided:
		b.buf.WriteString(ch.Delta.Content)
		t := strings.TrimSpace(b.buf.String())
		if t == "" {
			// Leading whitespace only; hold until something decides it.
			ch.Delta.Content = ""
			return true
		}
		if t[0] == '{' || t[0] == '[' {
			b.mode = bodyBuffering
			ch.Delta.Content = ""
			return true
		}
		// Prose; release anything held back.
		b.mode = bodyPassthrough
		ch.Delta.Content = b.buf.String()
		b.buf.Reset()
		return false
	default:
		b.buf.WriteString(ch.Delta.Content)
		ch.Delta.Content = ""
		return true
	}
}

func (j *jsonRepairer) OnStreamChunk(chunk *canonical.StreamChunk) ([]canonical.StreamChunk, bool, error) {
	buffered := false
	for i := range chunk.Choices {
		ch := &chunk.Choices[i]
		if j.bufferContent(ch) {
			buffered = true
		}
		for _, tc := range ch.Delta.ToolCalls {
			key := tc.ID
			if key == "" && len(j.order) > 0 {
				// Argument fragments carry no id; they extend the last call.
				key = j.order[len(j.order)-1]
			}
			call, ok := j.calls[key]
			if !ok {
				call = &bufferedCall{index: ch.Index, id: tc.ID, name: tc.Function.Name}
				j.calls[key] = call
				j.order = append(j.order, key)
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
		if len(ch.Delta.ToolCalls) > 0 {
			buffered = true
			ch.Delta.ToolCalls = nil
		}
		if ch.FinishReason != "" {
			out := j.emitBuffered(chunk, *ch)
			return out, false, nil
		}
	}
	if buffered && chunkIsEmpty(chunk) {
		// Swallow pure fragment chunks; they are re-emitted whole at finish.
		return nil, false, nil
	}
	return []canonical.StreamChunk{*chunk}, false, nil
}

// chunkIsEmpty reports whether the chunk carries nothing the caller needs
// right away.
func chunkIsEmpty(chunk *canonical.StreamChunk) bool {
	if chunk.Usage != nil {
		return false
	}
	for _, ch := range chunk.Choices {
		if ch.Delta.Content != "" || ch.Delta.Role != "" || len(ch.Delta.ToolCalls) > 0 || ch.FinishReason != "" {
			return false
		}
	}
	return true
}

// emitBuffered releases everything held for the finishing choice: the
// repaired JSON body, then the repaired tool calls, then the finish chunk.
func (j *jsonRepairer) emitBuffered(chunk *canonical.StreamChunk, finish canonical.ChunkChoice) []canonical.StreamChunk {
	var out []canonical.StreamChunk

	if b, ok := j.bodies[finish.Index]; ok && b.buf.Len() > 0 {
		delta := *chunk
		delta.Usage = nil
		delta.Choices = []canonical.ChunkChoice{{
			Index: finish.Index,
			Delta: canonical.Delta{Content: j.repair(b.buf.String())},
		}}
		out = append(out, delta)
		delete(j.bodies, finish.Index)
	}

	if len(j.order) > 0 {
		delta := *chunk
		delta.Usage = nil
		delta.Choices = []canonical.ChunkChoice{{
			Index: finish.Index,
			Delta: canonical.Delta{ToolCalls: j.drainCalls()},
		}}
		out = append(out, delta)
	}

	if len(out) == 0 {
		return []canonical.StreamChunk{*chunk}
	}
	final := *chunk
	final.Choices = []canonical.ChunkChoice{{
		Index:        finish.Index,
		FinishReason: finish.FinishReason,
	}}
	return append(out, final)
}

func (j *jsonRepairer) drainCalls() []canonical.ToolCall {
	var calls []canonical.ToolCall
	for _, key := range j.order {
		call := j.calls[key]
		calls = append(calls, canonical.ToolCall{
			ID:   call.id,
			Type: "function",
			Function: canonical.FunctionCall{
				Name:      call.name,
				Arguments: j.repair(call.args.String()),
			},
		})
	}
	j.order = nil
	j.calls = map[string]*bufferedCall{}
	return calls
}

func (j *jsonRepairer) FlushStream() []canonical.StreamChunk {
	var out []canonical.StreamChunk

	// Upstream closed without a finish chunk; release what we have.
	indexes := make([]int, 0, len(j.bodies))
	for idx := range j.bodies {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		b := j.bodies[idx]
		if b.buf.Len() == 0 {
			continue
		}
		out = append(out, canonical.StreamChunk{
			Choices: []canonical.ChunkChoice{{
				Index: idx,
				Delta: canonical.Delta{Content: j.repair(b.buf.String())},
			}},
		})
	}
	j.bodies = map[int]*jsonBody{}

	if len(j.order) > 0 {
		index := j.calls[j.order[len(j.order)-1]].index
		out = append(out, canonical.StreamChunk{
			Choices: []canonical.ChunkChoice{{
				Index: index,
				Delta: canonical.Delta{ToolCalls: j.drainCalls()},
			}},
		})
	}
	return out
}
