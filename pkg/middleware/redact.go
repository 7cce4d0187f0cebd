package middleware

import (
	"regexp"
	"strings"

	"github.com/prismproxy/prism/pkg/canonical"
)

const redactedPlaceholder = "(API_KEY_HAS_BEEN_REDACTED)"

// redactor scrubs configured key values out of model output, and removes
// command invocations the model echoed back. Stream text is held back by
// one secret-length so a value split across chunk boundaries cannot leak.
type redactor struct {
	secrets []string
	command *regexp.Regexp
	holdLen int

	carry map[int]string
}

func newRedactor(secrets []string, commandPrefix string) *redactor {
	maxLen := 0
	kept := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s == "" {
			continue
		}
		kept = append(kept, s)
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	var command *regexp.Regexp
	if commandPrefix != "" {
		command = regexp.MustCompile(regexp.QuoteMeta(commandPrefix) + `[a-z][a-z0-9_-]*(\([^)]*\))?`)
	}
	hold := 0
	if maxLen > 0 {
		hold = maxLen - 1
	}
	return &redactor{
		secrets: kept,
		command: command,
		holdLen: hold,
		carry:   map[int]string{},
	}
}

func (r *redactor) Name() string { return "redactor" }

func (r *redactor) scrub(text string) string {
	for _, s := range r.secrets {
		text = strings.ReplaceAll(text, s, redactedPlaceholder)
	}
	if r.command != nil {
		text = r.command.ReplaceAllString(text, "")
	}
	return text
}

func (r *redactor) OnResponse(resp *canonical.Response) error {
	for i := range resp.Choices {
		m := &resp.Choices[i].Message
		if text := m.Text(); text != "" {
			m.SetText(r.scrub(text))
		}
		for j := range m.ToolCalls {
			m.ToolCalls[j].Function.Arguments = r.scrub(m.ToolCalls[j].Function.Arguments)
		}
	}
	return nil
}

func (r *redactor) OnStreamChunk(chunk *canonical.StreamChunk) ([]canonical.StreamChunk, bool, error) {
	for i := range chunk.Choices {
		ch := &chunk.Choices[i]
		buf := r.carry[ch.Index] + ch.Delta.Content
		buf = r.scrub(buf)

		if ch.FinishReason != "" {
			// Nothing follows this choice; release everything.
			ch.Delta.Content = buf
			delete(r.carry, ch.Index)
			continue
		}
		hold := r.holdLen
		if hold > len(buf) {
			hold = len(buf)
		}
		ch.Delta.Content = buf[:len(buf)-hold]
		r.carry[ch.Index] = buf[len(buf)-hold:]
	}
	return []canonical.StreamChunk{*chunk}, false, nil
}

func (r *redactor) FlushStream() []canonical.StreamChunk {
	var choices []canonical.ChunkChoice
	for idx, buf := range r.carry {
		if buf == "" {
			continue
		}
		choices = append(choices, canonical.ChunkChoice{
			Index: idx,
			Delta: canonical.Delta{Content: r.scrub(buf)},
		})
	}
	r.carry = map[int]string{}
	if len(choices) == 0 {
		return nil
	}
	return []canonical.StreamChunk{{Choices: choices}}
}
