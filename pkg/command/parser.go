// Package command implements the in-band control language: directives like
// "!/set(model=gpt-4o)" embedded in chat messages, executed against session
// state and stripped from the text forwarded upstream.
package command

import (
	"strings"

	"github.com/prismproxy/prism/pkg/canonical"
)

// Call is one parsed command occurrence inside a message.
type Call struct {
	Name       string
	Args       map[string]string
	Positional []string

	// raw is the exact matched text, used for removal.
	raw string
}

// Arg returns a named argument, falling back to the positional list when
// the command was written without keys, e.g. "!/route-append(r, a)".
func (c *Call) Arg(key string, positionalIndex int) string {
	if v, ok := c.Args[key]; ok {
		return v
	}
	if positionalIndex >= 0 && positionalIndex < len(c.Positional) {
		return c.Positional[positionalIndex]
	}
	return ""
}

// parseOne scans text from offset for a single command starting with
// prefix. Returns the call and the [start,end) span of the matched text, or
// ok=false when no command starts at or after offset.
func parseOne(text, prefix string, offset int) (call Call, start, end int, ok bool) {
	for {
		idx := strings.Index(text[offset:], prefix)
		if idx < 0 {
			return Call{}, 0, 0, false
		}
		start = offset + idx
		pos := start + len(prefix)

		nameEnd := pos
		for nameEnd < len(text) && isNameChar(text[nameEnd]) {
			nameEnd++
		}
		if nameEnd == pos {
			offset = pos
			continue // bare prefix, not a command
		}

		call = Call{Name: text[pos:nameEnd]}
		end = nameEnd

		if end < len(text) && text[end] == '(' {
			closing := strings.IndexByte(text[end:], ')')
			if closing < 0 {
				// Unterminated argument list: treat the name alone as the
				// command and leave the rest of the text intact.
				call.raw = text[start:end]
				return call, start, end, true
			}
			parseArgs(text[end+1:end+closing], &call)
			end += closing + 1
		}

		call.raw = text[start:end]
		return call, start, end, true
	}
}

func isNameChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' ||
		b >= '0' && b <= '9' || b == '-' || b == '_'
}

func parseArgs(body string, call *Call) {
	for _, field := range strings.Split(body, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if eq := strings.Index(field, "="); eq > 0 {
			if call.Args == nil {
				call.Args = map[string]string{}
			}
			call.Args[strings.TrimSpace(field[:eq])] = strings.TrimSpace(field[eq+1:])
		} else {
			call.Positional = append(call.Positional, field)
		}
	}
}

// Scan walks the request messages in order and extracts command calls from
// text content. Every occurrence is stripped from the text; emptied
// messages are deleted. The returned calls preserve document order — the
// engine executes only the first.
func Scan(messages []canonical.Message, prefix string) ([]canonical.Message, []Call) {
	var calls []Call
	out := make([]canonical.Message, 0, len(messages))

	for _, msg := range messages {
		text := msg.Text()
		cleaned, found := stripAll(text, prefix)
		calls = append(calls, found...)

		if cleaned == text {
			out = append(out, msg)
			continue
		}

		msg.SetText(strings.TrimSpace(cleaned))
		if msg.IsEmpty() {
			continue
		}
		out = append(out, msg)
	}

	return out, calls
}

func stripAll(text, prefix string) (string, []Call) {
	var calls []Call
	for {
		call, start, end, ok := parseOne(text, prefix, 0)
		if !ok {
			return text, calls
		}
		calls = append(calls, call)
		text = text[:start] + text[end:]
	}
}
