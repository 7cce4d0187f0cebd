package dispatch

import (
	"regexp"

	"github.com/prismproxy/prism/pkg/canonical"
)

// Coding agents report failed search/replace edits with recognisable
// phrasing; when the latest user turn carries one, sampling is tightened so
// the retry reproduces the file text exactly.
var editFailurePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)SEARCH(/| )REPLACE block.{0,40}(failed|did ?n.t match|does not match)`),
	regexp.MustCompile(`(?i)diff edit.{0,40}(failed|mismatch)`),
	regexp.MustCompile(`(?i)(apply_diff|applydiff|edit_file|str_replace).{0,60}(failed|error|unable)`),
	regexp.MustCompile(`(?i)the (original|existing) (text|content) was not found`),
}

func detectEditFailure(req *canonical.Request) bool {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := &req.Messages[i]
		if m.Role != canonical.RoleUser {
			continue
		}
		text := m.Text()
		for _, re := range editFailurePatterns {
			if re.MatchString(text) {
				return true
			}
		}
		return false
	}
	return false
}
