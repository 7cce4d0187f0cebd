package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prismproxy/prism/pkg/proxyerror"
)

// sseWriter serialises server-sent events, flushing after every write so
// chunks reach the agent as they arrive.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, proxyerror.New(proxyerror.KindInternal, "no_flusher",
			"response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, nil
}

// Data writes a bare `data:` event.
func (s *sseWriter) Data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Event writes a named `event:`/`data:` pair (Anthropic and Responses
// grammars).
func (s *sseWriter) Event(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the OpenAI stream terminator.
func (s *sseWriter) Done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
