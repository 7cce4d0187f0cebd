package middleware

import (
	"time"

	"github.com/prismproxy/prism/pkg/canonical"
)

const (
	loopWindowSize = 2048
	loopMinPattern = 4
	loopMaxPattern = 256
	loopMinRepeats = 8
	loopCheckEvery = 64
)

// loopDetector watches the streamed text for a short pattern repeating
// enough times to indicate a runaway generation, and cuts the stream with
// finish_reason=length. Single responses are bounded by max_tokens already
// and pass through untouched.
type loopDetector struct {
	window     []byte
	sinceCheck int
	id         string
	model      string
}

func newLoopDetector() *loopDetector {
	return &loopDetector{window: make([]byte, 0, loopWindowSize)}
}

func (l *loopDetector) Name() string { return "loop_detector" }

func (l *loopDetector) OnResponse(*canonical.Response) error { return nil }

func (l *loopDetector) observe(text string) bool {
	l.window = append(l.window, text...)
	if len(l.window) > loopWindowSize {
		l.window = l.window[len(l.window)-loopWindowSize:]
	}
	l.sinceCheck += len(text)
	if l.sinceCheck < loopCheckEvery {
		return false
	}
	l.sinceCheck = 0
	return tailRepeats(l.window)
}

// tailRepeats reports whether the window ends in loopMinRepeats back-to-back
// copies of some pattern.
func tailRepeats(window []byte) bool {
	for plen := loopMinPattern; plen <= loopMaxPattern; plen++ {
		span := plen * loopMinRepeats
		if span > len(window) {
			return false
		}
		tail := window[len(window)-span:]
		pattern := tail[:plen]
		match := true
		for i := plen; i < span; i += plen {
			if string(tail[i:i+plen]) != string(pattern) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (l *loopDetector) OnStreamChunk(chunk *canonical.StreamChunk) ([]canonical.StreamChunk, bool, error) {
	if chunk.ID != "" {
		l.id = chunk.ID
	}
	if chunk.Model != "" {
		l.model = chunk.Model
	}
	for i := range chunk.Choices {
		ch := &chunk.Choices[i]
		if ch.Delta.Content == "" {
			continue
		}
		if l.observe(ch.Delta.Content) {
			// Emit the current text, then terminate the stream.
			cut := canonical.StreamChunk{
				ID:      l.id,
				Model:   l.model,
				Created: time.Now().Unix(),
				Choices: []canonical.ChunkChoice{{
					Index:        ch.Index,
					FinishReason: canonical.FinishReasonLength,
				}},
			}
			return []canonical.StreamChunk{*chunk, cut}, true, nil
		}
	}
	return []canonical.StreamChunk{*chunk}, false, nil
}

func (l *loopDetector) FlushStream() []canonical.StreamChunk { return nil }
