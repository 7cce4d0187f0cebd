// Package tokenizer counts prompt tokens for input-limit enforcement and
// for synthesizing usage when an upstream omits it. Counts are a
// deterministic approximation: exact for OpenAI encodings, approximate for
// other providers.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/prismproxy/prism/pkg/canonical"
)

// Counter counts tokens for one model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter returns a counter for the model, falling back to cl100k_base
// for models tiktoken does not know (Claude, Gemini, Qwen).
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts prompt tokens across the message list, including the
// per-message role overhead and the reply priming.
func (c *Counter) CountMessages(messages []canonical.Message) int {
	const tokensPerMessage = 3 // <|start|>role<|message|>...<|end|>

	total := 0
	for i := range messages {
		m := &messages[i]
		total += tokensPerMessage
		total += len(c.encoding.Encode(string(m.Role), nil, nil))
		total += len(c.encoding.Encode(m.Text(), nil, nil))
		for _, tc := range m.ToolCalls {
			total += len(c.encoding.Encode(tc.Function.Name, nil, nil))
			total += len(c.encoding.Encode(tc.Function.Arguments, nil, nil))
		}
		for _, p := range m.Parts {
			if p.FunctionResponse != nil {
				total += len(c.encoding.Encode(p.FunctionResponse.Payload, nil, nil))
			}
		}
	}

	// Every reply is primed with <|start|>assistant<|message|>.
	total += 3

	return total
}

// Model returns the model name this counter is configured for.
func (c *Counter) Model() string { return c.model }

// CountPrompt is the one-shot helper the dispatcher uses. It degrades to a
// length/4 estimate if encodings cannot be loaded.
func CountPrompt(model string, messages []canonical.Message) int {
	counter, err := NewCounter(model)
	if err != nil {
		total := 0
		for i := range messages {
			total += len(messages[i].Text()) / 4
		}
		return total
	}
	return counter.CountMessages(messages)
}
