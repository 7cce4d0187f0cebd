package connector

import (
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/httpclient"
)

func init() {
	Register(config.BackendOpenRouter, func(cfg config.BackendConfig, deps Deps) (Connector, error) {
		base := cfg.BaseURL
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		return &OpenAI{
			name:    config.BackendOpenRouter,
			baseURL: base,
			models:  cfg.Models,
			listKey: firstKey(cfg),
			client:  newHTTPClient(httpclient.ParseOpenAIRateLimitHeaders),
			deps:    deps,
			// Attribution headers OpenRouter uses for ranking.
			extraHeaders: map[string]string{
				"HTTP-Referer": "https://github.com/prismproxy/prism",
				"X-Title":      "prism",
			},
		}, nil
	})
}
