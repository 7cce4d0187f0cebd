package connector

import (
	"context"

	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/httpclient"
	"github.com/prismproxy/prism/pkg/oauth"
)

// The coding plan serves exactly one model; callers' model names are
// rewritten on the way in and restored on the way out.
const zaiPinnedModel = "claude-sonnet-4-20250514"

func init() {
	Register(config.BackendZAI, func(cfg config.BackendConfig, deps Deps) (Connector, error) {
		base := cfg.BaseURL
		if base == "" {
			base = "https://api.z.ai/api/anthropic/v1"
		}
		credsFile := cfg.CredentialsFile
		if credsFile == "" {
			credsFile = "~/.zai/oauth_creds.json"
		}
		tokenURL := cfg.OAuthTokenURL
		if tokenURL == "" {
			tokenURL = "https://api.z.ai/api/oauth/token"
		}
		manager := oauth.NewManager(credsFile, tokenURL, cfg.OAuthClientID, deps.Logger)

		return &Anthropic{
			name:     config.BackendZAI,
			baseURL:  base,
			models:   cfg.Models,
			client:   newHTTPClient(httpclient.ParseAnthropicRateLimitHeaders),
			deps:     deps,
			pinModel: zaiPinnedModel,
			resolveAuth: func(ctx context.Context) (string, error) {
				return manager.Token(ctx)
			},
		}, nil
	})
}
