package connector

import (
	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/httpclient"
	"github.com/prismproxy/prism/pkg/oauth"
)

const geminiAPIBase = "https://generativelanguage.googleapis.com/v1beta"

func init() {
	// Personal-account OAuth variant of the Gemini backend: same wire shape
	// as the API-key connector, but the bearer token comes from the
	// gemini-cli credentials file.
	Register(config.BackendGeminiOAuth, func(cfg config.BackendConfig, deps Deps) (Connector, error) {
		base := cfg.BaseURL
		if base == "" {
			base = geminiAPIBase
		}
		credsFile := cfg.CredentialsFile
		if credsFile == "" {
			credsFile = geminiCLICredsFile
		}
		tokenURL := cfg.OAuthTokenURL
		if tokenURL == "" {
			tokenURL = googleTokenURL
		}
		manager := oauth.NewManager(credsFile, tokenURL, cfg.OAuthClientID, deps.Logger)

		return &Gemini{
			name:        config.BackendGeminiOAuth,
			baseURL:     base,
			models:      cfg.Models,
			genConfig:   cfg.GenerationConfig,
			client:      newHTTPClient(httpclient.ParseGeminiRateLimitHeaders),
			deps:        deps,
			resolveAuth: manager.Token,
		}, nil
	})
}
