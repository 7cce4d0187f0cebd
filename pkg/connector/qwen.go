package connector

import (
	"context"
	"strings"

	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/httpclient"
	"github.com/prismproxy/prism/pkg/oauth"
)

const qwenDefaultBase = "https://dashscope.aliyuncs.com/compatible-mode/v1"

func init() {
	Register(config.BackendQwen, func(cfg config.BackendConfig, deps Deps) (Connector, error) {
		credsFile := cfg.CredentialsFile
		if credsFile == "" {
			credsFile = "~/.qwen/oauth_creds.json"
		}
		tokenURL := cfg.OAuthTokenURL
		if tokenURL == "" {
			tokenURL = "https://chat.qwen.ai/api/v1/oauth2/token"
		}
		manager := oauth.NewManager(credsFile, tokenURL, cfg.OAuthClientID, deps.Logger)

		return &OpenAI{
			name:    config.BackendQwen,
			baseURL: cfg.BaseURL,
			models:  cfg.Models,
			client:  newHTTPClient(httpclient.ParseOpenAIRateLimitHeaders),
			deps:    deps,
			resolveAuth: func(ctx context.Context, _ Overrides) (string, string, error) {
				creds, err := manager.Credentials(ctx)
				if err != nil {
					return "", "", err
				}
				base := cfg.BaseURL
				if base == "" {
					base = qwenBaseURL(creds.ResourceURL)
				}
				return base, creds.AccessToken, nil
			},
		}, nil
	})
}

// qwenBaseURL derives the API base from the credentials' resource_url,
// which arrives scheme-less and without the /v1 suffix.
func qwenBaseURL(resource string) string {
	if resource == "" {
		return qwenDefaultBase
	}
	if !strings.Contains(resource, "://") {
		resource = "https://" + resource
	}
	resource = strings.TrimSuffix(resource, "/")
	if !strings.HasSuffix(resource, "/v1") {
		resource += "/v1"
	}
	return resource
}
