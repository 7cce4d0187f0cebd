package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prismproxy/prism/pkg/config"
	"github.com/prismproxy/prism/pkg/httpclient"
	"github.com/prismproxy/prism/pkg/oauth"
	"github.com/prismproxy/prism/pkg/protocol"
	"github.com/prismproxy/prism/pkg/proxyerror"
)

const (
	codeAssistBase     = "https://cloudcode-pa.googleapis.com/v1internal"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
	geminiCLICredsFile = "~/.gemini/oauth_creds.json"
)

func init() {
	Register(config.BackendGeminiCLI, func(cfg config.BackendConfig, deps Deps) (Connector, error) {
		base := cfg.BaseURL
		if base == "" {
			base = codeAssistBase
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

		ca := &codeAssist{
			manager: manager,
			baseURL: base,
			project: cfg.Project,
			client:  newHTTPClient(httpclient.ParseGeminiRateLimitHeaders),
		}

		g := &Gemini{
			name:      config.BackendGeminiCLI,
			baseURL:   base,
			models:    cfg.Models,
			genConfig: cfg.GenerationConfig,
			client:    ca.client,
			deps:      deps,
			// The Code Assist stream reports STOP on candidates that carry
			// functionCall parts; the mapper corrects the finish reason.
			forceTools:  true,
			resolveAuth: manager.Token,
		}
		g.wrapPayload = func(ctx context.Context, model string, wire *protocol.GeminiRequest) (any, error) {
			project, err := ca.resolveProject(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"project": project,
				"model":   model,
				"request": wire,
			}, nil
		}
		g.unwrapResponse = func(data []byte) (*protocol.GeminiResponse, error) {
			var envelope struct {
				Response *protocol.GeminiResponse `json:"response"`
			}
			if err := json.Unmarshal(data, &envelope); err != nil {
				return nil, err
			}
			if envelope.Response != nil {
				return envelope.Response, nil
			}
			// Some replies arrive unwrapped.
			var wire protocol.GeminiResponse
			if err := json.Unmarshal(data, &wire); err != nil {
				return nil, err
			}
			return &wire, nil
		}
		return g, nil
	})
}

// codeAssist handles the tunnel's project discovery, cached for the
// process lifetime.
type codeAssist struct {
	manager *oauth.Manager
	baseURL string
	client  *httpclient.Client

	mu      sync.Mutex
	project string
}

func (c *codeAssist) resolveProject(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.project != "" {
		return c.project, nil
	}

	token, err := c.manager.Token(ctx)
	if err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"ideType":     "IDE_UNSPECIFIED",
			"platform":    "PLATFORM_UNSPECIFIED",
			"pluginType":  "GEMINI",
			"duetProject": "",
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+":loadCodeAssist", bytes.NewReader(payload))
	if err != nil {
		return "", proxyerror.Wrap(proxyerror.KindInternal, err, "building discovery request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err := checkResponse(config.BackendGeminiCLI, resp, err); err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var discovered struct {
		CloudAICompanionProject string `json:"cloudaicompanionProject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&discovered); err != nil {
		return "", proxyerror.Wrap(proxyerror.KindUpstreamError, err, "parsing discovery response")
	}
	if discovered.CloudAICompanionProject == "" {
		return "", proxyerror.New(proxyerror.KindAuthentication, "no_project",
			"code assist discovery returned no project; set backends.gemini-cli-oauth.project")
	}
	c.project = discovered.CloudAICompanionProject
	return c.project, nil
}
