// Package config defines the proxy configuration and its YAML/env loading.
package config

import (
	"fmt"
	"strings"
	"time"
)

// BackendType identifies an upstream provider plus protocol flavour.
type BackendType string

const (
	BackendOpenAI          BackendType = "openai"
	BackendOpenRouter      BackendType = "openrouter"
	BackendAnthropic       BackendType = "anthropic"
	BackendGemini          BackendType = "gemini"
	BackendGeminiOAuth     BackendType = "gemini-oauth-personal"
	BackendGeminiCLI       BackendType = "gemini-cli-oauth" // Code Assist tunnel
	BackendQwen            BackendType = "qwen-oauth"
	BackendZAI             BackendType = "zai-coding-plan"
)

// KnownBackends lists every backend type a route element may reference.
var KnownBackends = []BackendType{
	BackendOpenAI, BackendOpenRouter, BackendAnthropic, BackendGemini,
	BackendGeminiOAuth, BackendGeminiCLI, BackendQwen, BackendZAI,
}

// APIKey is a named credential for key rotation.
type APIKey struct {
	Name  string `koanf:"name" yaml:"name"`
	Value string `koanf:"value" yaml:"value"`
}

// BackendConfig configures one upstream backend.
type BackendConfig struct {
	Type    BackendType `koanf:"type" yaml:"type"`
	BaseURL string      `koanf:"base_url" yaml:"base_url"`
	APIKeys []APIKey    `koanf:"api_keys" yaml:"api_keys"`

	// CredentialsFile is the on-disk OAuth credentials JSON for OAuth
	// backends (gemini-oauth-personal, gemini-cli-oauth, qwen-oauth,
	// zai-coding-plan).
	CredentialsFile string `koanf:"credentials_file" yaml:"credentials_file"`

	// OAuthTokenURL is the provider token endpoint used for refresh.
	OAuthTokenURL string `koanf:"oauth_token_url" yaml:"oauth_token_url"`

	// OAuthClientID is sent with the refresh grant when the provider
	// requires it.
	OAuthClientID string `koanf:"oauth_client_id" yaml:"oauth_client_id"`

	// Project pins the Code Assist project, skipping discovery.
	Project string `koanf:"project" yaml:"project"`

	// GenerationConfig is merged into extra_body for Gemini-family calls.
	GenerationConfig map[string]any `koanf:"generation_config" yaml:"generation_config"`

	// Models advertised by GET /v1/models for this backend.
	Models []string `koanf:"models" yaml:"models"`

	// RequestsPerMinute caps calls per key in a fixed one-minute window;
	// zero means no local cap (upstream 429s still impose cooldowns).
	RequestsPerMinute int `koanf:"requests_per_minute" yaml:"requests_per_minute"`
}

// ReasoningMode is a named bundle of sampling and prompt-wrapping
// parameters tied to a model (the !/max, !/medium, !/low, !/no-think
// aliases resolve through this table).
type ReasoningMode struct {
	Temperature    *float64 `koanf:"temperature" yaml:"temperature"`
	TopP           *float64 `koanf:"top_p" yaml:"top_p"`
	Effort         string   `koanf:"effort" yaml:"effort"` // low|medium|high
	ThinkingBudget *int     `koanf:"thinking_budget" yaml:"thinking_budget"`
	PromptPrefix   string   `koanf:"prompt_prefix" yaml:"prompt_prefix"`
	PromptSuffix   string   `koanf:"prompt_suffix" yaml:"prompt_suffix"`
}

// ModelLimits bounds one model's context and output windows.
type ModelLimits struct {
	MaxInputTokens  int `koanf:"max_input_tokens" yaml:"max_input_tokens"`
	MaxOutputTokens int `koanf:"max_output_tokens" yaml:"max_output_tokens"`
}

// RouteConfig is an app-global failover route.
type RouteConfig struct {
	Policy   string   `koanf:"policy" yaml:"policy"` // k, m, km, mk
	Elements []string `koanf:"elements" yaml:"elements"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host" yaml:"host"`
	Port int    `koanf:"port" yaml:"port"`
}

// Config is the root configuration.
type Config struct {
	Server ServerConfig `koanf:"server" yaml:"server"`

	DefaultBackend BackendType                   `koanf:"default_backend" yaml:"default_backend"`
	Backends       map[BackendType]BackendConfig `koanf:"backends" yaml:"backends"`

	CommandPrefix    string `koanf:"command_prefix" yaml:"command_prefix"`
	CommandsDisabled bool   `koanf:"commands_disabled" yaml:"commands_disabled"`
	DisableAuth      bool   `koanf:"disable_auth" yaml:"disable_auth"`

	SessionTTL         time.Duration `koanf:"session_ttl" yaml:"session_ttl"`
	ProxyTimeout       time.Duration `koanf:"proxy_timeout" yaml:"proxy_timeout"`
	MaxRecoveryRetries int           `koanf:"max_recovery_retries" yaml:"max_recovery_retries"`
	MaxRateLimitWait   time.Duration `koanf:"max_rate_limit_wait" yaml:"max_rate_limit_wait"`

	// ThinkingBudget overrides the effort-derived Gemini thinking budget
	// (env THINKING_BUDGET).
	ThinkingBudget *int `koanf:"thinking_budget" yaml:"thinking_budget"`

	// ReasoningModes maps model -> mode name -> parameters.
	ReasoningModes map[string]map[string]ReasoningMode `koanf:"reasoning_modes" yaml:"reasoning_modes"`

	// ModelLimits maps model -> context/output bounds.
	ModelLimits map[string]ModelLimits `koanf:"model_limits" yaml:"model_limits"`

	// FailoverRoutes are app-global; session routes shadow same-named ones.
	FailoverRoutes map[string]RouteConfig `koanf:"failover_routes" yaml:"failover_routes"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8317
	}
	if c.DefaultBackend == "" {
		c.DefaultBackend = BackendOpenAI
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "!/"
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = time.Hour
	}
	if c.ProxyTimeout == 0 {
		c.ProxyTimeout = 5 * time.Minute
	}
	if c.MaxRecoveryRetries == 0 {
		c.MaxRecoveryRetries = 2
	}
	if c.MaxRateLimitWait == 0 {
		c.MaxRateLimitWait = 2 * time.Minute
	}
	if c.Backends == nil {
		c.Backends = map[BackendType]BackendConfig{}
	}
}

// Validate rejects configurations the proxy cannot serve with.
func (c *Config) Validate() error {
	if _, ok := c.Backends[c.DefaultBackend]; !ok {
		return fmt.Errorf("default_backend %q is not configured", c.DefaultBackend)
	}
	for name, route := range c.FailoverRoutes {
		if len(route.Elements) == 0 {
			return fmt.Errorf("failover route %q has no elements", name)
		}
		switch route.Policy {
		case "", "k", "m", "km", "mk":
		default:
			return fmt.Errorf("failover route %q: unknown policy %q", name, route.Policy)
		}
		for _, el := range route.Elements {
			if _, _, err := SplitBackendModel(el); err != nil {
				return fmt.Errorf("failover route %q: %w", name, err)
			}
		}
	}
	for bt, bc := range c.Backends {
		if bc.Type == "" {
			bc.Type = bt
			c.Backends[bt] = bc
		}
	}
	return nil
}

// KeysFor returns the registered keys for a backend in registration order.
func (c *Config) KeysFor(backend BackendType) []APIKey {
	return c.Backends[backend].APIKeys
}

// AllKeyValues returns every configured API key value, used to seed the
// redaction middleware.
func (c *Config) AllKeyValues() []string {
	var out []string
	for _, bc := range c.Backends {
		for _, k := range bc.APIKeys {
			if k.Value != "" {
				out = append(out, k.Value)
			}
		}
	}
	return out
}

// SplitBackendModel parses a "backend:model" route element.
func SplitBackendModel(s string) (BackendType, string, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("element %q is not backend:model", s)
	}
	backend := BackendType(s[:idx])
	for _, known := range KnownBackends {
		if backend == known {
			return backend, s[idx+1:], nil
		}
	}
	return "", "", fmt.Errorf("unknown backend %q in element %q", backend, s)
}
