package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// LoadDotEnv loads a .env file when present. Missing files are not an
// error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// ExpandEnvVars substitutes ${VAR}, ${VAR:-default} and $VAR references.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// envKeyPrefixes maps a backend type to its API-key env family.
var envKeyPrefixes = map[BackendType]string{
	BackendOpenAI:     "OPENAI",
	BackendOpenRouter: "OPENROUTER",
	BackendAnthropic:  "ANTHROPIC",
	BackendGemini:     "GEMINI",
	BackendZAI:        "ZAI",
}

// ApplyEnvOverrides folds the contractual environment variables into the
// config: LLM_BACKEND, COMMAND_PREFIX, THINKING_BUDGET, PROXY_TIMEOUT,
// DISABLE_AUTH, and the <PROVIDER>_API_KEY[_n] families.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("LLM_BACKEND"); v != "" {
		c.DefaultBackend = BackendType(v)
	}
	if v := os.Getenv("COMMAND_PREFIX"); v != "" {
		c.CommandPrefix = v
	}
	if v := os.Getenv("DISABLE_AUTH"); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DISABLE_AUTH: %w", err)
		}
		c.DisableAuth = disabled
	}
	if v := os.Getenv("THINKING_BUDGET"); v != "" {
		budget, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("THINKING_BUDGET: %w", err)
		}
		c.ThinkingBudget = &budget
	}
	if v := os.Getenv("PROXY_TIMEOUT"); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			// Bare number means seconds.
			seconds, convErr := strconv.Atoi(v)
			if convErr != nil {
				return fmt.Errorf("PROXY_TIMEOUT: %w", err)
			}
			timeout = time.Duration(seconds) * time.Second
		}
		c.ProxyTimeout = timeout
	}

	for backend, prefix := range envKeyPrefixes {
		keys := keysFromEnv(prefix)
		if len(keys) == 0 {
			continue
		}
		bc := c.Backends[backend]
		if bc.Type == "" {
			bc.Type = backend
		}
		bc.APIKeys = append(bc.APIKeys, keys...)
		c.Backends[backend] = bc
	}

	return nil
}

// keysFromEnv collects PREFIX_API_KEY, PREFIX_API_KEY_1, PREFIX_API_KEY_2…
// stopping at the first gap in the numbered family.
func keysFromEnv(prefix string) []APIKey {
	var keys []APIKey
	if v := os.Getenv(prefix + "_API_KEY"); v != "" {
		keys = append(keys, APIKey{Name: prefix + "_API_KEY", Value: v})
	}
	for n := 1; ; n++ {
		name := fmt.Sprintf("%s_API_KEY_%d", prefix, n)
		v := os.Getenv(name)
		if v == "" {
			break
		}
		keys = append(keys, APIKey{Name: name, Value: v})
	}
	return keys
}
