package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load reads the YAML config at path, expands env references in string
// values, applies env overrides and defaults, and validates. An empty path
// yields an env-only configuration.
func Load(path string) (*Config, error) {
	LoadDotEnv()

	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}

		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}

		// Expand ${VAR} references before unmarshalling so api keys and
		// URLs can live in the environment.
		for _, key := range k.Keys() {
			if s, ok := k.Get(key).(string); ok {
				_ = k.Set(key, ExpandEnvVars(s))
			}
		}

		if err := k.Unmarshal("", cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.Backends == nil {
		cfg.Backends = map[BackendType]BackendConfig{}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
