package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names shipped with parley.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Logging
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	// Provider
	if cfg.Provider.Name == "" {
		slog.Warn("provider.name is empty; a conversation cannot be started (device and history listing still work)")
	} else {
		if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
			slog.Warn("unknown provider name — may be a typo or third-party provider",
				"name", cfg.Provider.Name,
				"known", ValidProviderNames,
			)
		}
		if cfg.Provider.APIKey == "" {
			slog.Warn("provider.api_key is empty; falling back to the provider's environment variable",
				"provider", cfg.Provider.Name,
			)
		}
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BlockSize != 0 {
		if cfg.Audio.BlockSize < 0 || cfg.Audio.BlockSize&(cfg.Audio.BlockSize-1) != 0 {
			errs = append(errs, fmt.Errorf("audio.block_size %d is invalid; must be a power of two", cfg.Audio.BlockSize))
		}
	}

	// History
	if cfg.History.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("history.retention_days %d is invalid; must be >= 0", cfg.History.RetentionDays))
	}
	if cfg.History.Path == "" && cfg.Provider.Name != "" {
		slog.Warn("history.path is empty; transcripts will not be saved")
	}

	return errors.Join(errs...)
}
