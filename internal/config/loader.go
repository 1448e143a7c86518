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

// ValidProviderNames lists known live transport provider names. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"gemini", "mock"}

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

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Live transport
	if cfg.Live.Provider == "" {
		errs = append(errs, errors.New("live.provider is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Live.Provider) {
		slog.Warn("unknown live provider name — may be a typo or third-party provider",
			"name", cfg.Live.Provider,
			"known", ValidProviderNames,
		)
	}
	if cfg.Live.SendQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("live.send_queue_depth %d must not be negative", cfg.Live.SendQueueDepth))
	}
	if cfg.Live.Provider == "gemini" && cfg.Live.APIKey == "" && os.Getenv("GEMINI_API_KEY") == "" {
		slog.Warn("live.api_key is empty and GEMINI_API_KEY is not set; session start will fail")
	}

	// Session
	if cfg.Session.FailedRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("session.failed_retry_delay %v must not be negative", cfg.Session.FailedRetryDelay))
	}

	return errors.Join(errs...)
}
