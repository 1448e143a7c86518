// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the Parlo voice client.
package config

import "time"

// LogLevel controls log verbosity for the Parlo process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Parlo.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Live    LiveConfig    `yaml:"live"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds logging and ops-endpoint settings for the Parlo process.
type ServerConfig struct {
	// OpsAddr is the TCP address the operational HTTP server (metrics,
	// health) listens on (e.g., ":9090"). Empty disables the server.
	OpsAddr string `yaml:"ops_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LiveConfig selects and configures the conversational agent transport.
type LiveConfig struct {
	// Provider selects the registered transport implementation (e.g., "gemini").
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the provider's API. When empty,
	// the provider-specific environment variable is consulted at startup.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gemini-2.0-flash-live-001").
	Model string `yaml:"model"`

	// Voice is the prebuilt voice persona name for synthesized speech.
	Voice string `yaml:"voice"`

	// Instructions is the system-instruction string sent once at session setup.
	Instructions string `yaml:"instructions"`

	// SendQueueDepth bounds the outbound audio queue. When the transport
	// falls behind, the oldest queued chunk is dropped. 0 uses the
	// provider default.
	SendQueueDepth int `yaml:"send_queue_depth"`
}

// SessionConfig holds tunables for the session controller.
type SessionConfig struct {
	// FailedRetryDelay is how long the controller stays in the failed state
	// before becoming startable again. 0 uses the built-in default.
	FailedRetryDelay time.Duration `yaml:"failed_retry_delay"`
}
