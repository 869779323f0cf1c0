// Package config provides the configuration schema, loader, and provider
// registry for the parley voice client.
package config

// LogLevel controls log verbosity for the parley client.
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

// Config is the root configuration structure for parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Log      LogConfig     `yaml:"log"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Provider ProviderEntry `yaml:"provider"`
	Session  SessionConfig `yaml:"session"`
	Audio    AudioConfig   `yaml:"audio"`
	History  HistoryConfig `yaml:"history"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level controls verbosity.
	Level LogLevel `yaml:"level"`
}

// MetricsConfig holds settings for the optional debug HTTP listener.
type MetricsConfig struct {
	// ListenAddr is the TCP address of the debug listener serving /metrics,
	// /healthz, and /readyz (e.g., "127.0.0.1:9464"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// ProviderEntry selects and configures the live conversation provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. When empty,
	// the provider's conventional environment variable is consulted instead.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gemini-2.0-flash-live-001", "gpt-4o-realtime-preview").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig carries conversation-level settings delivered to the provider
// when a conversation starts.
type SessionConfig struct {
	// Voice selects the synthesised voice. Empty uses the provider default.
	Voice string `yaml:"voice"`

	// Instructions is the system-level prompt applied for the whole
	// conversation.
	Instructions string `yaml:"instructions"`
}

// AudioConfig holds microphone and speaker settings.
type AudioConfig struct {
	// InputDevice selects the capture device by name substring.
	// Empty uses the system default.
	InputDevice string `yaml:"input_device"`

	// OutputDevice selects the playback device by name substring.
	// Empty uses the system default.
	OutputDevice string `yaml:"output_device"`

	// SampleRate is the microphone capture rate in Hz. 0 means 16000.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per captured block.
	// Must be a power of two. 0 means 4096.
	BlockSize int `yaml:"block_size"`
}

// HistoryConfig holds settings for the local transcript history store.
type HistoryConfig struct {
	// Path is the SQLite database file for saved transcripts.
	// Empty disables history.
	Path string `yaml:"path"`

	// RetentionDays prunes conversations older than this many days on
	// startup. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}
