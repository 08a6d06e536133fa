// Package config provides the configuration schema, loader, and provider
// registry for the Parley meeting assistant server.
package config

// LogLevel controls log verbosity for the Parley server.
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

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Meeting   MeetingConfig   `yaml:"meeting"`
}

// ServerConfig holds network and logging settings for the Parley server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// CORSOrigins lists origins allowed on the HTTP API and accepted for
	// WebSocket upgrades. Empty means same-origin only.
	CORSOrigins []string `yaml:"cors_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// STT selects the streaming speech-to-text provider.
	STT ProviderEntry `yaml:"stt"`

	// LLM selects the quality-tier model used for finalized translations,
	// corrections, and suggestions.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFast optionally selects a low-latency model for interim caption
	// translations. When empty, the quality model serves both tiers.
	LLMFast ProviderEntry `yaml:"llm_fast"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// MeetingConfig tunes the per-session pipeline.
type MeetingConfig struct {
	// Language is the BCP-47 recognition language for the STT stream.
	Language string `yaml:"language"`

	// SampleRate is the default inbound PCM sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// MaxConcurrentTranslations bounds in-flight translation calls per session.
	MaxConcurrentTranslations int `yaml:"max_concurrent_translations"`

	// PartialIntervalMS is the minimum time between interim caption emissions
	// for one speaker, unless a boundary forces one.
	PartialIntervalMS int `yaml:"partial_interval_ms"`

	// PartialMinGrowth is the minimum caption growth in characters required
	// for a time-triggered emission.
	PartialMinGrowth int `yaml:"partial_min_growth"`

	// PartialMinLength is the minimum caption length in characters for an
	// emission without a boundary.
	PartialMinLength int `yaml:"partial_min_length"`

	// Correction configures the background transcript correction pass.
	Correction CorrectionConfig `yaml:"correction"`
}

// CorrectionConfig controls the periodic LLM reconciliation of final segments.
type CorrectionConfig struct {
	// Enabled turns the correction pass on.
	Enabled bool `yaml:"enabled"`

	// BatchSize is how many queued segments one pass sends to the model.
	BatchSize int `yaml:"batch_size"`

	// IntervalMS is the pause between passes in milliseconds.
	IntervalMS int `yaml:"interval_ms"`
}
