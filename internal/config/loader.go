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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "mock"},
	"llm": {"openai", "openai-native", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Meeting.Language == "" {
		cfg.Meeting.Language = "en-US"
	}
	if cfg.Meeting.SampleRate == 0 {
		cfg.Meeting.SampleRate = 16000
	}
	if cfg.Meeting.MaxConcurrentTranslations == 0 {
		cfg.Meeting.MaxConcurrentTranslations = 2
	}
	if cfg.Meeting.PartialIntervalMS == 0 {
		cfg.Meeting.PartialIntervalMS = 1000
	}
	if cfg.Meeting.PartialMinGrowth == 0 {
		cfg.Meeting.PartialMinGrowth = 10
	}
	if cfg.Meeting.PartialMinLength == 0 {
		cfg.Meeting.PartialMinLength = 18
	}
	if cfg.Meeting.Correction.BatchSize == 0 {
		cfg.Meeting.Correction.BatchSize = 5
	}
	if cfg.Meeting.Correction.IntervalMS == 0 {
		cfg.Meeting.Correction.IntervalMS = 10000
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.LLMFast.Name)

	// Provider availability warnings
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; sessions will fail to open transcription streams")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; translations and suggestions will be unavailable")
	}

	// Meeting
	if cfg.Meeting.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("meeting.sample_rate %d must be positive", cfg.Meeting.SampleRate))
	}
	if cfg.Meeting.MaxConcurrentTranslations < 0 {
		errs = append(errs, fmt.Errorf("meeting.max_concurrent_translations %d must be positive", cfg.Meeting.MaxConcurrentTranslations))
	}
	if cfg.Meeting.PartialIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("meeting.partial_interval_ms %d must be positive", cfg.Meeting.PartialIntervalMS))
	}
	if cfg.Meeting.PartialMinGrowth < 0 {
		errs = append(errs, fmt.Errorf("meeting.partial_min_growth %d must be positive", cfg.Meeting.PartialMinGrowth))
	}
	if cfg.Meeting.PartialMinLength < 0 {
		errs = append(errs, fmt.Errorf("meeting.partial_min_length %d must be positive", cfg.Meeting.PartialMinLength))
	}
	if cfg.Meeting.Correction.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("meeting.correction.batch_size %d must be positive", cfg.Meeting.Correction.BatchSize))
	}
	if cfg.Meeting.Correction.IntervalMS < 0 {
		errs = append(errs, fmt.Errorf("meeting.correction.interval_ms %d must be positive", cfg.Meeting.Correction.IntervalMS))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
