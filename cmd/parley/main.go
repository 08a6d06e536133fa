// Command parley is the main entry point for the Parley meeting assistant
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parley-live/parley/internal/config"
	"github.com/parley-live/parley/internal/health"
	"github.com/parley-live/parley/internal/meeting"
	"github.com/parley-live/parley/internal/observe"
	"github.com/parley-live/parley/internal/server"
	"github.com/parley-live/parley/internal/suggest"
	"github.com/parley-live/parley/internal/translate"
	"github.com/parley-live/parley/pkg/provider/llm"
	"github.com/parley-live/parley/pkg/provider/llm/anyllm"
	oaillm "github.com/parley-live/parley/pkg/provider/llm/openai"
	"github.com/parley-live/parley/pkg/provider/stt"
	"github.com/parley-live/parley/pkg/provider/stt/deepgram"
	sttmock "github.com/parley-live/parley/pkg/provider/stt/mock"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first so everything below records into the real provider.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	sttProvider, quality, fast, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if sttProvider == nil || quality == nil {
		slog.Error("providers.stt and providers.llm are both required")
		return 1
	}

	translator := translate.NewService(fast, quality)
	suggester := suggest.NewService(quality)

	healthz := health.New(
		health.Checker{Name: "stt", Check: configuredCheck(sttProvider != nil, "no STT provider configured")},
		health.Checker{Name: "llm", Check: configuredCheck(quality != nil, "no LLM provider configured")},
	)

	srv := server.New(
		server.Config{
			CORSOrigins: cfg.Server.CORSOrigins,
			Meeting:     meetingConfig(cfg.Meeting),
		},
		server.Deps{
			MeetingDeps: meeting.Deps{
				STT:        sttProvider,
				Translator: translator,
				Suggester:  suggester,
				Corrector:  translator,
				Metrics:    metrics,
				Logger:     logger,
			},
			Quick:   translator,
			Health:  healthz,
			Metrics: metrics,
			Logger:  logger,
		},
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			errCh <- httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()
	slog.Info("server ready", "addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai-native bypasses any-llm and talks to the OpenAI SDK directly.
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if v, ok := entry.Options["diarize"].(bool); ok {
			opts = append(opts, deepgram.WithDiarization(v))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// mock feeds no results; useful for wiring checks without credentials.
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
}

// buildProviders instantiates the providers named in cfg. The fast LLM falls
// back to the quality one when llm_fast is not configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (sttP stt.Provider, quality, fast llm.Provider, err error) {
	if name := cfg.Providers.STT.Name; name != "" {
		sttP, err = reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		quality, err = reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	fast = quality
	if name := cfg.Providers.LLMFast.Name; name != "" {
		fast, err = reg.CreateLLM(cfg.Providers.LLMFast)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create llm_fast provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "llm_fast", "name", name)
	}

	return sttP, quality, fast, nil
}

// meetingConfig maps the YAML meeting block onto the orchestrator config.
func meetingConfig(mc config.MeetingConfig) meeting.Config {
	return meeting.Config{
		Language:                  mc.Language,
		SampleRate:                mc.SampleRate,
		MaxConcurrentTranslations: int64(mc.MaxConcurrentTranslations),
		Tunables: meeting.Tunables{
			PartialIntervalMS: int64(mc.PartialIntervalMS),
			PartialMinGrowth:  mc.PartialMinGrowth,
			PartialMinLength:  mc.PartialMinLength,
		},
		CorrectionEnabled:   mc.Correction.Enabled,
		CorrectionBatchSize: mc.Correction.BatchSize,
		CorrectionInterval:  time.Duration(mc.Correction.IntervalMS) * time.Millisecond,
	}
}

// configuredCheck returns a readiness check that fails with message until the
// dependency is configured.
func configuredCheck(ok bool, message string) func(context.Context) error {
	return func(context.Context) error {
		if !ok {
			return errors.New(message)
		}
		return nil
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
