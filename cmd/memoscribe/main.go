// Command memoscribe is the main entry point for the memoscribe
// speech-to-text server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/memoscribe/internal/app"
	"github.com/MrWong99/memoscribe/internal/config"
	"github.com/MrWong99/memoscribe/internal/observe"
	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/audio/miniaudio"
	"github.com/MrWong99/memoscribe/pkg/provider/stt"
	"github.com/MrWong99/memoscribe/pkg/provider/stt/openai"
	"github.com/MrWong99/memoscribe/pkg/provider/stt/whisper"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
	"github.com/MrWong99/memoscribe/pkg/speech/model/remote"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "memoscribe: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "memoscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("memoscribe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	fallbackNames := make([]string, 0, len(cfg.Fallbacks))
	for _, f := range cfg.Fallbacks {
		fallbackNames = append(fallbackNames, f.Name)
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Deployment: observe.Deployment{
			ModelProvider: cfg.Model.Name,
			FeaturesMode:  string(cfg.Features.Mode),
			Engines:       cfg.Pipeline.EffectiveMaxConcurrent(),
			MaxChunks:     cfg.Pipeline.EffectiveMaxChunks(),
			Fallbacks:     fallbackNames,
		},
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg, logger)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		closeProviders(providers)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		if err := application.Reload(ctx, next); err != nil {
			slog.Error("config reload failed", "err", err)
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with memoscribe. Used for startup logging.
var builtinProviders = map[string][]string{
	"model":    {"remote"},
	"capture":  {"miniaudio"},
	"fallback": {"whisper-native", "whisper-server", "openai"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config, logger *slog.Logger) {
	// ── Model ─────────────────────────────────────────────────────────────────

	reg.RegisterModel("remote", func(ctx context.Context, entry config.ProviderEntry) (model.Model, error) {
		// One binding per engine so that concurrent sessions keep their
		// cross caches on the sidecar.
		opts := []remote.Option{
			remote.WithLogger(logger),
			remote.WithBindings(cfg.Pipeline.EffectiveMaxConcurrent()),
		}
		if ms := optInt(entry.Options, "call_timeout_ms"); ms > 0 {
			opts = append(opts, remote.WithCallTimeout(time.Duration(ms)*time.Millisecond))
		}
		if entry.APIKey != "" {
			opts = append(opts, remote.WithHeader("Authorization", "Bearer "+entry.APIKey))
		}
		dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		c, err := remote.Dial(dctx, entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("miniaudio", func(entry config.ProviderEntry) (audio.CaptureDevice, error) {
		opts := []miniaudio.Option{miniaudio.WithLogger(logger)}
		if ms := optInt(entry.Options, "period_ms"); ms > 0 {
			opts = append(opts, miniaudio.WithPeriod(uint32(ms)))
		}
		dev, err := miniaudio.Open(opts...)
		if err != nil {
			return nil, err
		}
		return dev, nil
	})

	// ── Fallbacks ─────────────────────────────────────────────────────────────

	reg.RegisterFallback("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		opts := []whisper.NativeOption{whisper.WithNativeLogger(logger)}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		p, err := whisper.NewNative(modelPath, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterFallback("whisper-server", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		p, err := whisper.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterFallback("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, openai.WithLanguage(lang))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Providers created before a failure are closed again.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (_ *app.Providers, err error) {
	ps := &app.Providers{}
	defer func() {
		if err != nil {
			closeProviders(ps)
		}
	}()

	m, err := reg.CreateModel(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("create model %q: %w", cfg.Model.Name, err)
	}
	ps.Model = m
	slog.Info("provider created", "kind", "model", "name", cfg.Model.Name)

	if name := cfg.Capture.Name; name != "" && name != "none" {
		dev, err := reg.CreateCapture(cfg.Capture)
		if err != nil {
			return nil, fmt.Errorf("create capture device %q: %w", name, err)
		}
		ps.Capture = dev
		slog.Info("provider created", "kind", "capture", "name", name)
	}

	for _, entry := range cfg.Fallbacks {
		t, err := reg.CreateFallback(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown fallback provider, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create fallback %q: %w", entry.Name, err)
		}
		ps.Fallbacks = append(ps.Fallbacks, app.NamedTranscriber{Name: entry.Name, Transcriber: t})
		slog.Info("provider created", "kind", "fallback", "name", entry.Name)
	}

	return ps, nil
}

// closeProviders releases providers that never reached the application.
func closeProviders(ps *app.Providers) {
	if ps.Capture != nil {
		_ = ps.Capture.Close()
	}
	for _, fb := range ps.Fallbacks {
		if c, ok := fb.Transcriber.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	if ps.Model != nil {
		_ = ps.Model.Close()
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       memoscribe: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Model", cfg.Model.Name, cfg.Model.BaseURL)
	printProvider("Capture", cfg.Capture.Name, "")
	for _, fb := range cfg.Fallbacks {
		printProvider("Fallback", fb.Name, fb.Model)
	}
	mode := string(cfg.Features.Mode)
	if mode == "" {
		mode = string(config.FeaturesLogMel)
	}
	fmt.Printf("║  Features        : %-19s ║\n", mode)
	fmt.Printf("║  Engines         : %-19d ║\n", cfg.Pipeline.EffectiveMaxConcurrent())
	fmt.Printf("║  Chunks/request  : %-19d ║\n", cfg.Pipeline.EffectiveMaxChunks())
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map[string]any.
// YAML numbers decode as int; anything else yields 0.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
