// Package app wires all memoscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, Reload
// applies hot-reloadable configuration changes, and Shutdown tears everything
// down in order.
//
// For testing, inject test doubles via [Providers] and the functional options
// (WithTokenizer, WithMetrics, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/memoscribe/internal/config"
	"github.com/MrWong99/memoscribe/internal/health"
	"github.com/MrWong99/memoscribe/internal/observe"
	"github.com/MrWong99/memoscribe/internal/resilience"
	"github.com/MrWong99/memoscribe/internal/server"
	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/provider/stt"
	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/decoder"
	"github.com/MrWong99/memoscribe/pkg/speech/features"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
	"github.com/MrWong99/memoscribe/pkg/speech/pipeline"
	"github.com/MrWong99/memoscribe/pkg/speech/tokenizer"
)

// NamedTranscriber is a fallback transcriber together with the name it is
// reported under in logs, metrics and transcripts.
type NamedTranscriber struct {
	Name        string
	Transcriber stt.Transcriber
}

// Providers holds the externally created dependencies. Model is required;
// Capture and Fallbacks are optional. Populated by main.go via the config
// registry.
type Providers struct {
	Model     model.Model
	Capture   audio.CaptureDevice
	Fallbacks []NamedTranscriber
}

// App owns all subsystem lifetimes and serves the transcription API.
type App struct {
	providers *Providers
	logger    *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	tok         *tokenizer.Tokenizer
	dims        model.Dims
	pool        *server.Pool
	transcriber *resilience.STTFallback
	recorder    *audio.Recorder
	server      *server.Server

	// mu guards cfg, which Reload replaces.
	mu  sync.Mutex
	cfg *config.Config

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTokenizer injects a tokenizer instead of loading cfg.Vocabulary.Path.
func WithTokenizer(t *tokenizer.Tokenizer) Option {
	return func(a *App) { a.tok = t }
}

// WithMetrics sets the metrics instruments. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithLevelVar lets Reload adjust the log level of the handler built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: vocabulary loading, one
// decoder engine per concurrent slot, fallback chain assembly, and capture
// device setup. It does not start listening; call Run for that.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Model == nil {
		return nil, fmt.Errorf("app: a model is required: %w", speech.ErrModelLoad)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.dims = modelDims(providers.Model)

	// ── 1. Vocabulary ────────────────────────────────────────────────────
	if err := a.initTokenizer(); err != nil {
		return nil, fmt.Errorf("app: init tokenizer: %w", err)
	}

	// ── 2. Engine pool ───────────────────────────────────────────────────
	pipes, err := a.buildPipelines(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build pipelines: %w", err)
	}
	if a.pool, err = server.NewPool(pipes); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 3. Fallback chain ────────────────────────────────────────────────
	a.transcriber = resilience.NewSTTFallback(a.pool, pipeline.DefaultName, resilience.FallbackConfig{
		Logger: a.logger,
	})
	for _, fb := range providers.Fallbacks {
		a.transcriber.AddFallback(fb.Name, fb.Transcriber)
	}
	a.transcriber.SetMetrics(a.metrics)

	// ── 4. Capture device ────────────────────────────────────────────────
	if providers.Capture != nil {
		a.recorder, err = audio.NewRecorder(providers.Capture, audio.WithRecorderLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("app: init recorder: %w", err)
		}
	}

	// ── 5. HTTP server ───────────────────────────────────────────────────
	checks := health.New([]health.Checker{
		health.Flag("transcribers", a.transcriber.Healthy, "every transcriber circuit breaker is open"),
	}, health.WithLogger(a.logger))

	srvOpts := []server.Option{
		server.WithHealth(checks),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.logger),
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
	}
	if n := cfg.Pipeline.EffectiveMaxChunks(); n > 0 {
		// Audio past the last transcribed chunk would be discarded anyway.
		srvOpts = append(srvOpts, server.WithMaxCaptureSamples(n*speech.SamplesPerChunk))
	}
	if a.recorder != nil {
		srvOpts = append(srvOpts, server.WithRecorder(a.recorder))
	}
	a.server = server.New(a.transcriber, srvOpts...)

	a.logger.InfoContext(ctx, "app initialised",
		"engines", a.pool.Size(),
		"transcribers", a.transcriber.Names(),
		"capture", a.recorder != nil,
		"dims", fmt.Sprintf("%+v", a.dims),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTokenizer loads the vocabulary unless one was injected.
func (a *App) initTokenizer() error {
	if a.tok != nil {
		return nil
	}
	var opts []tokenizer.Option
	if a.cfg.Vocabulary.ByteLevel {
		opts = append(opts, tokenizer.WithByteLevel())
	}
	path := a.cfg.Vocabulary.Path
	tok, err := tokenizer.LoadFS(os.DirFS(filepath.Dir(path)), filepath.Base(path), opts...)
	if err != nil {
		return err
	}
	a.tok = tok
	a.logger.Info("vocabulary loaded", "path", path, "tokens", tok.Len())
	return nil
}

// buildPipelines creates one pipeline per concurrent slot. Pipelines share the
// model and tokenizer but each owns its feature extractor and decoder engine,
// since an engine decodes one session at a time.
func (a *App) buildPipelines(cfg *config.Config) ([]*pipeline.Pipeline, error) {
	n := cfg.Pipeline.EffectiveMaxConcurrent()
	pipes := make([]*pipeline.Pipeline, 0, n)
	for range n {
		ext, err := features.New(string(cfg.Features.Mode))
		if err != nil {
			return nil, err
		}
		eng := decoder.New(a.providers.Model, decoderOptions(cfg.Decoder, a.dims, a.logger)...)
		pipes = append(pipes, pipeline.New(ext, a.providers.Model, eng, a.tok,
			pipeline.WithMaxChunks(cfg.Pipeline.EffectiveMaxChunks()),
			pipeline.WithMetrics(a.metrics),
			pipeline.WithLogger(a.logger),
		))
	}
	return pipes, nil
}

// decoderOptions translates the decoder section into engine options. Unset
// fields keep the engine defaults.
func decoderOptions(dc config.DecoderConfig, dims model.Dims, logger *slog.Logger) []decoder.Option {
	opts := []decoder.Option{decoder.WithDims(dims), decoder.WithLogger(logger)}
	if dc.NoSpeechThreshold != nil {
		opts = append(opts, decoder.WithNoSpeechThreshold(*dc.NoSpeechThreshold))
	}
	if dc.MaxInitialTimestamp != nil {
		opts = append(opts, decoder.WithMaxInitialTimestamp(*dc.MaxInitialTimestamp))
	}
	if dc.Timestamps != nil {
		opts = append(opts, decoder.WithTimestamps(*dc.Timestamps))
	}
	if dc.SuppressTokens != nil {
		ids := make([]speech.Token, len(dc.SuppressTokens))
		for i, id := range dc.SuppressTokens {
			ids[i] = speech.Token(id)
		}
		opts = append(opts, decoder.WithSuppressTokens(ids))
	}
	return opts
}

// modelDims returns the geometry a model reports, or the default geometry for
// models that do not report one.
func modelDims(m model.Model) model.Dims {
	if d, ok := m.(interface{ Dims() model.Dims }); ok {
		return d.Dims()
	}
	return model.DefaultDims()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on cfg.Server.ListenAddr until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	addr := a.cfg.Server.ListenAddr
	a.mu.Unlock()
	return a.server.Run(ctx, addr)
}

// Handler returns the HTTP handler Run serves.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next: the log level and the
// decoder section. A decoder change rebuilds every engine and swaps them in
// once in-flight transcriptions finish. Changes to any other section are
// logged and take effect after a restart.
func (a *App) Reload(ctx context.Context, next *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}

	if d.DecoderChanged {
		// Engine geometry and pool size stay as started.
		applied := *a.cfg
		applied.Decoder = next.Decoder
		pipes, err := a.buildPipelines(&applied)
		if err != nil {
			return fmt.Errorf("app: reload decoder: %w", err)
		}
		if err := a.pool.Replace(ctx, pipes); err != nil {
			return fmt.Errorf("app: reload decoder: %w", err)
		}
		a.logger.Info("decoder settings reloaded", "engines", len(pipes))
	}

	applied := *a.cfg
	applied.Server.LogLevel = next.Server.LogLevel
	applied.Decoder = next.Decoder
	a.cfg = &applied
	return nil
}

// slogLevel maps a config log level to its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown aborts any active recording and releases the fallback providers
// and the model. It is safe to call more than once; later calls return the
// first result. Run must have returned, or its context been cancelled, before
// Shutdown is called.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if err := a.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		}
		if a.providers.Capture != nil {
			if err := a.providers.Capture.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close capture device: %w", err))
			}
		}
		for _, fb := range a.providers.Fallbacks {
			c, ok := fb.Transcriber.(io.Closer)
			if !ok {
				continue
			}
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", fb.Name, err))
			}
		}
		if err := a.providers.Model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
		a.stopErr = errors.Join(errs...)
		if a.stopErr != nil {
			a.logger.WarnContext(ctx, "shutdown finished with errors", "err", a.stopErr)
		} else {
			a.logger.InfoContext(ctx, "shutdown complete")
		}
	})
	return a.stopErr
}
