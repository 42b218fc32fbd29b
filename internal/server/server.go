// Package server exposes the transcription pipeline over HTTP.
//
// Routes:
//
//	POST /v1/transcriptions   one-shot upload (WAV or raw PCM16)
//	GET  /v1/capture          WebSocket live capture (start / audio / stop)
//	POST /v1/record/start     start the host microphone
//	POST /v1/record/stop      stop the host microphone and transcribe
//	GET  /healthz, /readyz    liveness and readiness
//	GET  /metrics             Prometheus scrape endpoint
//
// Every route runs behind [observe.Middleware]. Transcription failures are
// reported with a single generic message; details go to the log only.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/memoscribe/internal/config"
	"github.com/MrWong99/memoscribe/internal/health"
	"github.com/MrWong99/memoscribe/internal/observe"
	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/provider/stt"
)

// shutdownTimeout bounds how long Run waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

// Server routes HTTP and WebSocket requests to a transcriber.
type Server struct {
	transcriber    stt.Transcriber
	mic            *microphone
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	logger         *slog.Logger
	maxUpload      int64
	maxCapture     int
}

// Option configures a [Server].
type Option func(*Server)

// WithRecorder enables the record endpoints on rec, typically a host
// microphone. Without it they answer 503.
func WithRecorder(rec *audio.Recorder) Option {
	return func(s *Server) {
		if rec != nil {
			s.mic = &microphone{rec: rec}
		}
	}
}

// WithHealth serves h on /healthz and /readyz. Defaults to a handler with
// no readiness checks.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.health = h
		}
	}
}

// WithMetricsHandler serves h on /metrics. Defaults to promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metricsHandler = h
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxUploadBytes caps upload bodies. Defaults to
// [config.DefaultMaxUploadBytes].
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithMaxCaptureSamples caps a live capture session at n samples at the
// pipeline rate. The cap never exceeds the 16-bit mono equivalent of the
// upload limit, which is also the default.
func WithMaxCaptureSamples(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxCapture = n
		}
	}
}

// New returns a Server transcribing with t.
func New(t stt.Transcriber, opts ...Option) *Server {
	s := &Server{
		transcriber:    t,
		health:         health.New(nil),
		metricsHandler: promhttp.Handler(),
		logger:         slog.Default(),
		maxUpload:      config.DefaultMaxUploadBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if limit := int(s.maxUpload / 2); s.maxCapture <= 0 || s.maxCapture > limit {
		s.maxCapture = limit
	}
	return s
}

// Handler returns the complete route tree wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transcriptions", s.handleTranscribe)
	mux.HandleFunc("GET /v1/capture", s.handleCapture)
	mux.HandleFunc("POST /v1/record/start", s.handleRecordStart)
	mux.HandleFunc("POST /v1/record/stop", s.handleRecordStop)
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)
	return observe.Middleware(s.metrics)(mux)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Close abandons an active microphone recording. Call it after Run returns.
func (s *Server) Close() error {
	if s.mic == nil {
		return nil
	}
	return s.mic.abort()
}

// log returns the logger enriched with the request's correlation ID.
func (s *Server) log(ctx context.Context) *slog.Logger {
	if cid := observe.CorrelationID(ctx); cid != "" {
		return s.logger.With("trace_id", cid)
	}
	return s.logger
}
