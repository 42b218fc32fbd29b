// Package observe provides application-wide observability primitives for
// memoscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all memoscribe metrics.
const meterName = "github.com/MrWong99/memoscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks end-to-end transcription latency
	// (features, encode, decode and detokenize for every chunk).
	TranscriptionDuration metric.Float64Histogram

	// FeatureDuration tracks feature extraction latency per chunk.
	FeatureDuration metric.Float64Histogram

	// EncodeDuration tracks encoder latency per chunk.
	EncodeDuration metric.Float64Histogram

	// DecodeDuration tracks the latency of one full decode loop.
	DecodeDuration metric.Float64Histogram

	// --- Decode loop ---

	// DecodeSteps records how many decoder steps a session ran.
	DecodeSteps metric.Int64Histogram

	// NoSpeech counts sessions that ended through the step-0 no-speech gate.
	NoSpeech metric.Int64Counter

	// --- Counters ---

	// ProviderRequests counts transcriber calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// TranscriptionErrors counts failed transcriptions. Use with attribute:
	//   attribute.String("kind", ...) (see speech.Kind)
	TranscriptionErrors metric.Int64Counter

	// ProviderErrors counts transcriber errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveTranscriptions tracks the number of transcriptions in flight.
	ActiveTranscriptions metric.Int64UpDownCounter

	// ActiveCaptures tracks the number of live capture sessions (microphone
	// and WebSocket).
	ActiveCaptures metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for on-device transcription latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// stepBuckets covers the decoder's 0..224 step range.
var stepBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 224}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("memoscribe.transcription.duration",
		metric.WithDescription("End-to-end latency of one transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FeatureDuration, err = m.Float64Histogram("memoscribe.features.duration",
		metric.WithDescription("Latency of feature extraction per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("memoscribe.encode.duration",
		metric.WithDescription("Latency of the encoder per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("memoscribe.decode.duration",
		metric.WithDescription("Latency of one greedy decode loop."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeSteps, err = m.Int64Histogram("memoscribe.decode.steps",
		metric.WithDescription("Decoder steps run per session."),
		metric.WithExplicitBucketBoundaries(stepBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.NoSpeech, err = m.Int64Counter("memoscribe.decode.no_speech",
		metric.WithDescription("Sessions ended by the no-speech gate."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("memoscribe.provider.requests",
		metric.WithDescription("Total transcriber requests by provider and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TranscriptionErrors, err = m.Int64Counter("memoscribe.transcription.errors",
		metric.WithDescription("Total failed transcriptions by error kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("memoscribe.provider.errors",
		metric.WithDescription("Total transcriber errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTranscriptions, err = m.Int64UpDownCounter("memoscribe.active_transcriptions",
		metric.WithDescription("Number of transcriptions in flight."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("memoscribe.active_captures",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("memoscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTranscriptionError records a failed transcription of the given kind.
func (m *Metrics) RecordTranscriptionError(ctx context.Context, kind string) {
	m.TranscriptionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDecode records the outcome of one decode loop.
func (m *Metrics) RecordDecode(ctx context.Context, seconds float64, steps int, noSpeech bool) {
	m.DecodeDuration.Record(ctx, seconds)
	m.DecodeSteps.Record(ctx, int64(steps))
	if noSpeech {
		m.NoSpeech.Add(ctx, 1)
	}
}
