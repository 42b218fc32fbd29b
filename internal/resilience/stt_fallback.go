package resilience

import (
	"context"

	"github.com/MrWong99/memoscribe/internal/observe"
	"github.com/MrWong99/memoscribe/pkg/provider/stt"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// namedTranscriber tags a backend with its registration name for metrics.
type namedTranscriber struct {
	name string
	stt.Transcriber
}

// STTFallback implements [stt.Transcriber] with automatic failover across
// multiple STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group   *FallbackGroup[namedTranscriber]
	metrics *observe.Metrics
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(namedTranscriber{name: primaryName, Transcriber: primary}, primaryName, cfg),
	}
}

// AddFallback registers an additional STT backend as a fallback.
func (f *STTFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, namedTranscriber{name: name, Transcriber: t})
}

// SetMetrics records per-backend request and error counts on m.
func (f *STTFallback) SetMetrics(m *observe.Metrics) { f.metrics = m }

// Names returns the backend names in failover order.
func (f *STTFallback) Names() []string { return f.group.Names() }

// States returns the circuit breaker state of every backend.
func (f *STTFallback) States() map[string]State { return f.group.States() }

// Healthy reports whether any backend can currently accept requests.
func (f *STTFallback) Healthy() bool { return f.group.Healthy() }

// Transcribe runs the first healthy backend, failing over to the next on
// error. The typed cause of the last failure survives wrapping.
func (f *STTFallback) Transcribe(ctx context.Context, samples []float32) (stt.Transcript, error) {
	return ExecuteWithResult(f.group, func(t namedTranscriber) (stt.Transcript, error) {
		tr, err := t.Transcribe(ctx, samples)
		if f.metrics != nil {
			if err != nil {
				f.metrics.RecordProviderRequest(ctx, t.name, "error")
				f.metrics.RecordProviderError(ctx, t.name, speech.Kind(err))
			} else {
				f.metrics.RecordProviderRequest(ctx, t.name, "ok")
			}
		}
		return tr, err
	})
}
