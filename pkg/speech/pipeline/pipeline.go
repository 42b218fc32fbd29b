// Package pipeline ties the transcription stages together: it chunks the
// recording, extracts features, runs the encoder, drives the decoder engine
// and detokenizes the result.
//
// A [Pipeline] implements [stt.Transcriber]. Sessions through one Pipeline
// are serialised by its engine; build one Pipeline per concurrent
// transcription.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/memoscribe/internal/observe"
	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/provider/stt"
	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/decoder"
	"github.com/MrWong99/memoscribe/pkg/speech/features"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
	"github.com/MrWong99/memoscribe/pkg/speech/tokenizer"
)

// DefaultName is the provider name reported in transcripts.
const DefaultName = "engine"

// Compile-time assertion that Pipeline satisfies stt.Transcriber.
var _ stt.Transcriber = (*Pipeline)(nil)

// Outcome is the single value delivered by [Pipeline.TranscribeAsync].
type Outcome struct {
	Transcript stt.Transcript
	Err        error
}

// Pipeline runs end-to-end transcriptions. All stages are injected.
type Pipeline struct {
	name      string
	extractor features.Extractor
	encoder   model.Encoder
	engine    *decoder.Engine
	tok       *tokenizer.Tokenizer
	maxChunks int
	logger    *slog.Logger
	metrics   *observe.Metrics
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMaxChunks limits how many chunks of a recording are transcribed.
// Audio past the limit is dropped with a warning. 0 transcribes every chunk.
// Defaults to 1.
func WithMaxChunks(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.maxChunks = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records stage latencies, decode steps, no-speech exits and
// errors on m. Without it no metrics are recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithName sets the provider name reported in transcripts. Defaults to
// [DefaultName].
func WithName(name string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.name = name
		}
	}
}

// New assembles a Pipeline from its stages.
func New(ext features.Extractor, enc model.Encoder, eng *decoder.Engine, tok *tokenizer.Tokenizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:      DefaultName,
		extractor: ext,
		encoder:   enc,
		engine:    eng,
		tok:       tok,
		maxChunks: 1,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider name reported in transcripts.
func (p *Pipeline) Name() string { return p.name }

// Transcribe implements [stt.Transcriber].
//
// Empty input yields a NoSpeech transcript without touching the model. An
// encoder failure is reported as [speech.ErrInference] before any decoder
// step runs. On error no partial text is returned.
func (p *Pipeline) Transcribe(ctx context.Context, samples []float32) (stt.Transcript, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.transcribe",
		trace.WithAttributes(attribute.Int("samples", len(samples))),
	)
	defer span.End()

	if p.metrics != nil {
		p.metrics.ActiveTranscriptions.Add(ctx, 1)
		defer p.metrics.ActiveTranscriptions.Add(ctx, -1)
	}

	tr, err := p.transcribe(ctx, samples)
	if err != nil {
		observe.RecordError(span, err)
		if p.metrics != nil {
			p.metrics.RecordTranscriptionError(ctx, speech.Kind(err))
		}
		return stt.Transcript{}, err
	}

	span.SetAttributes(
		attribute.Bool("no_speech", tr.NoSpeech),
		attribute.Int("tokens", len(tr.Tokens)),
	)
	if p.metrics != nil {
		p.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
	}
	p.log(ctx).Debug("transcription complete",
		"provider", p.name,
		"duration", tr.Duration,
		"no_speech", tr.NoSpeech,
		"elapsed", time.Since(start),
	)
	return tr, nil
}

// TranscribeAsync runs Transcribe on a background goroutine. The returned
// channel receives exactly one Outcome and is then closed.
func (p *Pipeline) TranscribeAsync(ctx context.Context, samples []float32) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		defer close(out)
		tr, err := p.Transcribe(ctx, samples)
		out <- Outcome{Transcript: tr, Err: err}
	}()
	return out
}

func (p *Pipeline) transcribe(ctx context.Context, samples []float32) (stt.Transcript, error) {
	tr := stt.Transcript{
		Duration: speech.SamplesDuration(len(samples)),
		Provider: p.name,
	}

	chunks := audio.Split(samples, speech.SamplesPerChunk)
	if len(chunks) == 0 {
		tr.NoSpeech = true
		return tr, nil
	}
	if p.maxChunks > 0 && len(chunks) > p.maxChunks {
		dropped := len(samples) - chunks[p.maxChunks].Offset
		p.log(ctx).Warn("pipeline: audio beyond chunk limit dropped",
			"chunks", len(chunks),
			"max_chunks", p.maxChunks,
			"dropped", speech.SamplesDuration(dropped),
		)
		chunks = chunks[:p.maxChunks]
	}

	tr.NoSpeech = true
	var texts []string
	for _, c := range chunks {
		res, err := p.transcribeChunk(ctx, c)
		if err != nil {
			return stt.Transcript{}, err
		}
		if res.NoSpeech {
			continue
		}
		tr.NoSpeech = false

		ids := textTokens(res.Tokens)
		tr.Tokens = append(tr.Tokens, ids...)
		if text := p.tok.Decode(ids); text != "" {
			texts = append(texts, text)
		}
		tr.Segments = append(tr.Segments, p.segments(res.Tokens, c)...)
	}
	tr.Text = strings.Join(texts, " ")
	return tr, nil
}

// transcribeChunk runs features, encoder and decoder for one chunk.
func (p *Pipeline) transcribeChunk(ctx context.Context, c audio.Chunk) (decoder.Result, error) {
	if err := ctx.Err(); err != nil {
		return decoder.Result{}, fmt.Errorf("pipeline: chunk %d: %w", c.Index, err)
	}

	t0 := time.Now()
	mel, err := p.extractor.Extract(c)
	if err != nil {
		return decoder.Result{}, fmt.Errorf("pipeline: features for chunk %d: %w", c.Index, err)
	}
	if p.metrics != nil {
		p.metrics.FeatureDuration.Record(ctx, time.Since(t0).Seconds())
	}

	cross, err := p.encode(ctx, c.Index, mel)
	if err != nil {
		return decoder.Result{}, err
	}

	dctx, span := observe.StartSpan(ctx, "pipeline.decode", trace.WithAttributes(attribute.Int("chunk", c.Index)))
	defer span.End()
	t1 := time.Now()
	res, err := p.engine.Decode(dctx, cross)
	if err != nil {
		observe.RecordError(span, err)
		return decoder.Result{}, fmt.Errorf("pipeline: decode chunk %d: %w", c.Index, err)
	}
	span.SetAttributes(
		attribute.Int("steps", res.Steps),
		attribute.Bool("no_speech", res.NoSpeech),
		attribute.Float64("sum_logprob", res.SumLogProb),
	)
	if p.metrics != nil {
		p.metrics.RecordDecode(ctx, time.Since(t1).Seconds(), res.Steps, res.NoSpeech)
	}
	return res, nil
}

// encode runs the encoder and checks its cross cache against the engine's
// geometry. Any failure other than cancellation is an inference error.
func (p *Pipeline) encode(ctx context.Context, index int, mel *features.Mel) (*model.CrossCache, error) {
	ectx, span := observe.StartSpan(ctx, "pipeline.encode", trace.WithAttributes(attribute.Int("chunk", index)))
	defer span.End()

	t0 := time.Now()
	out, err := p.encoder.Encode(ectx, mel)
	if err == nil {
		if out == nil || out.Cross == nil {
			err = fmt.Errorf("encoder returned no cross cache: %w", speech.ErrShape)
		} else {
			err = out.Cross.Validate(p.engine.Dims())
		}
	}
	if err != nil {
		observe.RecordError(span, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("pipeline: encode chunk %d: %w", index, ctxErr)
		}
		return nil, fmt.Errorf("pipeline: encode chunk %d: %w: %w", index, speech.ErrInference, err)
	}
	if p.metrics != nil {
		p.metrics.EncodeDuration.Record(ctx, time.Since(t0).Seconds())
	}
	return out.Cross, nil
}

// textTokens keeps the ordinary text tokens, dropping EOT, the other
// special tokens and timestamps.
func textTokens(ids []speech.Token) []speech.Token {
	out := make([]speech.Token, 0, len(ids))
	for _, id := range ids {
		if id.IsText() {
			out = append(out, id)
		}
	}
	return out
}

// log returns the pipeline logger tagged with the trace id of ctx, if any.
func (p *Pipeline) log(ctx context.Context) *slog.Logger {
	if id := observe.CorrelationID(ctx); id != "" {
		return p.logger.With("trace_id", id)
	}
	return p.logger
}
