// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/memoscribe/pkg/provider/stt"
	"github.com/MrWong99/memoscribe/pkg/speech"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeProvider satisfies stt.Transcriber.
var _ stt.Transcriber = (*NativeProvider)(nil)

// NativeProvider implements stt.Transcriber using whisper.cpp Go bindings
// (CGO). The model is loaded once at startup and shared across all
// transcriptions; each call runs on its own whisper context.
type NativeProvider struct {
	language string
	logger   *slog.Logger

	// mu guards model: Transcribe holds the read lock, Close the write lock.
	mu    sync.RWMutex
	model whisperlib.Model
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeLogger sets the logger. Defaults to slog.Default().
func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(p *NativeProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. Load failures are reported as [speech.ErrModelLoad].
// The caller must call Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("whisper: modelPath must not be empty: %w", speech.ErrModelLoad)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w: %w", modelPath, speech.ErrModelLoad, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. It waits for in-flight transcriptions.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe runs whisper.cpp over samples. whisper.cpp cannot be interrupted
// mid-inference, so ctx is only checked before and after processing.
func (p *NativeProvider) Transcribe(ctx context.Context, samples []float32) (stt.Transcript, error) {
	tr := stt.Transcript{
		Duration: speech.SamplesDuration(len(samples)),
		Provider: "whisper-native",
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}
	if len(samples) == 0 {
		tr.NoSpeech = true
		return tr, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return stt.Transcript{}, fmt.Errorf("%w: %w", errNoModel, speech.ErrInvalidState)
	}

	segs, err := p.infer(samples)
	if err != nil {
		return stt.Transcript{}, err
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}

	tr.Segments = segs
	tr.Text = stt.JoinSegments(segs)
	tr.NoSpeech = tr.Text == ""
	return tr, nil
}

// infer runs whisper.cpp inference using a fresh context and collects the
// non-empty segments.
func (p *NativeProvider) infer(samples []float32) ([]stt.Segment, error) {
	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w: %w", speech.ErrInference, err)
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		p.logger.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w: %w", speech.ErrInference, err)
	}

	var segs []stt.Segment
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w: %w", speech.ErrInference, err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		segs = append(segs, stt.Segment{Start: segment.Start, End: segment.End, Text: text})
	}
	return segs, nil
}
