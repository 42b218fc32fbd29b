// Package stt defines the Transcriber interface for batch speech-to-text
// backends.
//
// A Transcriber turns a complete mono recording at [speech.SampleRate] into a
// single [Transcript]. The on-device decoding pipeline is the primary
// implementation; the whisper and openai sub-packages provide alternative
// backends that the resilience layer can fail over to.
//
// Implementations must be safe for concurrent use. Implementations that hold
// native resources also implement io.Closer.
package stt

import "context"

// Transcriber is the abstraction over any batch speech-to-text backend.
type Transcriber interface {
	// Transcribe converts samples (mono float32 in [-1, 1] at 16 kHz) into a
	// transcript.
	//
	// Empty input is not an error: it yields a Transcript with NoSpeech set.
	// On error no partial text is returned. Errors wrap the sentinels in
	// package speech so callers can classify them with errors.Is.
	Transcribe(ctx context.Context, samples []float32) (Transcript, error)
}
