// Package audio defines the capture-side abstractions and PCM helpers used by
// memoscribe.
//
// The primary abstractions are:
//
//   - [CaptureDevice]: a blocking source of mono float32 samples (host
//     microphone, WebSocket stream, test double).
//   - [Recorder]: the start/stop capture protocol: one dedicated worker
//     drains a CaptureDevice into an unbounded buffer until Stop joins it.
//   - [Chunk] / [Split]: fixed-duration windows cut from captured samples.
//
// Implementations of CaptureDevice are provided by adapter packages (e.g.,
// audio/miniaudio) and by [StreamDevice] for network-fed audio.
//
// This package lives under pkg/ because external code (platform-specific
// capture adapters) is expected to implement [CaptureDevice].
package audio

import "context"

// CaptureDevice is a blocking source of mono float32 PCM samples normalised to
// [-1, 1] at the pipeline sample rate.
//
// Read blocks until at least one sample is available, the device is
// exhausted, or ctx is cancelled. It returns the number of samples written to
// dst. Returning [io.EOF] ends capture cleanly; ctx.Err() is returned on
// cancellation. Any other error means the device failed.
//
// A CaptureDevice is read by a single goroutine at a time.
type CaptureDevice interface {
	Read(ctx context.Context, dst []float32) (int, error)

	// Close releases the device. It is safe to call more than once.
	Close() error
}
