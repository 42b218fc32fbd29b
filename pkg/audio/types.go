package audio

import "time"

// AudioFrame represents a single frame of 16-bit PCM audio arriving from a
// network client before it is normalised for the pipeline.
type AudioFrame struct {
	// PCM audio data, little-endian int16 samples, interleaved if Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for browser capture, 16000 for the pipeline).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
