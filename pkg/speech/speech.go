// Package speech holds the constants, token type and error taxonomy shared by
// the on-device speech-to-text packages (features, model, decoder, tokenizer,
// pipeline).
//
// The constants are authoritative for interop with an encoder/decoder model
// of the Whisper family: every tensor shape and reserved token id used by the
// decoding engine is derived from them.
package speech

import "time"

// Audio framing.
const (
	// SampleRate is the only sample rate the pipeline accepts, in Hz.
	SampleRate = 16000

	// ChunkSeconds is the maximum duration of one encoder window.
	ChunkSeconds = 30

	// SamplesPerChunk is the number of samples in one full chunk (30 s at 16 kHz).
	SamplesPerChunk = SampleRate * ChunkSeconds

	// NFFT is the analysis window length in samples (25 ms).
	NFFT = 400

	// HopLength is the stride between frames in samples (10 ms).
	HopLength = 160

	// NMels is the number of mel bins per frame.
	NMels = 80

	// NFrames is the number of frames per chunk.
	NFrames = SamplesPerChunk / HopLength
)

// Model geometry.
const (
	VocabSize = 51865
	NumLayers = 12
	MaxSeqLen = 224
	HeadDim   = 64
	CrossLen  = 1500
)

// Reserved token ids.
const (
	EOT            Token = 50256
	SOT            Token = 50257
	NoSpeech       Token = 50361
	NoTimestamps   Token = 50362
	TimestampBegin Token = 50363
)

// Decoding defaults.
const (
	// NoSpeechThreshold is the step-0 probability of NoSpeech above which
	// decoding stops with an empty transcript.
	NoSpeechThreshold = 0.6

	// MaxInitialTimestamp is the highest timestamp offset (in 20 ms steps)
	// allowed for the very first token: 50 steps is 1.0 s.
	MaxInitialTimestamp = 50

	// TimestampStep is the time one timestamp token advances.
	TimestampStep = 20 * time.Millisecond
)

// Token is a vocabulary id in [0, VocabSize).
type Token int32

// IsTimestamp reports whether t is a timestamp token.
func (t Token) IsTimestamp() bool { return t >= TimestampBegin }

// IsText reports whether t is an ordinary text token (below EOT).
func (t Token) IsText() bool { return t >= 0 && t < EOT }

// Valid reports whether t lies inside the vocabulary.
func (t Token) Valid() bool { return t >= 0 && t < VocabSize }

// Offset returns the time a timestamp token stands for. It returns 0 for
// non-timestamp tokens.
func (t Token) Offset() time.Duration {
	if !t.IsTimestamp() {
		return 0
	}
	return time.Duration(t-TimestampBegin) * TimestampStep
}

// SamplesDuration converts a sample count at [SampleRate] into a duration.
func SamplesDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
