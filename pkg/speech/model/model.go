// Package model defines the boundary between the decoding engine and an
// encoder/decoder network of the Whisper family.
//
// The network itself is opaque: an implementation may wrap an in-process
// runtime, a sidecar process or a test script. This package fixes the
// contract (tensor shapes, per-step inputs and outputs) and owns the
// attention cache types exchanged across it.
//
// Implementations never wrap their own failures in [speech.ErrInference]
// unless they want to; callers (the decoder engine and the pipeline) do.
package model

import (
	"context"

	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/features"
	"github.com/MrWong99/memoscribe/pkg/speech/tensor"
)

// EncoderOutput is the result of one encoder pass.
type EncoderOutput struct {
	// Hidden is the encoder's final hidden state, [1][CrossLen][D]. It is
	// informational; decoding only needs Cross. May be nil.
	Hidden *tensor.Tensor

	// Cross holds the cross-attention keys and values. It is frozen for the
	// rest of the session.
	Cross *CrossCache
}

// StepInput is everything one decoder step consumes.
type StepInput struct {
	// Token is the previously emitted token (SOT on the first step).
	Token speech.Token

	// Position is the step index in [0, MaxSeqLen).
	Position int

	// Self is the self-attention cache as left by the previous step.
	// Implementations must not mutate it.
	Self *SelfCache

	// Cross is the session's frozen cross-attention cache.
	Cross *CrossCache

	// Mask has MaxSeqLen entries: 0 for positions <= Position and
	// [MaskedValue] after.
	Mask []float32
}

// StepOutput is the result of one decoder step.
type StepOutput struct {
	// Logits has VocabSize raw scores for the next token.
	Logits []float32

	// Self is the complete updated self-attention cache. It replaces the
	// caller's cache wholesale.
	Self *SelfCache
}

// MaskedValue is the additive attention-mask value for positions the decoder
// must not attend to.
const MaskedValue float32 = -1e9

// Encoder runs the audio encoder.
type Encoder interface {
	// Encode consumes one [features.Mel] grid and returns the hidden state
	// and cross-attention cache.
	Encode(ctx context.Context, mel *features.Mel) (*EncoderOutput, error)
}

// Decoder runs a single autoregressive decoder step.
type Decoder interface {
	DecodeStep(ctx context.Context, in StepInput) (*StepOutput, error)
}

// Model is a loaded encoder/decoder pair. Close releases its runtime
// resources; using a Model after Close is an error.
type Model interface {
	Encoder
	Decoder
	Close() error
}

// Mask builds the attention mask for position in a sequence of maxSeqLen.
func Mask(position, maxSeqLen int) []float32 {
	m := make([]float32, maxSeqLen)
	for i := position + 1; i < maxSeqLen; i++ {
		m[i] = MaskedValue
	}
	return m
}
