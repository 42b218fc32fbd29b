// Package mock provides a scripted [model.Model] for use in unit tests.
//
// The mock is safe for concurrent use. It records every call so tests can
// assert on what the engine fed the model, and it exposes exported fields
// that control what each call returns.
//
// Typical usage:
//
//	m := &mock.Model{
//	    Dims:   dims,
//	    Tokens: []speech.Token{400, 401, speech.EOT},
//	}
//	eng := decoder.New(m, decoder.WithDims(dims))
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/features"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
)

// PeakLogit is the score [Logits] gives the selected token. Every other
// token scores 0.
const PeakLogit float32 = 20

// Logits returns VocabSize zero logits with tok raised to [PeakLogit].
func Logits(tok speech.Token) []float32 {
	l := make([]float32, speech.VocabSize)
	if tok.Valid() {
		l[tok] = PeakLogit
	}
	return l
}

// StepCall records one DecodeStep invocation.
type StepCall struct {
	Token    speech.Token
	Position int
	Mask     []float32

	// SelfValid is the Valid count of the cache the engine passed in.
	SelfValid int
}

// ─── Model ───────────────────────────────────────────────────────────────────

// Model is a mock implementation of [model.Model].
type Model struct {
	mu sync.Mutex

	// Dims is the geometry of the caches the mock produces. Zero selects
	// model.DefaultDims().
	Dims model.Dims

	// EncodeResult is returned by Encode. When nil, Encode returns a zeroed
	// cross cache of Dims.
	EncodeResult *model.EncoderOutput

	// EncodeErr is returned by Encode.
	EncodeErr error

	// Tokens scripts DecodeStep: step i returns Logits(Tokens[i]). Steps past
	// the end return Logits(speech.EOT).
	Tokens []speech.Token

	// StepFunc, when set, replaces Tokens and computes the logits for a step.
	StepFunc func(in model.StepInput) []float32

	// StepErr is returned by DecodeStep once Position reaches StepErrAt.
	StepErr   error
	StepErrAt int

	// CloseErr is returned by Close.
	CloseErr error

	// EncodeCalls records the grids passed to Encode.
	EncodeCalls []*features.Mel

	// StepCalls records every DecodeStep invocation in order.
	StepCalls []StepCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

func (m *Model) dims() model.Dims {
	if m.Dims == (model.Dims{}) {
		return model.DefaultDims()
	}
	return m.Dims
}

// Encode implements [model.Encoder].
func (m *Model) Encode(_ context.Context, mel *features.Mel) (*model.EncoderOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EncodeCalls = append(m.EncodeCalls, mel)
	if m.EncodeErr != nil {
		return nil, m.EncodeErr
	}
	if m.EncodeResult != nil {
		return m.EncodeResult, nil
	}
	return &model.EncoderOutput{Cross: model.NewCrossCache(m.dims())}, nil
}

// DecodeStep implements [model.Decoder]. The returned self cache is a copy
// of the input with 1 written to K[l][0][0][Position] for every layer.
func (m *Model) DecodeStep(_ context.Context, in model.StepInput) (*model.StepOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := StepCall{Token: in.Token, Position: in.Position, Mask: slices.Clone(in.Mask)}
	if in.Self != nil {
		call.SelfValid = in.Self.Valid
	}
	m.StepCalls = append(m.StepCalls, call)

	if m.StepErr != nil && in.Position >= m.StepErrAt {
		return nil, m.StepErr
	}

	var logits []float32
	switch {
	case m.StepFunc != nil:
		logits = m.StepFunc(in)
	case in.Position < len(m.Tokens):
		logits = Logits(m.Tokens[in.Position])
	default:
		logits = Logits(speech.EOT)
	}

	var self *model.SelfCache
	if in.Self != nil {
		self = in.Self.Clone()
		for l := range m.dims().Layers {
			self.K.Set(1, l, 0, 0, in.Position)
		}
	}
	return &model.StepOutput{Logits: logits, Self: self}, nil
}

// Close implements [model.Model].
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	return m.CloseErr
}

// Steps returns a copy of the recorded step calls.
func (m *Model) Steps() []StepCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.StepCalls)
}

// Encodes returns how many times Encode was called.
func (m *Model) Encodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.EncodeCalls)
}

// Compile-time interface assertion.
var _ model.Model = (*Model)(nil)
