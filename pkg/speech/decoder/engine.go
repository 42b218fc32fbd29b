// Package decoder implements constrained greedy decoding over a
// [model.Decoder].
//
// An [Engine] owns the self-attention cache and the per-session state
// machine:
//
//	Ready (index -1) ──Step(0)──▶ Stepping (0..MaxSeqLen-1) ──▶ Done
//
// A session ends when a step selects EOT, when the last position
// (MaxSeqLen-1) has been decoded, or when the no-speech gate fires on step 0.
// Every step filters the raw logits through a fixed chain of [Rule]s before
// taking the argmax; see rules.go.
//
// An Engine is not safe for concurrent sessions: [Engine.Decode] serialises
// callers through a session lock. Use one Engine per concurrent transcription.
package decoder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
)

// StepResult is the outcome of one [Engine.Step].
type StepResult struct {
	// Token is the selected token. On a no-speech exit it is [speech.NoSpeech]
	// and is not part of the history.
	Token speech.Token

	// LogProb is the selected token's log-probability under the unfiltered
	// distribution.
	LogProb float64

	// Done reports that the session reached its terminal state.
	Done bool

	// NoSpeech reports that the step-0 no-speech gate fired.
	NoSpeech bool
}

// Result is the outcome of a complete [Engine.Decode] session.
type Result struct {
	// Tokens is the emitted history, without SOT and EOT. It may still
	// contain timestamp tokens.
	Tokens []speech.Token

	// SumLogProb is the accumulated log-probability of every selected token,
	// EOT included.
	SumLogProb float64

	// NoSpeech reports that decoding stopped at the no-speech gate.
	NoSpeech bool

	// Steps is the number of decoder steps run.
	Steps int
}

// State is a snapshot of the engine's session state.
type State struct {
	Index      int
	Tokens     []speech.Token
	SumLogProb float64
	Done       bool
	NoSpeech   bool
}

// Engine runs constrained greedy decoding sessions.
type Engine struct {
	dec               model.Decoder
	dims              model.Dims
	noSpeechThreshold float64
	suppressTokens    []speech.Token
	maxInitial        int
	timestamps        bool
	logger            *slog.Logger
	rules             []Rule

	// session serialises Decode calls.
	session sync.Mutex

	// mu guards the fields below.
	mu       sync.Mutex
	cross    *model.CrossCache
	self     *model.SelfCache
	index    int
	history  History
	sum      float64
	done     bool
	noSpeech bool
}

// Option configures an [Engine].
type Option func(*Engine)

// WithDims sets the cache geometry. Defaults to [model.DefaultDims].
func WithDims(d model.Dims) Option {
	return func(e *Engine) { e.dims = d }
}

// WithNoSpeechThreshold sets the step-0 NoSpeech probability above which the
// session ends with an empty result. Defaults to 0.6.
func WithNoSpeechThreshold(p float64) Option {
	return func(e *Engine) { e.noSpeechThreshold = p }
}

// WithSuppressTokens replaces the non-speech suppression list. Defaults to
// [DefaultSuppressTokens]. NoTimestamps is suppressed regardless.
func WithSuppressTokens(ids []speech.Token) Option {
	return func(e *Engine) { e.suppressTokens = slices.Clone(ids) }
}

// WithMaxInitialTimestamp sets the latest timestamp (in 20 ms steps) the
// first token may take. Negative disables the ceiling. Defaults to 50.
func WithMaxInitialTimestamp(steps int) Option {
	return func(e *Engine) { e.maxInitial = steps }
}

// WithTimestamps enables or disables timestamp decoding. When disabled every
// timestamp token is suppressed and the timestamp rules are skipped.
// Defaults to true.
func WithTimestamps(enabled bool) Option {
	return func(e *Engine) { e.timestamps = enabled }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Engine stepping dec. The engine starts without a cross
// cache; call [Engine.InitializeCache] or [Engine.Decode].
func New(dec model.Decoder, opts ...Option) *Engine {
	e := &Engine{
		dec:               dec,
		dims:              model.DefaultDims(),
		noSpeechThreshold: speech.NoSpeechThreshold,
		suppressTokens:    DefaultSuppressTokens,
		maxInitial:        speech.MaxInitialTimestamp,
		timestamps:        true,
		logger:            slog.Default(),
		index:             -1,
	}
	for _, o := range opts {
		o(e)
	}
	e.self = model.NewSelfCache(e.dims)
	e.rules = e.buildRules()
	return e
}

// buildRules composes the logit filter chain in its fixed order.
func (e *Engine) buildRules() []Rule {
	rules := []Rule{SuppressTokens(e.suppressTokens)}
	if !e.timestamps {
		return append(rules, SuppressTimestamps)
	}
	return append(rules,
		TimestampPairing,
		MonotonicTimestamps,
		InitialTimestamp(e.maxInitial),
		TimestampDominance,
	)
}

// Dims returns the engine's cache geometry.
func (e *Engine) Dims() model.Dims { return e.dims }

// ─── Cache lifecycle ─────────────────────────────────────────────────────────

// InitializeCache validates cross against the engine's dims, binds it
// read-only for the session, clears the self cache and returns the state
// machine to Ready. A mismatch is reported as [speech.ErrShape] and leaves
// the engine unchanged.
func (e *Engine) InitializeCache(cross *model.CrossCache) error {
	if err := cross.Validate(e.dims); err != nil {
		return fmt.Errorf("decoder: initialize cache: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cross = cross
	e.resetLocked()
	return nil
}

// ResetCache unbinds the cross cache, zeroes the self cache and returns the
// state machine to Ready. Steps fail with [speech.ErrInvalidState] until the
// next InitializeCache.
func (e *Engine) ResetCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cross = nil
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	if e.self == nil || e.self.Validate(e.dims) != nil {
		e.self = model.NewSelfCache(e.dims)
	} else {
		e.self.Reset()
	}
	e.index = -1
	e.history = nil
	e.sum = 0
	e.done = false
	e.noSpeech = false
}

// State returns a snapshot of the current session.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Index:      e.index,
		Tokens:     slices.Clone(e.history),
		SumLogProb: e.sum,
		Done:       e.done,
		NoSpeech:   e.noSpeech,
	}
}

// ─── Stepping ────────────────────────────────────────────────────────────────

// Step runs decoder position index with prev as the input token (SOT for
// index 0) and returns the selected token.
//
// index must be exactly one past the last step and below MaxSeqLen; a step
// before InitializeCache or after the session is Done is rejected. All of
// these return [speech.ErrInvalidState]. A failing or malformed model call
// returns [speech.ErrInference], discards the session history and leaves the
// engine Done. ctx is checked before any work is done.
func (e *Engine) Step(ctx context.Context, index int, prev speech.Token) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return StepResult{}, fmt.Errorf("decoder: step %d: %w", index, err)
	}
	switch {
	case e.cross == nil:
		return StepResult{}, fmt.Errorf("decoder: step %d before cache initialisation: %w", index, speech.ErrInvalidState)
	case e.done:
		return StepResult{}, fmt.Errorf("decoder: step %d after session end: %w", index, speech.ErrInvalidState)
	case index < 0 || index >= e.dims.MaxSeqLen:
		return StepResult{}, fmt.Errorf("decoder: step %d outside [0, %d): %w", index, e.dims.MaxSeqLen, speech.ErrInvalidState)
	case index != e.index+1:
		return StepResult{}, fmt.Errorf("decoder: step %d, want %d: %w", index, e.index+1, speech.ErrInvalidState)
	}

	out, err := e.dec.DecodeStep(ctx, model.StepInput{
		Token:    prev,
		Position: index,
		Self:     e.self,
		Cross:    e.cross,
		Mask:     model.Mask(index, e.dims.MaxSeqLen),
	})
	if err == nil {
		err = e.checkOutput(out)
	}
	if err != nil {
		e.failLocked()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return StepResult{}, fmt.Errorf("decoder: step %d: %w", index, ctxErr)
		}
		return StepResult{}, fmt.Errorf("decoder: step %d: %w: %w", index, speech.ErrInference, err)
	}

	e.self = out.Self
	e.self.Valid = index + 1
	e.index = index

	raw := LogSoftmax(out.Logits)

	if index == 0 {
		p := math.Exp(float64(raw[speech.NoSpeech]))
		if p > e.noSpeechThreshold {
			e.done = true
			e.noSpeech = true
			e.logger.Debug("no speech detected", "probability", p)
			return StepResult{Token: speech.NoSpeech, LogProb: float64(raw[speech.NoSpeech]), Done: true, NoSpeech: true}, nil
		}
	}

	filtered := Apply(e.rules, out.Logits, e.history)
	tok := speech.Token(Argmax(filtered))
	lp := float64(raw[tok])
	e.sum += lp

	res := StepResult{Token: tok, LogProb: lp}
	if tok == speech.EOT {
		e.done = true
		res.Done = true
		return res, nil
	}
	e.history = append(e.history, tok)
	if index == e.dims.MaxSeqLen-1 {
		e.done = true
		res.Done = true
		e.logger.Debug("decoder reached maximum sequence length", "max_seq_len", e.dims.MaxSeqLen)
	}
	return res, nil
}

// checkOutput rejects model outputs that do not match the contract.
func (e *Engine) checkOutput(out *model.StepOutput) error {
	if out == nil {
		return fmt.Errorf("nil step output: %w", speech.ErrShape)
	}
	if err := speech.CheckShape("logits", []int{len(out.Logits)}, speech.VocabSize); err != nil {
		return err
	}
	return out.Self.Validate(e.dims)
}

// failLocked discards the partial session after an inference failure.
func (e *Engine) failLocked() {
	e.history = nil
	e.sum = 0
	e.done = true
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// Decode runs a complete session over cross: it initialises the caches,
// steps from SOT until the session is Done and returns the emitted tokens.
// On any error no tokens are returned.
func (e *Engine) Decode(ctx context.Context, cross *model.CrossCache) (Result, error) {
	e.session.Lock()
	defer e.session.Unlock()

	if err := e.InitializeCache(cross); err != nil {
		return Result{}, err
	}

	prev := speech.SOT
	steps := 0
	for index := 0; ; index++ {
		res, err := e.Step(ctx, index, prev)
		if err != nil {
			return Result{}, err
		}
		steps++
		if res.Done {
			break
		}
		prev = res.Token
	}

	st := e.State()
	return Result{
		Tokens:     st.Tokens,
		SumLogProb: st.SumLogProb,
		NoSpeech:   st.NoSpeech,
		Steps:      steps,
	}, nil
}
