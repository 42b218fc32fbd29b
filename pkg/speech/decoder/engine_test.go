package decoder

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/model"
	"github.com/MrWong99/memoscribe/pkg/speech/model/mock"
)

// Text tokens outside the suppression list.
const (
	t1 = speech.Token(400)
	t2 = speech.Token(401)
)

var testDims = model.Dims{Layers: 2, HeadDim: 4, CrossLen: 6, MaxSeqLen: 8}

func newEngine(t *testing.T, m *mock.Model, opts ...Option) *Engine {
	t.Helper()
	m.Dims = testDims
	return New(m, append([]Option{WithDims(testDims)}, opts...)...)
}

func TestDecode_TimestampsDisabled(t *testing.T) {
	m := &mock.Model{Tokens: []speech.Token{t1, t2, speech.EOT}}
	e := newEngine(t, m, WithTimestamps(false))

	res, err := e.Decode(context.Background(), model.NewCrossCache(testDims))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(res.Tokens) != 2 || res.Tokens[0] != t1 || res.Tokens[1] != t2 {
		t.Fatalf("Tokens = %v, want [%d %d]", res.Tokens, t1, t2)
	}
	if res.Steps != 3 || res.NoSpeech {
		t.Errorf("Steps = %d NoSpeech = %v, want 3 false", res.Steps, res.NoSpeech)
	}
	if res.SumLogProb >= 0 {
		t.Errorf("SumLogProb = %v, want negative", res.SumLogProb)
	}

	calls := m.Steps()
	if calls[0].Token != speech.SOT || calls[1].Token != t1 || calls[2].Token != t2 {
		t.Errorf("fed tokens = %v %v %v, want SOT t1 t2", calls[0].Token, calls[1].Token, calls[2].Token)
	}
	for i, c := range calls {
		if c.Position != i || c.SelfValid != i {
			t.Errorf("call %d: Position=%d SelfValid=%d, want %d", i, c.Position, c.SelfValid, i)
		}
	}
}

func TestDecode_TimestampsEnabled(t *testing.T) {
	m := &mock.Model{Tokens: []speech.Token{tb, t1, t2, tb + 5, speech.EOT}}
	e := newEngine(t, m)

	res, err := e.Decode(context.Background(), model.NewCrossCache(testDims))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []speech.Token{tb, t1, t2, tb + 5}
	if len(res.Tokens) != len(want) {
		t.Fatalf("Tokens = %v, want %v", res.Tokens, want)
	}
	for i := range want {
		if res.Tokens[i] != want[i] {
			t.Errorf("token %d = %d, want %d", i, res.Tokens[i], want[i])
		}
	}
}

func TestDecode_FirstTokenIsTimestamp(t *testing.T) {
	// The model prefers text on step 0; the initial rule forces a timestamp.
	m := &mock.Model{Tokens: []speech.Token{t1}}
	e := newEngine(t, m)
	if err := e.InitializeCache(model.NewCrossCache(testDims)); err != nil {
		t.Fatalf("InitializeCache: %v", err)
	}
	res, err := e.Step(context.Background(), 0, speech.SOT)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !res.Token.IsTimestamp() || res.Token > tb+speech.MaxInitialTimestamp {
		t.Errorf("first token = %d, want timestamp in [%d, %d]", res.Token, tb, tb+speech.MaxInitialTimestamp)
	}
}

func TestDecode_NoSpeech(t *testing.T) {
	m := &mock.Model{Tokens: []speech.Token{speech.NoSpeech, t1, speech.EOT}}
	e := newEngine(t, m)

	res, err := e.Decode(context.Background(), model.NewCrossCache(testDims))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !res.NoSpeech || len(res.Tokens) != 0 || res.Steps != 1 {
		t.Fatalf("res = %+v, want NoSpeech with no tokens after 1 step", res)
	}
	if n := len(m.Steps()); n != 1 {
		t.Errorf("DecodeStep called %d times, want 1", n)
	}
}

func TestDecode_NoSpeechThreshold(t *testing.T) {
	// With the gate above 1 the no-speech exit can never fire.
	m := &mock.Model{Tokens: []speech.Token{speech.NoSpeech, t1, speech.EOT}}
	e := newEngine(t, m, WithNoSpeechThreshold(1.1), WithTimestamps(false))
	res, err := e.Decode(context.Background(), model.NewCrossCache(testDims))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.NoSpeech {
		t.Error("no-speech gate fired above threshold 1")
	}
}

func TestDecode_StopsAtMaxSeqLen(t *testing.T) {
	m := &mock.Model{StepFunc: func(model.StepInput) []float32 { return mock.Logits(t1) }}
	e := newEngine(t, m, WithTimestamps(false))

	res, err := e.Decode(context.Background(), model.NewCrossCache(testDims))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Steps != testDims.MaxSeqLen || len(res.Tokens) != testDims.MaxSeqLen {
		t.Fatalf("Steps = %d, tokens = %d, want %d", res.Steps, len(res.Tokens), testDims.MaxSeqLen)
	}
	st := e.State()
	if !st.Done || st.Index != testDims.MaxSeqLen-1 {
		t.Errorf("State = %+v, want Done at index %d", st, testDims.MaxSeqLen-1)
	}
}

func TestDecode_InferenceErrorDiscardsHistory(t *testing.T) {
	boom := errors.New("runtime crashed")
	m := &mock.Model{Tokens: []speech.Token{t1, t2, speech.EOT}, StepErr: boom, StepErrAt: 2}
	e := newEngine(t, m, WithTimestamps(false))

	res, err := e.Decode(context.Background(), model.NewCrossCache(testDims))
	if !errors.Is(err, speech.ErrInference) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrInference wrapping %v", err, boom)
	}
	if len(res.Tokens) != 0 {
		t.Errorf("partial tokens returned: %v", res.Tokens)
	}
	if st := e.State(); len(st.Tokens) != 0 || !st.Done {
		t.Errorf("State = %+v, want empty and Done", st)
	}
}

func TestDecode_MalformedLogits(t *testing.T) {
	m := &mock.Model{StepFunc: func(model.StepInput) []float32 { return make([]float32, 10) }}
	e := newEngine(t, m)
	_, err := e.Decode(context.Background(), model.NewCrossCache(testDims))
	if !errors.Is(err, speech.ErrInference) || !errors.Is(err, speech.ErrShape) {
		t.Fatalf("err = %v, want ErrInference and ErrShape", err)
	}
}

func TestDecode_RejectsWrongCrossShape(t *testing.T) {
	m := &mock.Model{}
	e := newEngine(t, m)
	bad := model.NewCrossCache(model.Dims{Layers: 2, HeadDim: 4, CrossLen: 7, MaxSeqLen: 8})
	_, err := e.Decode(context.Background(), bad)
	var se *speech.ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ShapeError", err)
	}
	if len(m.Steps()) != 0 {
		t.Error("model stepped with a rejected cache")
	}
}

func TestDecode_Canceled(t *testing.T) {
	m := &mock.Model{Tokens: []speech.Token{t1}}
	e := newEngine(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Decode(ctx, model.NewCrossCache(testDims))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(m.Steps()) != 0 {
		t.Error("model stepped after cancellation")
	}
}

// cancellingDecoder cancels the session context from inside the model call,
// as a client disconnect during a step does.
type cancellingDecoder struct {
	cancel context.CancelFunc
}

func (d cancellingDecoder) DecodeStep(ctx context.Context, _ model.StepInput) (*model.StepOutput, error) {
	d.cancel()
	return nil, fmt.Errorf("backend: %w", ctx.Err())
}

func TestDecode_CanceledDuringStepIsNotInference(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(cancellingDecoder{cancel: cancel}, WithDims(testDims))

	_, err := e.Decode(ctx, model.NewCrossCache(testDims))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, speech.ErrInference) {
		t.Errorf("err = %v, cancellation must not count as an inference failure", err)
	}
	if kind := speech.Kind(err); kind != "canceled" {
		t.Errorf("Kind = %q, want canceled", kind)
	}
	if !e.State().Done {
		t.Error("session not ended after cancellation")
	}
}

func TestStep_InvalidState(t *testing.T) {
	ctx := context.Background()
	m := &mock.Model{Tokens: []speech.Token{t1, t2, speech.EOT}}
	e := newEngine(t, m, WithTimestamps(false))

	if _, err := e.Step(ctx, 0, speech.SOT); !errors.Is(err, speech.ErrInvalidState) {
		t.Fatalf("step before init: err = %v, want ErrInvalidState", err)
	}
	if err := e.InitializeCache(model.NewCrossCache(testDims)); err != nil {
		t.Fatalf("InitializeCache: %v", err)
	}
	if _, err := e.Step(ctx, 1, speech.SOT); !errors.Is(err, speech.ErrInvalidState) {
		t.Errorf("skipped index: err = %v, want ErrInvalidState", err)
	}
	if _, err := e.Step(ctx, testDims.MaxSeqLen, speech.SOT); !errors.Is(err, speech.ErrInvalidState) {
		t.Errorf("index past MaxSeqLen: err = %v, want ErrInvalidState", err)
	}
	if _, err := e.Step(ctx, -1, speech.SOT); !errors.Is(err, speech.ErrInvalidState) {
		t.Errorf("negative index: err = %v, want ErrInvalidState", err)
	}

	prev := speech.SOT
	for i := range 3 {
		res, err := e.Step(ctx, i, prev)
		if err != nil {
			t.Fatalf("Step(%d): %v", i, err)
		}
		prev = res.Token
	}
	if _, err := e.Step(ctx, 3, prev); !errors.Is(err, speech.ErrInvalidState) {
		t.Errorf("step after EOT: err = %v, want ErrInvalidState", err)
	}
}

func TestStep_CacheValidLength(t *testing.T) {
	ctx := context.Background()
	m := &mock.Model{StepFunc: func(model.StepInput) []float32 { return mock.Logits(t1) }}
	e := newEngine(t, m, WithTimestamps(false))
	if err := e.InitializeCache(model.NewCrossCache(testDims)); err != nil {
		t.Fatalf("InitializeCache: %v", err)
	}
	prev := speech.SOT
	for i := range 4 {
		res, err := e.Step(ctx, i, prev)
		if err != nil {
			t.Fatalf("Step(%d): %v", i, err)
		}
		prev = res.Token
		e.mu.Lock()
		valid := e.self.Valid
		e.mu.Unlock()
		if valid != i+1 {
			t.Errorf("after Step(%d): Valid = %d, want %d", i, valid, i+1)
		}
	}

	// The mask given to the model unmasks exactly positions <= index.
	for _, c := range m.Steps() {
		for p, v := range c.Mask {
			want := float32(0)
			if p > c.Position {
				want = model.MaskedValue
			}
			if v != want {
				t.Fatalf("step %d: mask[%d] = %v, want %v", c.Position, p, v, want)
			}
		}
	}
}

func TestResetCache_IsolatesSessions(t *testing.T) {
	// The model answers t1 only when it sees a clean cache: nothing at or
	// after the current position. Any leftover state yields t2.
	clean := func(in model.StepInput) bool {
		if in.Self.Valid != in.Position {
			return false
		}
		for l := range testDims.Layers {
			for d := range testDims.HeadDim {
				for p := in.Position; p < testDims.MaxSeqLen; p++ {
					if in.Self.K.At(l, 0, d, p) != 0 || in.Self.V.At(l, 0, p, d) != 0 {
						return false
					}
				}
			}
		}
		return true
	}
	m := &mock.Model{StepFunc: func(in model.StepInput) []float32 {
		if in.Position >= 2 {
			return mock.Logits(speech.EOT)
		}
		if !clean(in) {
			return mock.Logits(t2)
		}
		return mock.Logits(t1)
	}}
	e := newEngine(t, m, WithTimestamps(false))
	ctx := context.Background()

	first, err := e.Decode(ctx, model.NewCrossCache(testDims))
	if err != nil {
		t.Fatalf("first Decode: %v", err)
	}

	// Fill the live self cache with a sentinel, as a misbehaving model might.
	e.mu.Lock()
	e.self.K.Fill(9)
	e.self.V.Fill(9)
	e.self.Valid = testDims.MaxSeqLen
	e.mu.Unlock()
	e.ResetCache()
	if st := e.State(); st.Index != -1 || st.Done || len(st.Tokens) != 0 {
		t.Fatalf("State after reset = %+v, want Ready", st)
	}
	if _, err := e.Step(ctx, 0, speech.SOT); !errors.Is(err, speech.ErrInvalidState) {
		t.Errorf("step after ResetCache: err = %v, want ErrInvalidState", err)
	}

	second, err := e.Decode(ctx, model.NewCrossCache(testDims))
	if err != nil {
		t.Fatalf("second Decode: %v", err)
	}
	if len(first.Tokens) != 2 || len(second.Tokens) != 2 {
		t.Fatalf("tokens = %v / %v, want 2 each", first.Tokens, second.Tokens)
	}
	for i := range first.Tokens {
		if first.Tokens[i] != t1 || second.Tokens[i] != t1 {
			t.Errorf("token %d = %d / %d, want %d in both sessions", i, first.Tokens[i], second.Tokens[i], t1)
		}
	}
}

func TestDecode_TimestampsAreMonotonic(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	dims := model.Dims{Layers: 1, HeadDim: 2, CrossLen: 3, MaxSeqLen: 48}
	m := &mock.Model{Dims: dims, StepFunc: func(model.StepInput) []float32 {
		l := make([]float32, speech.VocabSize)
		for i := range l {
			l[i] = float32(rng.NormFloat64())
		}
		// Make timestamps and EOT competitive with text.
		for i := int(tb); i < len(l); i++ {
			l[i] += 2
		}
		l[speech.EOT] -= 3
		return l
	}}
	e := New(m, WithDims(dims))

	for round := range 5 {
		res, err := e.Decode(context.Background(), model.NewCrossCache(dims))
		if err != nil {
			t.Fatalf("round %d: Decode: %v", round, err)
		}
		if len(res.Tokens) == 0 || !res.Tokens[0].IsTimestamp() {
			t.Fatalf("round %d: first token %v is not a timestamp", round, res.Tokens)
		}
		last := speech.Token(-1)
		for i, tok := range res.Tokens {
			if !tok.IsTimestamp() {
				continue
			}
			if tok < last {
				t.Fatalf("round %d: timestamp %d at %d after %d", round, tok, i, last)
			}
			last = tok
		}
	}
}

func TestDecode_SerialisesSessions(t *testing.T) {
	m := &mock.Model{Tokens: []speech.Token{t1, t2, speech.EOT}}
	e := newEngine(t, m, WithTimestamps(false))
	errs := make(chan error, 4)
	for range 4 {
		go func() {
			res, err := e.Decode(context.Background(), model.NewCrossCache(testDims))
			if err == nil && len(res.Tokens) != 2 {
				err = errors.New("interleaved session")
			}
			errs <- err
		}()
	}
	for range 4 {
		if err := <-errs; err != nil {
			t.Errorf("Decode: %v", err)
		}
	}
}
