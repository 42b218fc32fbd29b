package decoder

import (
	"math"
	"testing"
)

func TestLogSoftmax(t *testing.T) {
	in := []float32{1, 2, 3}
	out := LogSoftmax(in)

	var sum float64
	for _, v := range out {
		sum += math.Exp(float64(v))
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("probabilities sum to %v, want 1", sum)
	}
	if in[0] != 1 || in[2] != 3 {
		t.Error("LogSoftmax modified its input")
	}
	if Argmax(out) != 2 {
		t.Errorf("Argmax = %d, want 2", Argmax(out))
	}
}

func TestLogSoftmax_LargeLogitsStayFinite(t *testing.T) {
	out := LogSoftmax([]float32{1000, 1000})
	for i, v := range out {
		if math.IsNaN(float64(v)) || math.Abs(float64(v)-math.Log(0.5)) > 1e-6 {
			t.Errorf("out[%d] = %v, want log(0.5)", i, v)
		}
	}
}

func TestLogSoftmax_NegInf(t *testing.T) {
	out := LogSoftmax([]float32{negInf, 0})
	if !math.IsInf(float64(out[0]), -1) {
		t.Errorf("out[0] = %v, want -Inf", out[0])
	}
	if out[1] != 0 {
		t.Errorf("out[1] = %v, want 0", out[1])
	}
	all := LogSoftmax([]float32{negInf, negInf})
	for i, v := range all {
		if !math.IsInf(float64(v), -1) {
			t.Errorf("all[%d] = %v, want -Inf", i, v)
		}
	}
}

func TestLogSumExp(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want float64
	}{
		{"empty", nil, math.Inf(-1)},
		{"all -inf", []float32{negInf, negInf}, math.Inf(-1)},
		{"single", []float32{2}, 2},
		{"pair", []float32{0, 0}, math.Log(2)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := LogSumExp(tc.in)
			if math.IsInf(tc.want, -1) {
				if !math.IsInf(got, -1) {
					t.Errorf("got %v, want -Inf", got)
				}
				return
			}
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestArgmax(t *testing.T) {
	if got := Argmax(nil); got != -1 {
		t.Errorf("Argmax(nil) = %d, want -1", got)
	}
	if got := Argmax([]float32{1, 5, 5, 2}); got != 1 {
		t.Errorf("Argmax ties = %d, want first index 1", got)
	}
	if got := Argmax([]float32{negInf, negInf}); got != 0 {
		t.Errorf("Argmax(all -Inf) = %d, want 0", got)
	}
}
