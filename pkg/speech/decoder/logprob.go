package decoder

import "math"

var negInf = float32(math.Inf(-1))

// LogSoftmax returns log(softmax(logits)) in a new slice. The maximum logit
// is subtracted before exponentiating. -Inf entries stay -Inf; if every
// entry is -Inf the result is all -Inf.
func LogSoftmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	lse := LogSumExp(logits)
	if math.IsInf(lse, -1) {
		for i := range out {
			out[i] = negInf
		}
		return out
	}
	for i, x := range logits {
		out[i] = float32(float64(x) - lse)
	}
	return out
}

// LogSumExp returns log(sum(exp(x))) using max subtraction. It returns -Inf
// for an empty slice or when every entry is -Inf.
func LogSumExp(x []float32) float64 {
	m := math.Inf(-1)
	for _, v := range x {
		m = max(m, float64(v))
	}
	if math.IsInf(m, -1) {
		return m
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v) - m)
	}
	return m + math.Log(sum)
}

// Argmax returns the index of the first maximum, or -1 for an empty slice.
func Argmax(x []float32) int {
	best := -1
	for i, v := range x {
		if best < 0 || v > x[best] {
			best = i
		}
	}
	return best
}

// maxOf returns the largest entry, or -Inf for an empty slice.
func maxOf(x []float32) float32 {
	m := negInf
	for _, v := range x {
		m = max(m, v)
	}
	return m
}
