// Package tensor provides a flat, contiguous float32 buffer with a fixed
// shape and bounds-checked multi-dimensional indexing.
//
// It replaces deeply nested slices for attention caches: the shape travels
// with the data, so a mismatch between declared constants and the actual
// buffer is caught by [Tensor.CheckShape] instead of drifting silently.
package tensor

import (
	"fmt"
	"slices"

	"github.com/MrWong99/memoscribe/pkg/speech"
)

// Tensor is a row-major float32 array. The zero value is an empty tensor
// with no dimensions.
type Tensor struct {
	shape   []int
	strides []int
	data    []float32
}

// New allocates a zero-filled tensor with the given shape. Every dimension
// must be positive.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: non-positive dimension in shape %v", shape))
		}
		n *= d
	}
	return &Tensor{
		shape:   slices.Clone(shape),
		strides: strides(shape),
		data:    make([]float32, n),
	}
}

// FromData wraps data as a tensor of the given shape without copying. It
// returns a [speech.ShapeError] when len(data) does not equal the product of
// the dimensions.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, &speech.ShapeError{Name: "tensor", Want: shape, Got: []int{len(data)}}
		}
		n *= d
	}
	if n != len(data) {
		return nil, &speech.ShapeError{Name: "tensor data", Want: []int{n}, Got: []int{len(data)}}
	}
	return &Tensor{shape: slices.Clone(shape), strides: strides(shape), data: data}, nil
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data exposes the underlying buffer. Writes through it are visible to the
// tensor.
func (t *Tensor) Data() []float32 { return t.data }

// offset converts a multi-index into a flat offset. Out-of-range indices are
// programmer errors and panic, like slice indexing.
func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for %d-d tensor", len(idx), len(t.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range [0,%d) in dimension %d", v, t.shape[i], i))
		}
		off += v * t.strides[i]
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float32 { return t.data[t.offset(idx)] }

// Set stores v at idx.
func (t *Tensor) Set(v float32, idx ...int) { t.data[t.offset(idx)] = v }

// Zero resets every element to 0.
func (t *Tensor) Zero() { clear(t.data) }

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape:   slices.Clone(t.shape),
		strides: slices.Clone(t.strides),
		data:    slices.Clone(t.data),
	}
}

// CheckShape returns a [speech.ShapeError] naming name when the tensor's shape
// is not exactly want. A nil tensor never matches.
func (t *Tensor) CheckShape(name string, want ...int) error {
	if t == nil {
		return &speech.ShapeError{Name: name, Want: slices.Clone(want)}
	}
	return speech.CheckShape(name, t.shape, want...)
}
