package model

import (
	"errors"
	"testing"

	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/tensor"
)

func TestMask(t *testing.T) {
	m := Mask(2, 5)
	want := []float32{0, 0, 0, MaskedValue, MaskedValue}
	for i := range want {
		if m[i] != want[i] {
			t.Errorf("mask[%d] = %v, want %v", i, m[i], want[i])
		}
	}
	last := Mask(4, 5)
	for i, v := range last {
		if v != 0 {
			t.Errorf("final position mask[%d] = %v, want 0", i, v)
		}
	}
}

func TestDefaultDims(t *testing.T) {
	d := DefaultDims()
	if d != (Dims{Layers: 12, HeadDim: 64, CrossLen: 1500, MaxSeqLen: 224}) {
		t.Errorf("DefaultDims() = %+v", d)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := (Dims{Layers: 1}).Validate(); !errors.Is(err, speech.ErrShape) {
		t.Errorf("zero dims err = %v, want ErrShape", err)
	}
}

func TestCrossCache_Validate(t *testing.T) {
	d := Dims{Layers: 2, HeadDim: 4, CrossLen: 6, MaxSeqLen: 8}
	if err := NewCrossCache(d).Validate(d); err != nil {
		t.Fatalf("fresh cache: %v", err)
	}

	tests := []struct {
		name  string
		cache *CrossCache
	}{
		{"nil cache", nil},
		{"nil tensors", &CrossCache{}},
		{"swapped K/V", &CrossCache{K: tensor.New(2, 1, 6, 4), V: tensor.New(2, 1, 4, 6)}},
		{"wrong layers", NewCrossCache(Dims{Layers: 3, HeadDim: 4, CrossLen: 6, MaxSeqLen: 8})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cache.Validate(d)
			if !errors.Is(err, speech.ErrShape) {
				t.Fatalf("err = %v, want ErrShape", err)
			}
			var se *speech.ShapeError
			if tc.cache != nil && !errors.As(err, &se) {
				t.Errorf("err = %v, want *ShapeError", err)
			}
		})
	}
}

func TestSelfCache_ResetAndClone(t *testing.T) {
	d := Dims{Layers: 1, HeadDim: 2, CrossLen: 3, MaxSeqLen: 4}
	c := NewSelfCache(d)
	if err := c.Validate(d); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	c.K.Fill(7)
	c.V.Fill(7)
	c.Valid = 3

	cp := c.Clone()
	c.Reset()
	if c.Valid != 0 || c.K.At(0, 0, 1, 3) != 0 || c.V.At(0, 0, 3, 1) != 0 {
		t.Error("Reset left data behind")
	}
	if cp.Valid != 3 || cp.K.At(0, 0, 1, 3) != 7 {
		t.Error("Clone shares storage with the original")
	}
	if err := (*SelfCache)(nil).Validate(d); !errors.Is(err, speech.ErrShape) {
		t.Errorf("nil cache err = %v, want ErrShape", err)
	}
}
