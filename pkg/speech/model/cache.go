package model

import (
	"errors"
	"fmt"

	"github.com/MrWong99/memoscribe/pkg/speech"
	"github.com/MrWong99/memoscribe/pkg/speech/tensor"
)

// Dims fixes the cache geometry of a model.
type Dims struct {
	Layers    int
	HeadDim   int
	CrossLen  int
	MaxSeqLen int
}

// DefaultDims returns the geometry of the reference model: 12 layers,
// head dimension 64, 1500 encoder positions, 224 decoder positions.
func DefaultDims() Dims {
	return Dims{
		Layers:    speech.NumLayers,
		HeadDim:   speech.HeadDim,
		CrossLen:  speech.CrossLen,
		MaxSeqLen: speech.MaxSeqLen,
	}
}

// Validate reports non-positive dimensions.
func (d Dims) Validate() error {
	if d.Layers <= 0 || d.HeadDim <= 0 || d.CrossLen <= 0 || d.MaxSeqLen <= 0 {
		return fmt.Errorf("model: invalid dims %+v: %w", d, speech.ErrShape)
	}
	return nil
}

// ─── Cross-attention cache ───────────────────────────────────────────────────

// CrossCache holds the encoder-derived keys K [L][1][HeadDim][CrossLen] and
// values V [L][1][CrossLen][HeadDim].
type CrossCache struct {
	K *tensor.Tensor
	V *tensor.Tensor
}

// NewCrossCache returns a zeroed cross cache for d.
func NewCrossCache(d Dims) *CrossCache {
	return &CrossCache{
		K: tensor.New(d.Layers, 1, d.HeadDim, d.CrossLen),
		V: tensor.New(d.Layers, 1, d.CrossLen, d.HeadDim),
	}
}

// Validate checks both tensors against d exactly.
func (c *CrossCache) Validate(d Dims) error {
	if c == nil {
		return fmt.Errorf("model: nil cross cache: %w", speech.ErrShape)
	}
	return errors.Join(
		c.K.CheckShape("cross_k", d.Layers, 1, d.HeadDim, d.CrossLen),
		c.V.CheckShape("cross_v", d.Layers, 1, d.CrossLen, d.HeadDim),
	)
}

// ─── Self-attention cache ────────────────────────────────────────────────────

// SelfCache holds the decoder's own keys K [L][1][HeadDim][MaxSeqLen] and
// values V [L][1][MaxSeqLen][HeadDim]. Valid is the number of leading
// positions holding real data.
type SelfCache struct {
	K     *tensor.Tensor
	V     *tensor.Tensor
	Valid int
}

// NewSelfCache returns an empty self cache for d.
func NewSelfCache(d Dims) *SelfCache {
	return &SelfCache{
		K: tensor.New(d.Layers, 1, d.HeadDim, d.MaxSeqLen),
		V: tensor.New(d.Layers, 1, d.MaxSeqLen, d.HeadDim),
	}
}

// Validate checks both tensors against d exactly.
func (c *SelfCache) Validate(d Dims) error {
	if c == nil {
		return fmt.Errorf("model: nil self cache: %w", speech.ErrShape)
	}
	return errors.Join(
		c.K.CheckShape("self_k", d.Layers, 1, d.HeadDim, d.MaxSeqLen),
		c.V.CheckShape("self_v", d.Layers, 1, d.MaxSeqLen, d.HeadDim),
	)
}

// Reset zeroes both tensors and marks no position valid.
func (c *SelfCache) Reset() {
	c.K.Zero()
	c.V.Zero()
	c.Valid = 0
}

// Clone returns a deep copy.
func (c *SelfCache) Clone() *SelfCache {
	return &SelfCache{K: c.K.Clone(), V: c.V.Clone(), Valid: c.Valid}
}
