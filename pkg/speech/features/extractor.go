// Package features turns audio chunks into the fixed-size time-frequency
// grid the encoder consumes.
//
// Every [Extractor] returns a [Mel] of exactly [speech.NMels] bins by
// [speech.NFrames] frames regardless of chunk length: short chunks are
// zero-padded, chunks longer than [speech.SamplesPerChunk] are rejected.
package features

import (
	"fmt"
	"math"

	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// Extraction modes accepted by [New].
const (
	ModeLogMel = "log_mel"
	ModeEnergy = "energy"
)

// Extractor computes the feature grid for one chunk. Implementations are
// safe for concurrent use.
type Extractor interface {
	Extract(chunk audio.Chunk) (*Mel, error)
}

// New returns the extractor registered for mode. An empty mode selects
// [ModeLogMel].
func New(mode string) (Extractor, error) {
	switch mode {
	case "", ModeLogMel:
		return NewLogMelExtractor(), nil
	case ModeEnergy:
		return EnergyExtractor{}, nil
	default:
		return nil, fmt.Errorf("features: unknown mode %q", mode)
	}
}

// Mel is an [speech.NMels] x [speech.NFrames] float32 grid stored row-major
// by bin.
type Mel struct {
	data []float32
}

// NewMel returns a zero-filled grid.
func NewMel() *Mel {
	return &Mel{data: make([]float32, speech.NMels*speech.NFrames)}
}

// MelFromData wraps data without copying. It returns a *speech.ShapeError
// when data does not hold exactly NMels*NFrames values.
func MelFromData(data []float32) (*Mel, error) {
	if err := speech.CheckShape("mel", []int{len(data)}, speech.NMels*speech.NFrames); err != nil {
		return nil, err
	}
	return &Mel{data: data}, nil
}

// At returns the value for a mel bin and frame.
func (m *Mel) At(bin, frame int) float32 { return m.data[bin*speech.NFrames+frame] }

// Set stores the value for a mel bin and frame.
func (m *Mel) Set(bin, frame int, v float32) { m.data[bin*speech.NFrames+frame] = v }

// Row returns the frames of one bin. The slice aliases the grid.
func (m *Mel) Row(bin int) []float32 {
	return m.data[bin*speech.NFrames : (bin+1)*speech.NFrames]
}

// Data returns the flat backing slice.
func (m *Mel) Data() []float32 { return m.data }

// Shape returns the grid dimensions.
func (m *Mel) Shape() []int { return []int{speech.NMels, speech.NFrames} }

// window returns the samples of chunk that fit one encoder window. Longer
// chunks are truncated to 30 s.
func window(chunk audio.Chunk) []float32 {
	s := chunk.Samples()
	return s[:min(len(s), speech.SamplesPerChunk)]
}

// hann returns a periodic Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}
