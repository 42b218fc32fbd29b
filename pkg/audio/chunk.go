package audio

import (
	"slices"
	"time"

	"github.com/MrWong99/memoscribe/pkg/speech"
)

// Chunk is an immutable window of at most [speech.SamplesPerChunk] mono
// samples cut from a longer recording.
type Chunk struct {
	samples []float32

	// Index is the position of the chunk in the sequence returned by [Split].
	Index int

	// Offset is the index of the chunk's first sample in the source stream.
	Offset int
}

// NewChunk copies samples into a standalone chunk with index 0.
func NewChunk(samples []float32) Chunk {
	return Chunk{samples: slices.Clone(samples)}
}

// Samples returns the chunk's samples. The slice must not be modified.
func (c Chunk) Samples() []float32 { return c.samples }

// Len returns the number of samples.
func (c Chunk) Len() int { return len(c.samples) }

// Duration returns the chunk length at the pipeline sample rate.
func (c Chunk) Duration() time.Duration { return speech.SamplesDuration(len(c.samples)) }

// Split cuts samples into floor(len/size) full chunks plus one trailing
// partial chunk when a remainder exists. No sample is dropped or duplicated:
// [Join] of the result reproduces the input. Empty input yields no chunks.
// A size <= 0 selects [speech.SamplesPerChunk].
func Split(samples []float32, size int) []Chunk {
	if size <= 0 {
		size = speech.SamplesPerChunk
	}
	if len(samples) == 0 {
		return nil
	}
	chunks := make([]Chunk, 0, (len(samples)+size-1)/size)
	for off := 0; off < len(samples); off += size {
		end := min(off+size, len(samples))
		chunks = append(chunks, Chunk{
			samples: slices.Clone(samples[off:end]),
			Index:   len(chunks),
			Offset:  off,
		})
	}
	return chunks
}

// Join concatenates chunks in order.
func Join(chunks []Chunk) []float32 {
	n := 0
	for _, c := range chunks {
		n += c.Len()
	}
	out := make([]float32, 0, n)
	for _, c := range chunks {
		out = append(out, c.samples...)
	}
	return out
}
