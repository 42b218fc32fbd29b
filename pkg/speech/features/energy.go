package features

import (
	"math"

	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// energyWindow is shared read-only by every EnergyExtractor.
var energyWindow = hann(speech.NFFT)

// EnergyExtractor computes one windowed log-energy value per frame and
// broadcasts it to every mel bin. It is a lightweight stand-in for a true
// filterbank when the model was exported against this surrogate.
//
// Frames past the end of the chunk stay zero.
type EnergyExtractor struct{}

// Extract implements [Extractor].
func (EnergyExtractor) Extract(chunk audio.Chunk) (*Mel, error) {
	mel := NewMel()
	samples := window(chunk)
	if len(samples) < speech.NFFT {
		return mel, nil
	}
	frames := min(speech.NFrames, 1+(len(samples)-speech.NFFT)/speech.HopLength)
	for f := range frames {
		seg := samples[f*speech.HopLength : f*speech.HopLength+speech.NFFT]
		var sum float64
		for i, x := range seg {
			v := float64(x) * energyWindow[i]
			sum += v * v
		}
		e := float32(math.Log10(sum + 1e-6))
		for b := range speech.NMels {
			mel.Set(b, f, e)
		}
	}
	return mel, nil
}

var _ Extractor = EnergyExtractor{}
