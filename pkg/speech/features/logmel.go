package features

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/memoscribe/pkg/audio"
	"github.com/MrWong99/memoscribe/pkg/speech"
)

// LogMelExtractor computes the log-mel spectrogram an encoder of the Whisper
// family is trained on: centred STFT with reflect padding and a periodic
// Hann window, an 80-band Slaney mel filterbank, log10, an 8-decade dynamic
// range clamp and the fixed (x+4)/4 rescale.
type LogMelExtractor struct {
	window  []float64
	filters [][]float64

	// gonum FFT values carry scratch buffers and are not safe for
	// concurrent use.
	ffts sync.Pool
}

// NewLogMelExtractor precomputes the window and filterbank.
func NewLogMelExtractor() *LogMelExtractor {
	e := &LogMelExtractor{
		window:  hann(speech.NFFT),
		filters: melFilterbank(speech.SampleRate, speech.NFFT, speech.NMels),
	}
	e.ffts.New = func() any { return fourier.NewFFT(speech.NFFT) }
	return e
}

// Extract implements [Extractor]. Chunks shorter than 30 s are zero-padded
// before analysis and longer ones truncated.
func (e *LogMelExtractor) Extract(chunk audio.Chunk) (*Mel, error) {
	const pad = speech.NFFT / 2
	n := speech.SamplesPerChunk
	padded := make([]float64, n+2*pad)
	for i, x := range window(chunk) {
		padded[pad+i] = float64(x)
	}
	// Reflect padding excludes the edge sample itself.
	for i := range pad {
		padded[pad-1-i] = padded[pad+1+i]
		padded[pad+n+i] = padded[pad+n-2-i]
	}

	fft := e.ffts.Get().(*fourier.FFT)
	defer e.ffts.Put(fft)

	nBins := speech.NFFT/2 + 1
	frame := make([]float64, speech.NFFT)
	coeffs := make([]complex128, nBins)
	power := make([]float64, nBins)
	logmel := make([]float64, speech.NMels*speech.NFrames)
	maxVal := math.Inf(-1)

	// The STFT yields NFrames+1 frames; the last one is dropped.
	for f := range speech.NFrames {
		seg := padded[f*speech.HopLength : f*speech.HopLength+speech.NFFT]
		for i, x := range seg {
			frame[i] = x * e.window[i]
		}
		coeffs = fft.Coefficients(coeffs, frame)
		for k, c := range coeffs {
			a := cmplx.Abs(c)
			power[k] = a * a
		}
		for b, filt := range e.filters {
			var s float64
			for k, w := range filt {
				s += w * power[k]
			}
			v := math.Log10(max(s, 1e-10))
			logmel[b*speech.NFrames+f] = v
			maxVal = max(maxVal, v)
		}
	}

	mel := NewMel()
	floor := maxVal - 8
	for i, v := range logmel {
		mel.data[i] = float32((max(v, floor) + 4) / 4)
	}
	return mel, nil
}

var _ Extractor = (*LogMelExtractor)(nil)
