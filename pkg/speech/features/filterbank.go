package features

import "math"

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSp       = 200.0 / 3
	melMinLogHz  = 1000.0
	melMinLogMel = melMinLogHz / melFSp
)

var melLogStep = math.Log(6.4) / 27

func hzToMel(hz float64) float64 {
	if hz < melMinLogHz {
		return hz / melFSp
	}
	return melMinLogMel + math.Log(hz/melMinLogHz)/melLogStep
}

func melToHz(mel float64) float64 {
	if mel < melMinLogMel {
		return mel * melFSp
	}
	return melMinLogHz * math.Exp(melLogStep*(mel-melMinLogMel))
}

// melFilterbank builds nMels Slaney-normalised triangular filters over the
// nFFT/2+1 bins of a real FFT at sampleRate, spanning 0 Hz to Nyquist.
func melFilterbank(sampleRate, nFFT, nMels int) [][]float64 {
	nBins := nFFT/2 + 1
	nyquist := float64(sampleRate) / 2

	binHz := make([]float64, nBins)
	for k := range binHz {
		binHz[k] = nyquist * float64(k) / float64(nBins-1)
	}

	// nMels+2 band edges, evenly spaced on the mel scale.
	lo, hi := hzToMel(0), hzToMel(nyquist)
	edges := make([]float64, nMels+2)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(nMels+1))
	}

	filters := make([][]float64, nMels)
	for m := range filters {
		left, centre, right := edges[m], edges[m+1], edges[m+2]
		enorm := 2 / (right - left)
		w := make([]float64, nBins)
		for k, f := range binHz {
			lower := (f - left) / (centre - left)
			upper := (right - f) / (right - centre)
			w[k] = max(0, min(lower, upper)) * enorm
		}
		filters[m] = w
	}
	return filters
}
