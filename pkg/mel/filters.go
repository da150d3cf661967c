package mel

import "math"

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	fSp        = 200.0 / 3
	minLogHz   = 1000.0
	minLogMel  = minLogHz / fSp
	logStepMel = 0.06875177742094912 // ln(6.4) / 27
)

func hzToMel(hz float64) float64 {
	if hz < minLogHz {
		return hz / fSp
	}
	return minLogMel + math.Log(hz/minLogHz)/logStepMel
}

func melToHz(m float64) float64 {
	if m < minLogMel {
		return m * fSp
	}
	return minLogHz * math.Exp(logStepMel*(m-minLogMel))
}

// filterBank builds area-normalised triangular mel filters over the
// nFFT/2+1 magnitude bins.
func filterBank(sampleRate, nFFT, bands int, fMin, fMax float64) [][]float64 {
	bins := nFFT/2 + 1
	fftFreqs := make([]float64, bins)
	for k := range fftFreqs {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(nFFT)
	}

	lo, hi := hzToMel(fMin), hzToMel(fMax)
	edges := make([]float64, bands+2)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(bands+1))
	}

	filters := make([][]float64, bands)
	for b := range filters {
		w := make([]float64, bins)
		left, center, right := edges[b], edges[b+1], edges[b+2]
		norm := 2 / (right - left)
		for k, f := range fftFreqs {
			lower := (f - left) / (center - left)
			upper := (right - f) / (right - center)
			if v := min(lower, upper); v > 0 {
				w[k] = v * norm
			}
		}
		filters[b] = w
	}
	return filters
}
