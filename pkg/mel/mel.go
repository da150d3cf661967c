// Package mel computes the normalised log-mel spectrogram consumed by the
// lip-sync model and slices it into fixed-width windows.
//
// Parameters match the ones the Wav2Lip family of models was trained with:
// 16 kHz input, 800-point STFT with a 200-sample hop, 80 Slaney mel bands
// between 55 Hz and 7.6 kHz, and symmetric normalisation to [-4, 4].
package mel

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/lipsync/pkg/audio"
)

const (
	// Bands is the number of mel bands per spectrogram frame.
	Bands = 80

	// StepSize is the number of spectrogram frames per window.
	StepSize = 16

	// WindowLen is the number of values in one [Window].
	WindowLen = Bands * StepSize

	// MinValue is the normalised level of digital silence.
	MinValue = -maxAbsValue

	nFFT        = 800
	hopSize     = 200
	preemphasis = 0.97
	fMin        = 55.0
	fMax        = 7600.0
	refLevelDB  = 20.0
	minLevelDB  = -100.0
	maxAbsValue = 4.0
)

// Spectrogram is a [Bands] x Frames matrix stored band-major.
type Spectrogram struct {
	Frames int
	Data   []float32
}

// At returns the value of band b at frame f.
func (s Spectrogram) At(b, f int) float32 {
	return s.Data[b*s.Frames+f]
}

// Window is one [Bands] x [StepSize] slice of a spectrogram, band-major, i.e.
// laid out as the model's [1, 80, 16] input.
type Window []float32

// Window copies StepSize frames starting at start. Frames past the end of the
// spectrogram read as [MinValue].
func (s Spectrogram) Window(start int) Window {
	w := make(Window, WindowLen)
	for b := range Bands {
		for f := range StepSize {
			src := start + f
			if src >= 0 && src < s.Frames {
				w[b*StepSize+f] = s.At(b, src)
			} else {
				w[b*StepSize+f] = MinValue
			}
		}
	}
	return w
}

// Analyzer computes spectrograms. It caches the FFT plan, the analysis
// window and the mel filter bank.
//
// Analyzer is not safe for concurrent use.
type Analyzer struct {
	fft     *fourier.FFT
	window  []float64
	filters [][]float64

	frame  []float64
	coeffs []complex128
	mag    []float64
}

// NewAnalyzer returns an Analyzer for [audio.SampleRate] input.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		fft:     fourier.NewFFT(nFFT),
		window:  hann(nFFT),
		filters: filterBank(audio.SampleRate, nFFT, Bands, fMin, fMax),
		frame:   make([]float64, nFFT),
		coeffs:  make([]complex128, nFFT/2+1),
		mag:     make([]float64, nFFT/2+1),
	}
}

// Compute returns the normalised log-mel spectrogram of samples. The signal
// is centred, so the result has 1 + len(samples)/200 frames.
func (a *Analyzer) Compute(samples []float32) Spectrogram {
	if len(samples) == 0 {
		return Spectrogram{}
	}
	emph := preemphasize(samples)
	frames := 1 + len(emph)/hopSize
	out := Spectrogram{Frames: frames, Data: make([]float32, Bands*frames)}

	pad := nFFT / 2
	for f := range frames {
		offset := f*hopSize - pad
		for i := range nFFT {
			a.frame[i] = emph[reflectIndex(offset+i, len(emph))] * a.window[i]
		}
		a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)
		for k, c := range a.coeffs {
			a.mag[k] = math.Hypot(real(c), imag(c))
		}
		for b, weights := range a.filters {
			var energy float64
			for k, w := range weights {
				if w != 0 {
					energy += w * a.mag[k]
				}
			}
			out.Data[b*frames+f] = float32(normalize(ampToDB(energy) - refLevelDB))
		}
	}
	return out
}

func preemphasize(x []float32) []float64 {
	y := make([]float64, len(x))
	y[0] = float64(x[0])
	for i := 1; i < len(x); i++ {
		y[i] = float64(x[i]) - preemphasis*float64(x[i-1])
	}
	return y
}

// reflectIndex mirrors i into [0, n) without repeating the edge sample.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

func ampToDB(x float64) float64 {
	return 20 * math.Log10(max(1e-5, x))
}

func normalize(db float64) float64 {
	v := 2*maxAbsValue*((db-minLevelDB)/-minLevelDB) - maxAbsValue
	return min(max(v, -maxAbsValue), maxAbsValue)
}

// hann returns a periodic Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}
