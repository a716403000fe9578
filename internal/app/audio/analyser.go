// Package audio classifies streams as speaking or silent from their frequency-domain energy.
package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8
	MinDecibels      = -100.0
	MaxDecibels      = -30.0
)

// Analyser keeps the latest FFTSize samples of a stream and reports byte
// frequency data with the same scaling a browser AnalyserNode uses.
// Writers and readers may run on different goroutines.
type Analyser struct {
	mu        sync.Mutex
	size      int
	ring      []float64
	pos       int
	window    []float64
	fft       *fourier.FFT
	smoothed  []float64
	smoothing float64
	frame     []float64
	coeffs    []complex128
}

// NewAnalyser panics unless fftSize is a power of two >= 32.
func NewAnalyser(fftSize int) *Analyser {
	if fftSize < 32 || fftSize&(fftSize-1) != 0 {
		panic("audio: fft size must be a power of two >= 32")
	}
	w := make([]float64, fftSize)
	for i := range w {
		w[i] = 1
	}
	return &Analyser{
		size:      fftSize,
		ring:      make([]float64, fftSize),
		window:    window.Blackman(w),
		fft:       fourier.NewFFT(fftSize),
		smoothed:  make([]float64, fftSize/2),
		smoothing: DefaultSmoothing,
		frame:     make([]float64, fftSize),
		coeffs:    make([]complex128, fftSize/2+1),
	}
}

func (a *Analyser) FrequencyBinCount() int { return a.size / 2 }

// Write appends 16-bit PCM samples.
func (a *Analyser) Write(pcm []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range pcm {
		a.ring[a.pos] = float64(s) / 32768
		a.pos = (a.pos + 1) % a.size
	}
}

// ByteFrequencyData fills dst with up to FrequencyBinCount magnitudes in 0..255.
func (a *Analyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.size; i++ {
		a.frame[i] = a.ring[(a.pos+i)%a.size] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	n := min(len(dst), len(a.smoothed))
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if k < n {
			dst[k] = toByte(a.smoothed[k])
		}
	}
}

func toByte(mag float64) byte {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := (db - MinDecibels) * 255 / (MaxDecibels - MinDecibels)
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return byte(v)
	}
}
