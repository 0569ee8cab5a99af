package wavio

import (
	"errors"
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/forPelevin/voxprep/internal/types"
)

const (
	frameLength = 2048
	hopLength   = 512
	// maxSNR caps the estimate for recordings with digital silence between
	// words, where the noise floor is zero.
	maxSNR = 100.0
)

// Features computes frame-averaged RMS, zero-crossing rate and spectral
// centroid plus a percentile-based SNR estimate.
func (w *Waveform) Features() (types.Features, error) {
	if w.rate <= 0 {
		return types.Features{}, errors.New("waveform has no sample rate")
	}
	if len(w.samples) == 0 {
		return types.Features{}, errors.New("waveform is empty")
	}

	frames := framesOf(w.samples)
	energies := make([]float64, len(frames))
	var rmsSum, zcrSum, centroidSum float64
	spec := newSpectrum(frameLength)
	for i, fr := range frames {
		var sq float64
		for _, s := range fr {
			sq += s * s
		}
		energies[i] = sq / float64(len(fr))
		rmsSum += math.Sqrt(energies[i])
		zcrSum += zeroCrossingRate(fr)
		centroidSum += spec.centroid(fr, w.rate)
	}
	n := float64(len(frames))
	return types.Features{
		SampleRate:       w.rate,
		Duration:         w.Duration(),
		RMS:              rmsSum / n,
		ZCR:              zcrSum / n,
		SpectralCentroid: centroidSum / n,
		SNR:              estimateSNR(energies),
	}, nil
}

// framesOf splits samples into overlapping frames. Input shorter than one
// frame yields a single frame holding all of it.
func framesOf(samples []float64) [][]float64 {
	if len(samples) <= frameLength {
		return [][]float64{samples}
	}
	var out [][]float64
	for start := 0; start+frameLength <= len(samples); start += hopLength {
		out = append(out, samples[start:start+frameLength])
	}
	return out
}

func zeroCrossingRate(fr []float64) float64 {
	if len(fr) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(fr); i++ {
		if (fr[i-1] >= 0) != (fr[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(fr))
}

// spectrum holds the reusable FFT plan and buffers for one frame length.
type spectrum struct {
	fft   *fourier.FFT
	taper []float64
	seq   []float64
	coeff []complex128
}

func newSpectrum(n int) *spectrum {
	taper := make([]float64, n)
	for i := range taper {
		taper[i] = 1
	}
	return &spectrum{
		fft:   fourier.NewFFT(n),
		taper: window.Hann(taper),
		seq:   make([]float64, n),
		coeff: make([]complex128, n/2+1),
	}
}

// centroid returns the magnitude-weighted mean frequency of a Hann-windowed
// frame in Hz. Frames shorter than the plan are zero-padded.
func (s *spectrum) centroid(fr []float64, rate int) float64 {
	for i := range s.seq {
		if i < len(fr) {
			s.seq[i] = fr[i] * s.taper[i]
		} else {
			s.seq[i] = 0
		}
	}
	s.fft.Coefficients(s.coeff, s.seq)
	var weighted, total float64
	for k, c := range s.coeff {
		mag := cmplx.Abs(c)
		weighted += mag * s.fft.Freq(k) * float64(rate)
		total += mag
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// estimateSNR compares loud frames (90th percentile energy) against quiet
// ones (10th percentile), in dB.
func estimateSNR(energies []float64) float64 {
	sorted := append([]float64(nil), energies...)
	sort.Float64s(sorted)
	signal := percentile(sorted, 0.9)
	noise := percentile(sorted, 0.1)
	switch {
	case signal <= 0:
		return 0
	case noise <= 0:
		return maxSNR
	}
	return math.Min(10*math.Log10(signal/noise), maxSNR)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(math.Round(p*float64(len(sorted)-1)))]
}
