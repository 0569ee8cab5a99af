// Package wavio decodes PCM WAV files into mono float samples and writes
// slices of them back out as 16-bit mono WAV.
package wavio

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/forPelevin/voxprep/internal/ports"
)

const outBitDepth = 16

// Waveform is mono audio with samples in [-1, 1].
type Waveform struct {
	rate    int
	samples []float64
}

// FromSamples wraps samples recorded at rate. The slice is not copied.
func FromSamples(rate int, samples []float64) *Waveform {
	return &Waveform{rate: rate, samples: samples}
}

func (w *Waveform) SampleRate() int { return w.rate }

func (w *Waveform) Samples() []float64 { return w.samples }

// Duration is the length in seconds.
func (w *Waveform) Duration() float64 {
	if w.rate <= 0 {
		return 0
	}
	return float64(len(w.samples)) / float64(w.rate)
}

// WriteSlice writes [start, end) seconds, clamped to the waveform, as a
// 16-bit mono WAV at the waveform's rate.
func (w *Waveform) WriteSlice(start, end float64, outPath string) error {
	from, to := w.frameRange(start, end)
	return Encode(outPath, w.rate, w.samples[from:to])
}

func (w *Waveform) frameRange(start, end float64) (int, int) {
	n := len(w.samples)
	clamp := func(sec float64) int {
		if math.IsNaN(sec) || sec <= 0 {
			return 0
		}
		i := int(math.Round(sec * float64(w.rate)))
		if i > n {
			return n
		}
		return i
	}
	from, to := clamp(start), clamp(end)
	if to < from {
		to = from
	}
	return from, to
}

// Decoder satisfies ports.WaveformDecoder.
type Decoder struct{}

func (Decoder) Decode(wavPath string) (ports.Waveform, error) {
	return Decode(wavPath)
}

// Decode reads a PCM WAV file of any channel count, downmixing to mono.
func Decode(path string) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("decode %s: not a valid PCM wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("decode %s: missing sample rate", path)
	}
	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = buf.SourceBitDepth
	}
	samples, err := toMonoFloat(buf.Data, buf.Format.NumChannels, depth)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &Waveform{rate: buf.Format.SampleRate, samples: samples}, nil
}

func toMonoFloat(data []int, channels, bitDepth int) ([]float64, error) {
	if channels <= 0 {
		return nil, errors.New("no channels")
	}
	var scale, offset float64
	switch bitDepth {
	case 8:
		// 8-bit WAV is unsigned.
		scale, offset = 128, 128
	case 16, 24, 32:
		scale = float64(int64(1) << (bitDepth - 1))
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	frames := len(data) / channels
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += (float64(data[i*channels+c]) - offset) / scale
		}
		out[i] = sum / float64(channels)
	}
	return out, nil
}

// Encode writes samples as a 16-bit mono PCM WAV.
func Encode(path string, rate int, samples []float64) (err error) {
	if rate <= 0 {
		return fmt.Errorf("encode %s: invalid sample rate %d", path, rate)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc := wav.NewEncoder(f, rate, outBitDepth, 1, 1)
	ints := make([]int, len(samples))
	for i, s := range samples {
		ints[i] = toInt16(s)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           ints,
		SourceBitDepth: outBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

func toInt16(s float64) int {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	default:
		return int(math.Round(s * math.MaxInt16))
	}
}

var _ ports.Waveform = (*Waveform)(nil)
var _ ports.WaveformDecoder = Decoder{}
