package wavio

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	resampling "github.com/tphakala/go-audio-resampling"
)

// NativeConverter normalizes WAV input without external tools: it downmixes
// to mono and resamples in process. Compressed containers need ffmpeg.
type NativeConverter struct{}

func (NativeConverter) Normalize(ctx context.Context, inPath, outWav string, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("native normalize: invalid sample rate %d", sampleRate)
	}
	if ext := strings.ToLower(filepath.Ext(inPath)); ext != ".wav" {
		return fmt.Errorf("native normalize: %s input needs the ffmpeg converter", ext)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w, err := Decode(inPath)
	if err != nil {
		return fmt.Errorf("native normalize: %w", err)
	}
	out, err := Resample(w.samples, w.rate, sampleRate)
	if err != nil {
		return fmt.Errorf("native normalize: %w", err)
	}
	return Encode(outWav, sampleRate, out)
}

// Resample converts mono samples from one rate to another. Equal rates
// return the input unchanged. The output keeps the input's duration: the
// resampler is flushed and its result trimmed or padded to
// len(samples)*to/from.
func Resample(samples []float64, from, to int) ([]float64, error) {
	if from == to || len(samples) == 0 {
		return samples, nil
	}
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("resample %d->%d: invalid rate", from, to)
	}
	out, err := resampling.ResampleMono(samples, float64(from), float64(to), resampling.QualityHigh)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", from, to, err)
	}
	want := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if len(out) >= want {
		return out[:want], nil
	}
	return append(out, make([]float64, want-len(out))...), nil
}
