package ports

import (
	"context"
	"io"

	"github.com/forPelevin/voxprep/internal/types"
)

// Converter normalizes any supported container into a mono 16-bit PCM WAV.
type Converter interface {
	Normalize(ctx context.Context, inPath, outWav string, sampleRate int) error
}

// Waveform is decoded audio owned by one file's processing.
type Waveform interface {
	SampleRate() int
	Duration() float64
	Features() (types.Features, error)
	WriteSlice(start, end float64, outPath string) error
}

type WaveformDecoder interface {
	Decode(wavPath string) (Waveform, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, wavPath, workDir string) (types.Transcript, error)
}

// Engine is a transcriber with an explicit lifecycle. Initialize loads
// models or checks credentials; Shutdown releases them.
type Engine interface {
	Transcriber
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// FileStore is file-oriented storage with forward-slash paths relative to
// the store root. Implementations must be safe for concurrent use.
type FileStore interface {
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	Write(ctx context.Context, path string) (io.WriteCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}
