package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/forPelevin/voxprep/internal/domain/ingest"
	"github.com/forPelevin/voxprep/internal/domain/manifest"
	"github.com/forPelevin/voxprep/internal/domain/quality"
	"github.com/forPelevin/voxprep/internal/domain/segmentation"
	"github.com/forPelevin/voxprep/internal/failures"
	"github.com/forPelevin/voxprep/internal/logging"
	"github.com/forPelevin/voxprep/internal/ports"
	"github.com/forPelevin/voxprep/internal/types"
)

// Stage names the step a file has reached.
type Stage string

const (
	StageReceived    Stage = "received"
	StageNormalized  Stage = "normalized"
	StageAssessed    Stage = "quality-assessed"
	StageTranscribed Stage = "transcribed"
	StageSegmented   Stage = "segmented"
	StageExported    Stage = "exported"
	StageSuccess     Stage = "success"
	StageError       Stage = "error"
)

// Gate decides what happens to a file whose quality is unsuitable for
// transcription.
type Gate string

const (
	// GateSkip reports the file as successful with no transcript and no
	// segments.
	GateSkip Gate = "skip"
	// GateWarn logs the verdict and processes the file anyway.
	GateWarn Gate = "warn"
)

type Deps struct {
	Converter ports.Converter
	Decoder   ports.WaveformDecoder
	Engine    ports.Transcriber
	Logger    *slog.Logger
}

type Options struct {
	Policy         quality.Policy
	Gate           Gate
	FallbackToTime bool
	SampleRate     int
}

type Usecase struct {
	d   Deps
	o   Options
	log *slog.Logger
}

func New(d Deps, o Options) Usecase {
	if o.Policy == "" {
		o.Policy = quality.PolicyAdditive
	}
	if o.Gate == "" {
		o.Gate = GateSkip
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 44100
	}
	return Usecase{d: d, o: o, log: logging.Component(d.Logger, "usecase")}
}

// Input describes one file of a batch.
type Input struct {
	FileID string
	// Filename is the name the file was submitted under.
	Filename   string
	SourcePath string
	// Base is the unique per-batch base name for every artifact of the file.
	Base string
	// OutDir receives <base>.wav, the segment files and the manifest.
	OutDir string
	// WorkDir is scratch space owned by the caller. Empty means a private
	// temporary directory removed before Run returns.
	WorkDir  string
	Strategy types.SegmentKind
}

// Run takes one file through normalize, quality, gate, transcribe, segment
// and export. Per-file failures are reported in the result with status
// error; the returned error is non-nil only for failures that must stop the
// batch.
func (u Usecase) Run(ctx context.Context, in Input) (types.BatchResult, error) {
	res := types.BatchResult{
		FileID:           in.FileID,
		Filename:         in.Filename,
		Status:           types.StatusError,
		SegmentationType: in.Strategy,
		Segments:         []types.ExportedSegment{},
	}
	log := u.log.With("file", in.Filename, "file_id", in.FileID)
	stage := StageReceived

	fail := func(err error) (types.BatchResult, error) {
		res.Status = types.StatusError
		res.Error = err.Error()
		res.ErrorKind = failures.Kind(err)
		log.Warn("file failed", "stage", string(stage), "kind", res.ErrorKind, "error", err)
		if failures.IsResourceExhaustion(err) {
			return res, err
		}
		return res, nil
	}
	advance := func(next Stage) {
		stage = next
		log.Info("stage", "stage", string(stage))
	}

	if err := ingest.ValidateFilename(in.Filename); err != nil {
		return fail(err)
	}
	if in.Strategy == "" {
		in.Strategy = types.KindSentence
		res.SegmentationType = in.Strategy
	}
	base := in.Base
	if base == "" {
		base = ingest.BaseName(in.Filename)
	}
	workDir := in.WorkDir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "voxprep-file-*")
		if err != nil {
			return fail(failures.Wrap(failures.ErrConversion, "normalize", "create work dir", err))
		}
		defer os.RemoveAll(tmp)
		workDir = tmp
	}
	if err := os.MkdirAll(in.OutDir, 0o755); err != nil {
		return fail(failures.Wrap(failures.ErrExport, "export", "create output dir", err))
	}

	wavPath := filepath.Join(in.OutDir, base+".wav")
	if err := u.d.Converter.Normalize(ctx, in.SourcePath, wavPath, u.o.SampleRate); err != nil {
		return fail(failures.Wrap(failures.ErrConversion, "normalize", "convert "+in.Filename, err))
	}
	wave, err := u.d.Decoder.Decode(wavPath)
	if err != nil {
		return fail(failures.Wrap(failures.ErrConversion, "normalize", "decode waveform", err))
	}
	res.WavPath = wavPath
	advance(StageNormalized)

	verdict := u.assess(wave, log)
	res.Quality = &verdict
	advance(StageAssessed)

	if !verdict.TranscriptionSuitable {
		if u.o.Gate == GateSkip {
			log.Info("quality below transcription threshold, skipping", "score", verdict.Score, "issues", strings.Join(verdict.Issues, "; "))
			res.Status = types.StatusSuccess
			advance(StageSuccess)
			return res, nil
		}
		log.Warn("quality below transcription threshold", "score", verdict.Score, "issues", strings.Join(verdict.Issues, "; "))
	}

	tr, trErr := u.d.Engine.Transcribe(ctx, wavPath, workDir)
	if trErr != nil {
		trErr = failures.Wrap(failures.ErrTranscription, "transcribe", in.Filename, trErr)
		if failures.IsResourceExhaustion(trErr) {
			return fail(trErr)
		}
		res.TranscriptError = trErr.Error()
		log.Warn("transcription failed, continuing without transcript", "error", trErr)
		tr = types.Transcript{}
	} else {
		text := strings.TrimSpace(tr.Text)
		res.Transcript = &text
		res.Language = tr.Language
	}
	advance(StageTranscribed)

	segs := segmentation.Split(wave.Duration(), tr.Segments, in.Strategy)
	if len(segs) == 0 && in.Strategy != types.KindTime && u.o.FallbackToTime {
		log.Info("no transcript segments, falling back to time windows")
		segs = segmentation.Split(wave.Duration(), tr.Segments, types.KindTime)
		res.SegmentationType = types.KindTime
	}
	advance(StageSegmented)

	exported, err := manifest.Export(wave, segs, in.OutDir, base)
	if err != nil {
		res.Segments = exported
		return fail(failures.Wrap(failures.ErrExport, "export", "write segments", err))
	}
	if len(tr.Segments) == 0 {
		u.transcribeWindows(ctx, exported, workDir, log)
	}
	res.Segments = exported

	if len(exported) > 0 {
		manifestPath := filepath.Join(in.OutDir, manifest.FileName(base))
		if err := manifest.WriteFile(manifestPath, manifest.Rows(in.Filename, exported, verdict.Issues)); err != nil {
			return fail(failures.Wrap(failures.ErrExport, "export", "write manifest", err))
		}
		res.ManifestPath = manifestPath
	}
	advance(StageExported)

	res.Status = types.StatusSuccess
	advance(StageSuccess)
	return res, nil
}

func (u Usecase) assess(wave ports.Waveform, log *slog.Logger) types.QualityVerdict {
	f, err := wave.Features()
	if err != nil {
		err = failures.Wrap(failures.ErrQuality, "quality", "extract features", err)
		log.Warn("quality assessment failed", "error", err)
		return quality.Failed(err)
	}
	return quality.Assess(u.o.Policy, f)
}

// transcribeWindows fills empty segment text by transcribing each exported
// slice on its own. It gives up after the first failure.
func (u Usecase) transcribeWindows(ctx context.Context, segs []types.ExportedSegment, workDir string, log *slog.Logger) {
	for i := range segs {
		s := &segs[i]
		if s.Path == "" || s.Error != "" || strings.TrimSpace(s.Text) != "" {
			continue
		}
		dir := filepath.Join(workDir, fmt.Sprintf("window-%02d", s.Index))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Debug("window transcription skipped", "error", err)
			return
		}
		tr, err := u.d.Engine.Transcribe(ctx, s.Path, dir)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Debug("window transcription failed", "segment", s.Index, "error", err)
			}
			return
		}
		s.Text = strings.TrimSpace(tr.Text)
	}
}
