package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/forPelevin/voxprep/internal/config"
	"github.com/forPelevin/voxprep/internal/domain/ingest"
	"github.com/forPelevin/voxprep/internal/domain/manifest"
	"github.com/forPelevin/voxprep/internal/domain/quality"
	"github.com/forPelevin/voxprep/internal/domain/segmentation"
	"github.com/forPelevin/voxprep/internal/failures"
	"github.com/forPelevin/voxprep/internal/logging"
	"github.com/forPelevin/voxprep/internal/ports"
	"github.com/forPelevin/voxprep/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/voxprep/internal/ports/adapters/objectstore"
	"github.com/forPelevin/voxprep/internal/ports/adapters/wavio"
	"github.com/forPelevin/voxprep/internal/types"
	"github.com/forPelevin/voxprep/internal/usecase"
)

const (
	ResultsFile  = "results.json"
	TrainingFile = "training.csv"
	lockFile     = ".voxprep.lock"
)

// Source is one input file: the name it was submitted under and where its
// bytes are now. They differ for uploads saved to temporary files.
type Source struct {
	Filename string
	Path     string
}

// ResultSink receives every finished file result.
type ResultSink interface {
	Save(ctx context.Context, batchID string, res types.BatchResult) error
}

type Config struct {
	Sources []Source
	// OutDir holds one run directory per batch.
	OutDir    string
	BatchName string
	// WorkDir is the parent of per-file scratch directories. Empty means the
	// system temp dir.
	WorkDir  string
	Strategy types.SegmentKind
	// Workers bounds how many files are processed at once. Zero means one.
	Workers int
	Usecase usecase.Options

	Logger *slog.Logger
	Logf   func(format string, args ...any)

	// Publish, when set, receives a copy of the run directory under
	// PublishPrefix/<run dir name>.
	Publish       ports.FileStore
	PublishPrefix string
	Sink          ResultSink

	now func() time.Time
}

func (c Config) Validate() error {
	if len(c.Sources) == 0 {
		return failures.Validation("No files selected")
	}
	if c.OutDir == "" {
		return errors.New("output dir is empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	return nil
}

// Report is the outcome of one batch.
type Report struct {
	BatchID      string              `json:"batch_id"`
	RunDir       string              `json:"run_dir"`
	Results      []types.BatchResult `json:"results"`
	ResultsPath  string              `json:"-"`
	TrainingPath string              `json:"-"`
	Published    int                 `json:"published_files,omitempty"`
}

// Counts returns how many results succeeded and failed.
func (r Report) Counts() (ok, failed int) {
	for _, res := range r.Results {
		if res.Status == types.StatusSuccess {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

// Run processes every source and writes results.json and training.csv into
// a fresh run directory. Per-file failures are part of the report. The
// returned error is set when the batch stopped early, either because ctx was
// cancelled between files or because a file hit resource exhaustion; the
// report then still lists every file, unprocessed ones marked as such.
func Run(ctx context.Context, cfg Config, deps usecase.Deps) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	logger := logging.Component(cfg.Logger, "pipeline")
	logf := cfg.Logf
	if logf == nil {
		logf = func(format string, args ...any) { logger.Info(fmt.Sprintf(format, args...)) }
	}
	now := time.Now
	if cfg.now != nil {
		now = cfg.now
	}
	if deps.Logger == nil {
		deps.Logger = cfg.Logger
	}
	uc := usecase.New(deps, cfg.Usecase)

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("create output dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.OutDir, lockFile))
	locked, err := lock.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return Report{}, fmt.Errorf("lock output dir: %w", err)
	}
	if !locked {
		return Report{}, fmt.Errorf("output dir %s is locked by another batch", cfg.OutDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("release output dir lock", "error", err)
		}
	}()

	rep := Report{
		BatchID: uuid.NewString(),
		RunDir:  buildRunOutDir(cfg.OutDir, cfg.BatchName, now()),
		Results: make([]types.BatchResult, len(cfg.Sources)),
	}
	if err := os.MkdirAll(rep.RunDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("create run dir: %w", err)
	}
	logf("output run dir: %s", rep.RunDir)

	var namer ingest.Namer
	bases := make([]string, len(cfg.Sources))
	for i, src := range cfg.Sources {
		bases[i] = namer.Allocate(src.Filename)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(cfg.Sources) {
		workers = len(cfg.Sources)
	}

	var (
		mu    sync.Mutex
		abort error
		done  int
		wg    sync.WaitGroup
	)
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				mu.Lock()
				stop := abort
				mu.Unlock()
				if stop == nil {
					stop = ctx.Err()
				}
				src := cfg.Sources[i]
				if stop != nil {
					rep.Results[i] = notProcessed(src, stop)
					continue
				}

				// A file that has started runs to completion; cancellation
				// only stops the files behind it.
				res, fatal := processOne(context.WithoutCancel(ctx), uc, cfg, src, bases[i], rep.RunDir)
				rep.Results[i] = res
				if cfg.Sink != nil {
					if err := cfg.Sink.Save(context.WithoutCancel(ctx), rep.BatchID, res); err != nil {
						logger.Warn("store result", "file", src.Filename, "error", err)
					}
				}

				mu.Lock()
				done++
				logf("[%d/%d] %s: %s", done, len(cfg.Sources), src.Filename, res.Status)
				if fatal != nil && abort == nil {
					abort = fatal
				}
				mu.Unlock()
			}
		}()
	}
	for i := range cfg.Sources {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if abort == nil {
		abort = ctx.Err()
	}

	if err := writeSummary(&rep); err != nil {
		if abort != nil {
			return rep, errors.Join(abort, err)
		}
		return rep, err
	}
	ok, failed := rep.Counts()
	logf("batch done: %d ok, %d failed; training rows: %s", ok, failed, rep.TrainingPath)

	if abort != nil {
		return rep, abort
	}

	if cfg.Publish != nil {
		prefix := path.Join(cfg.PublishPrefix, filepath.Base(rep.RunDir))
		n, err := objectstore.Publish(ctx, cfg.Publish, rep.RunDir, prefix)
		rep.Published = n
		if err != nil {
			return rep, fmt.Errorf("publish run dir: %w", err)
		}
		logf("published %d files to %s", n, prefix)
	}
	return rep, nil
}

func processOne(ctx context.Context, uc usecase.Usecase, cfg Config, src Source, base, runDir string) (types.BatchResult, error) {
	workDir, err := os.MkdirTemp(cfg.WorkDir, "voxprep-"+base+"-*")
	if err != nil {
		err = failures.Wrap(failures.ErrConversion, "normalize", "create work dir", err)
		res := types.BatchResult{
			Filename:  src.Filename,
			Status:    types.StatusError,
			Segments:  []types.ExportedSegment{},
			Error:     err.Error(),
			ErrorKind: failures.Kind(err),
		}
		if failures.IsResourceExhaustion(err) {
			return res, err
		}
		return res, nil
	}
	defer os.RemoveAll(workDir)

	return uc.Run(ctx, usecase.Input{
		FileID:     uuid.NewString(),
		Filename:   src.Filename,
		SourcePath: src.Path,
		Base:       base,
		OutDir:     filepath.Join(runDir, base),
		WorkDir:    workDir,
		Strategy:   cfg.Strategy,
	})
}

func notProcessed(src Source, cause error) types.BatchResult {
	kind := "cancelled"
	if failures.IsResourceExhaustion(cause) {
		kind = "fatal"
	}
	return types.BatchResult{
		Filename:  src.Filename,
		Status:    types.StatusError,
		Segments:  []types.ExportedSegment{},
		Error:     "not processed: " + cause.Error(),
		ErrorKind: kind,
	}
}

func writeSummary(rep *Report) error {
	b, err := json.MarshalIndent(rep.Results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	rep.ResultsPath = filepath.Join(rep.RunDir, ResultsFile)
	if err := os.WriteFile(rep.ResultsPath, b, 0o644); err != nil {
		return err
	}

	rep.TrainingPath = filepath.Join(rep.RunDir, TrainingFile)
	f, err := os.Create(rep.TrainingPath)
	if err != nil {
		return err
	}
	if err := manifest.WriteTraining(f, manifest.TrainingRows(rep.Results)); err != nil {
		f.Close()
		return fmt.Errorf("write training csv: %w", err)
	}
	return f.Close()
}

// ReadResults loads a results.json written by Run or an upload response body.
func ReadResults(p string) ([]types.BatchResult, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	// Accept the API's {"results": [...]} envelope as well as a bare list.
	if trimmed := bytes.TrimSpace(b); len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Results []types.BatchResult `json:"results"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		return env.Results, nil
	}
	var out []types.BatchResult
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	return out, nil
}

// DepsFromConfig wires the configured converter and the WAV decoder around
// an already constructed transcriber.
func DepsFromConfig(cfg *config.Config, eng ports.Transcriber, logger *slog.Logger) usecase.Deps {
	var conv ports.Converter
	switch cfg.Processing.Converter {
	case config.ConverterNative:
		conv = wavio.NativeConverter{}
	default:
		conv = ffmpeg.New(cfg.Processing.FFmpegPath, cfg.Processing.FFprobePath)
	}
	return usecase.Deps{
		Converter: conv,
		Decoder:   wavio.Decoder{},
		Engine:    eng,
		Logger:    logger,
	}
}

// OptionsFromConfig maps [processing] onto usecase options and the default
// segmentation strategy.
func OptionsFromConfig(cfg *config.Config) (usecase.Options, types.SegmentKind, error) {
	policy, err := quality.ParsePolicy(cfg.Processing.QualityPolicy)
	if err != nil {
		return usecase.Options{}, "", err
	}
	strategy, err := segmentation.ParseStrategy(cfg.Processing.Segmentation)
	if err != nil {
		return usecase.Options{}, "", err
	}
	return usecase.Options{
		Policy:         policy,
		Gate:           usecase.Gate(cfg.Processing.Gate),
		FallbackToTime: cfg.Processing.FallbackToTime,
		SampleRate:     cfg.Processing.SampleRate,
	}, strategy, nil
}

func buildRunOutDir(outRoot, batchName string, now time.Time) string {
	name := ingest.NormalizeSegment(batchName)
	if name == "" {
		name = "batch"
	}
	ts := now.UTC().Format("20060102-150405Z")
	runSeed := fmt.Sprintf("%s|%d", batchName, now.UTC().UnixNano())
	suffix := hash(runSeed)[:6]
	return filepath.Join(outRoot, fmt.Sprintf("%s-%s-%s", name, ts, suffix))
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

var (
	_ ports.Converter       = (*ffmpeg.Adapter)(nil)
	_ ports.Converter       = wavio.NativeConverter{}
	_ ports.WaveformDecoder = wavio.Decoder{}
)
