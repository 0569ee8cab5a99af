package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/forPelevin/voxprep/internal/config"
	"github.com/forPelevin/voxprep/internal/failures"
	"github.com/forPelevin/voxprep/internal/ports"
	"github.com/forPelevin/voxprep/internal/ports/adapters/objectstore"
	"github.com/forPelevin/voxprep/internal/ports/adapters/wavio"
	"github.com/forPelevin/voxprep/internal/types"
	"github.com/forPelevin/voxprep/internal/usecase"
)

func TestBuildRunOutDir(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 30, 45, 1234, time.UTC)
	got := buildRunOutDir("out", "Voice Notes Übung", now)
	base := filepath.Base(got)
	if filepath.Dir(got) != "out" {
		t.Fatalf("unexpected parent dir: %s", got)
	}
	if !strings.HasPrefix(base, "voice-notes-ubung-20260212-103045Z-") {
		t.Fatalf("unexpected run dir format: %s", base)
	}
	if len(base) != len("voice-notes-ubung-20260212-103045Z-")+6 {
		t.Fatalf("unexpected run dir suffix length: %s", base)
	}
	if b := filepath.Base(buildRunOutDir("out", "___", now)); !strings.HasPrefix(b, "batch-") {
		t.Fatalf("empty batch name should fall back to batch: %s", b)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{OutDir: "out"}).Validate(); !errors.Is(err, failures.ErrValidation) {
		t.Fatalf("expected validation error for empty batch, got %v", err)
	}
	if err := (Config{Sources: []Source{{Filename: "a.wav"}}}).Validate(); err == nil {
		t.Fatal("expected error for empty output dir")
	}
	if err := (Config{Sources: []Source{{Filename: "a.wav"}}, OutDir: "out", Workers: -1}).Validate(); err == nil {
		t.Fatal("expected error for negative workers")
	}
}

func TestRun_WritesRunDirectory(t *testing.T) {
	tmp := t.TempDir()
	workRoot := filepath.Join(tmp, "work")
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	var lines []string
	cfg := Config{
		Sources: []Source{
			{Filename: "voice.ogg", Path: filepath.Join(tmp, "a", "voice.ogg")},
			{Filename: "voice.ogg", Path: filepath.Join(tmp, "b", "voice.ogg")},
			{Filename: "notes.txt", Path: filepath.Join(tmp, "notes.txt")},
		},
		OutDir:    filepath.Join(tmp, "out"),
		BatchName: "inbox",
		WorkDir:   workRoot,
		Strategy:  types.KindSentence,
		Logf:      func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) },
	}

	rep, err := Run(context.Background(), cfg, testDeps(goodWave(), &fakeASR{}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(rep.Results))
	}
	if rep.Results[0].Status != types.StatusSuccess || rep.Results[1].Status != types.StatusSuccess {
		t.Fatalf("expected first two files to succeed: %+v", rep.Results[:2])
	}
	if rep.Results[2].ErrorKind != "validation" {
		t.Fatalf("expected validation failure for notes.txt, got %+v", rep.Results[2])
	}
	if rep.Results[0].FileID == "" || rep.Results[0].FileID == rep.Results[1].FileID {
		t.Fatalf("file ids must be set and unique: %q %q", rep.Results[0].FileID, rep.Results[1].FileID)
	}

	for _, base := range []string{"voice", "voice-2"} {
		seg := filepath.Join(rep.RunDir, base, base+"_segment_01.wav")
		if _, err := os.Stat(seg); err != nil {
			t.Fatalf("missing segment for %s: %v", base, err)
		}
	}

	saved, err := ReadResults(rep.ResultsPath)
	if err != nil {
		t.Fatalf("read results: %v", err)
	}
	if len(saved) != 3 || saved[1].Filename != "voice.ogg" {
		t.Fatalf("unexpected saved results: %+v", saved)
	}
	training, err := os.ReadFile(rep.TrainingPath)
	if err != nil {
		t.Fatalf("read training csv: %v", err)
	}
	if got := strings.Count(string(training), "speaker_1"); got != 4 {
		t.Fatalf("expected 2 whole-file rows and 2 segment rows, got %d:\n%s", got, training)
	}

	leftovers, err := os.ReadDir(workRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("per-file work dirs not removed: %v", leftovers)
	}
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "output run dir: ") {
		t.Fatalf("unexpected progress lines: %v", lines)
	}
}

func TestRun_WorkersPreserveOrder(t *testing.T) {
	tmp := t.TempDir()
	var sources []Source
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("clip%d.wav", i)
		sources = append(sources, Source{Filename: name, Path: filepath.Join(tmp, name)})
	}
	asr := &fakeASR{}
	rep, err := Run(context.Background(), Config{
		Sources: sources,
		OutDir:  filepath.Join(tmp, "out"),
		Workers: 3,
	}, testDeps(goodWave(), asr))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, res := range rep.Results {
		if res.Filename != sources[i].Filename || res.Status != types.StatusSuccess {
			t.Fatalf("result %d = %+v", i, res)
		}
	}
	if asr.callCount() != 6 {
		t.Fatalf("engine calls = %d", asr.callCount())
	}
}

func TestRun_CancellationBetweenFiles(t *testing.T) {
	tmp := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	asr := &fakeASR{onCall: cancel}

	rep, err := Run(ctx, Config{
		Sources: []Source{
			{Filename: "one.wav", Path: filepath.Join(tmp, "one.wav")},
			{Filename: "two.wav", Path: filepath.Join(tmp, "two.wav")},
			{Filename: "three.wav", Path: filepath.Join(tmp, "three.wav")},
		},
		OutDir: filepath.Join(tmp, "out"),
	}, testDeps(goodWave(), asr))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.Results[0].Status != types.StatusSuccess {
		t.Fatalf("the file in flight must finish: %+v", rep.Results[0])
	}
	for _, res := range rep.Results[1:] {
		if res.Status != types.StatusError || res.ErrorKind != "cancelled" {
			t.Fatalf("expected cancelled result, got %+v", res)
		}
	}
	if _, err := os.Stat(rep.ResultsPath); err != nil {
		t.Fatalf("partial results not written: %v", err)
	}
}

func TestRun_CancellationDoesNotInterruptFileInFlight(t *testing.T) {
	tmp := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv := &slowConverter{started: make(chan struct{}), delay: 200 * time.Millisecond}
	go func() {
		<-conv.started
		cancel()
	}()

	deps := testDeps(goodWave(), &fakeASR{})
	deps.Converter = conv
	rep, err := Run(ctx, Config{
		Sources: []Source{
			{Filename: "one.wav", Path: filepath.Join(tmp, "one.wav")},
			{Filename: "two.wav", Path: filepath.Join(tmp, "two.wav")},
		},
		OutDir: filepath.Join(tmp, "out"),
	}, deps)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rep.Results[0].Status != types.StatusSuccess {
		t.Fatalf("conversion in flight was interrupted: %+v", rep.Results[0])
	}
	if rep.Results[1].ErrorKind != "cancelled" {
		t.Fatalf("expected second file cancelled, got %+v", rep.Results[1])
	}
}

func TestRun_ResourceExhaustionStopsBatch(t *testing.T) {
	tmp := t.TempDir()
	wave := goodWave()
	wave.writeErr = &os.PathError{Op: "write", Path: "seg.wav", Err: syscall.ENOSPC}

	rep, err := Run(context.Background(), Config{
		Sources: []Source{
			{Filename: "one.wav", Path: filepath.Join(tmp, "one.wav")},
			{Filename: "two.wav", Path: filepath.Join(tmp, "two.wav")},
		},
		OutDir: filepath.Join(tmp, "out"),
	}, testDeps(wave, &fakeASR{}))
	if !errors.Is(err, failures.ErrFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if rep.Results[0].ErrorKind != "fatal" || rep.Results[1].ErrorKind != "fatal" {
		t.Fatalf("unexpected results: %+v", rep.Results)
	}
	if !strings.HasPrefix(rep.Results[1].Error, "not processed") {
		t.Fatalf("second file should not have been processed: %q", rep.Results[1].Error)
	}
}

func TestRun_PublishesRunDir(t *testing.T) {
	tmp := t.TempDir()
	store, err := objectstore.NewLocal(filepath.Join(tmp, "dataset"))
	if err != nil {
		t.Fatal(err)
	}
	rep, err := Run(context.Background(), Config{
		Sources:       []Source{{Filename: "one.wav", Path: filepath.Join(tmp, "one.wav")}},
		OutDir:        filepath.Join(tmp, "out"),
		Publish:       store,
		PublishPrefix: "voxprep",
	}, testDeps(goodWave(), &fakeASR{}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Published == 0 {
		t.Fatal("nothing published")
	}
	mirrored := filepath.Join(tmp, "dataset", "voxprep", filepath.Base(rep.RunDir), ResultsFile)
	if _, err := os.Stat(mirrored); err != nil {
		t.Fatalf("results.json not mirrored: %v", err)
	}
}

func TestRun_SinkReceivesEveryResult(t *testing.T) {
	tmp := t.TempDir()
	sink := &memorySink{}
	rep, err := Run(context.Background(), Config{
		Sources: []Source{
			{Filename: "one.wav", Path: filepath.Join(tmp, "one.wav")},
			{Filename: "bad.doc", Path: filepath.Join(tmp, "bad.doc")},
		},
		OutDir: filepath.Join(tmp, "out"),
		Sink:   sink,
	}, testDeps(goodWave(), &fakeASR{}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.saved) != 2 {
		t.Fatalf("sink got %d results", len(sink.saved))
	}
	for _, id := range sink.batches {
		if id != rep.BatchID {
			t.Fatalf("batch id = %q, want %q", id, rep.BatchID)
		}
	}
}

func TestRun_LockedOutputDir(t *testing.T) {
	tmp := t.TempDir()
	out := filepath.Join(tmp, "out")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	held := flock.New(filepath.Join(out, lockFile))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("hold lock: ok=%v err=%v", ok, err)
	}
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, Config{
		Sources: []Source{{Filename: "one.wav", Path: filepath.Join(tmp, "one.wav")}},
		OutDir:  out,
	}, testDeps(goodWave(), &fakeASR{}))
	if err == nil {
		t.Fatal("expected lock error")
	}
}

func TestRun_NativeConverterEndToEnd(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "tone.wav")
	samples := make([]float64, 48000*3)
	for i := range samples {
		if (i/24)%2 == 0 {
			samples[i] = 0.3
		} else {
			samples[i] = -0.3
		}
	}
	if err := wavio.Encode(src, 48000, samples); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Processing.Converter = config.ConverterNative
	cfg.Processing.Gate = config.GateWarn
	cfg.Processing.SampleRate = 16000
	opts, strategy, err := OptionsFromConfig(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	asr := &fakeASR{}
	rep, err := Run(context.Background(), Config{
		Sources:  []Source{{Filename: "tone.wav", Path: src}},
		OutDir:   filepath.Join(tmp, "out"),
		Strategy: strategy,
		Usecase:  opts,
	}, DepsFromConfig(&cfg, asr, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := rep.Results[0]
	if res.Status != types.StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if res.Quality == nil || res.Quality.Metrics.SampleRate != 16000 {
		t.Fatalf("unexpected quality: %+v", res.Quality)
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected one segment, got %d", len(res.Segments))
	}
}

func testDeps(wave *fakeWave, asr *fakeASR) usecase.Deps {
	return usecase.Deps{Converter: fakeConverter{}, Decoder: fakeDecoder{wave: wave}, Engine: asr}
}

func goodWave() *fakeWave {
	return &fakeWave{f: types.Features{SampleRate: 44100, Duration: 40, RMS: 0.2, ZCR: 0.05, SNR: 30}}
}

type fakeConverter struct{}

func (fakeConverter) Normalize(_ context.Context, _, outWav string, _ int) error {
	return os.WriteFile(outWav, []byte("RIFF"), 0o644)
}

// slowConverter behaves like an external tool bound to ctx: it fails as
// soon as ctx is done.
type slowConverter struct {
	once    sync.Once
	started chan struct{}
	delay   time.Duration
}

func (c *slowConverter) Normalize(ctx context.Context, _, outWav string, _ int) error {
	c.once.Do(func() { close(c.started) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delay):
	}
	return os.WriteFile(outWav, []byte("RIFF"), 0o644)
}

type fakeDecoder struct{ wave *fakeWave }

func (d fakeDecoder) Decode(string) (ports.Waveform, error) { return d.wave, nil }

type fakeWave struct {
	f        types.Features
	writeErr error
}

func (w *fakeWave) SampleRate() int                   { return w.f.SampleRate }
func (w *fakeWave) Duration() float64                 { return w.f.Duration }
func (w *fakeWave) Features() (types.Features, error) { return w.f, nil }

func (w *fakeWave) WriteSlice(_, _ float64, outPath string) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	return os.WriteFile(outPath, []byte("slice"), 0o644)
}

type fakeASR struct {
	onCall func()

	mu    sync.Mutex
	calls int
}

func (f *fakeASR) Transcribe(context.Context, string, string) (types.Transcript, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	return types.Transcript{
		Text:     "Hello there.",
		Language: "en",
		Segments: []types.Span{{Start: 0.5, End: 2, Text: "Hello there."}},
	}, nil
}

func (f *fakeASR) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memorySink struct {
	mu      sync.Mutex
	saved   []types.BatchResult
	batches []string
}

func (m *memorySink) Save(_ context.Context, batchID string, res types.BatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, res)
	m.batches = append(m.batches, batchID)
	return nil
}
