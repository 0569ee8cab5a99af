package httpapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forPelevin/voxprep/internal/pipeline"
	"github.com/forPelevin/voxprep/internal/ports/adapters/wavio"
	"github.com/forPelevin/voxprep/internal/store"
	"github.com/forPelevin/voxprep/internal/types"
	"github.com/forPelevin/voxprep/internal/usecase"
)

func TestStatus(t *testing.T) {
	srv := New(Options{Processor: &fakeProcessor{}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "Audio API is running" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestUploadRejectsMissingFiles(t *testing.T) {
	srv := New(Options{Processor: &fakeProcessor{}})

	cases := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{name: "no files field", files: nil, want: "No files provided"},
		{name: "blank filenames", files: map[string]string{"   ": "x"}, want: "No files selected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := multipartRequest(t, tc.files, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tc.want) {
				t.Fatalf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestUploadRejectsUnknownSegmentation(t *testing.T) {
	proc := &fakeProcessor{}
	srv := New(Options{Processor: proc})
	req := multipartRequest(t, map[string]string{"a.wav": "x"}, map[string]string{"segmentation_type": "word"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if proc.calls != 0 {
		t.Fatal("processor must not run")
	}
}

func TestUploadPassesFilesAndStrategy(t *testing.T) {
	proc := &fakeProcessor{}
	srv := New(Options{Processor: proc})
	req := multipartRequest(t, map[string]string{"Voice Note.OGG": "abc"}, map[string]string{"segmentation_type": "Paragraph"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if proc.strategy != types.KindParagraph {
		t.Fatalf("strategy = %s", proc.strategy)
	}
	if len(proc.sources) != 1 || proc.sources[0].Filename != "Voice Note.OGG" {
		t.Fatalf("unexpected sources: %+v", proc.sources)
	}
	if proc.contents[0] != "abc" {
		t.Fatalf("upload content = %q", proc.contents[0])
	}
	if !strings.HasSuffix(proc.sources[0].Path, ".ogg") {
		t.Fatalf("saved path keeps no extension: %s", proc.sources[0].Path)
	}
	if _, err := os.Stat(proc.sources[0].Path); !os.IsNotExist(err) {
		t.Fatalf("upload temp file not removed: %v", err)
	}
	var body uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.BatchID != "batch-1" || len(body.Results) != 1 || body.Results[0].Filename != "Voice Note.OGG" {
		t.Fatalf("unexpected response: %+v", body)
	}
}

func TestUploadTooLarge(t *testing.T) {
	srv := New(Options{Processor: &fakeProcessor{}, MaxUploadBytes: 1024})
	req := multipartRequest(t, map[string]string{"big.wav": strings.Repeat("x", 4096)}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestExportCSV(t *testing.T) {
	srv := New(Options{Processor: &fakeProcessor{}})
	text := "Full text."
	payload, err := json.Marshal(map[string]any{"results": []types.BatchResult{
		{
			Filename:   "a.wav",
			Status:     types.StatusSuccess,
			WavPath:    "/out/a/a.wav",
			Transcript: &text,
			Segments: []types.ExportedSegment{
				{Segment: types.Segment{Index: 1, Text: "Full text."}, Path: "/out/a/a_segment_01.wav"},
				{Segment: types.Segment{Index: 2, Text: "  "}, Path: "/out/a/a_segment_02.wav"},
			},
		},
		{Filename: "b.wav", Status: types.StatusError, Error: "boom"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/audio/export/csv", bytes.NewReader(payload)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=tts_kokei_training_data.csv" {
		t.Fatalf("content disposition = %q", cd)
	}
	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header and 2 rows, got %v", records)
	}
	if records[0][0] != "audio_path" || records[2][0] != "/out/a/a_segment_01.wav" {
		t.Fatalf("unexpected rows: %v", records)
	}
}

func TestExportCSVRequiresResults(t *testing.T) {
	srv := New(Options{Processor: &fakeProcessor{}})
	for _, body := range []string{"", "{}", "not json"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/audio/export/csv", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, rec.Code)
		}
	}
}

func TestLookupEndpointsWithoutHistory(t *testing.T) {
	srv := New(Options{Processor: &fakeProcessor{}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/quality/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/batch/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("batch status = %d", rec.Code)
	}
}

func TestUploadThroughPipeline(t *testing.T) {
	tmp := t.TempDir()
	history, err := store.Open(filepath.Join(tmp, "results.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer history.Close()

	proc := PipelineProcessor{
		Base: pipeline.Config{
			OutDir:  filepath.Join(tmp, "out"),
			Sink:    history,
			Usecase: usecase.Options{Gate: usecase.GateWarn},
		},
		Deps: usecase.Deps{Converter: toneConverter{}, Decoder: wavio.Decoder{}, Engine: staticASR{}},
	}
	srv := New(Options{Processor: proc, Results: history, UploadDir: tmp})

	req := multipartRequest(t, map[string]string{"greeting.mp3": "not really mp3"}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 1 || body.Results[0].Status != types.StatusSuccess {
		t.Fatalf("unexpected results: %+v", body.Results)
	}
	id := body.Results[0].FileID
	if len(body.Results[0].Segments) != 2 {
		t.Fatalf("expected 2 segments, got %+v", body.Results[0].Segments)
	}
	if body.BatchID == "" {
		t.Fatal("upload response has no batch id")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/batch/"+body.BatchID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("batch status = %d body=%s", rec.Code, rec.Body.String())
	}
	var batch uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &batch); err != nil {
		t.Fatal(err)
	}
	if batch.BatchID != body.BatchID || len(batch.Results) != 1 || batch.Results[0].FileID != id {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/batch/no-such-batch", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown batch status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/quality/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("quality status = %d", rec.Code)
	}
	var q qualityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatal(err)
	}
	if q.Quality == nil || q.Quality.Metrics == nil || q.Quality.Metrics.SampleRate != 44100 {
		t.Fatalf("unexpected quality: %+v", q)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/download/"+id, nil))
	if rec.Code != http.StatusOK || !bytes.HasPrefix(rec.Body.Bytes(), []byte("RIFF")) {
		t.Fatalf("download status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/download/"+id+"/segments/2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("segment download status = %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "greeting_segment_02.wav") {
		t.Fatalf("content disposition = %q", cd)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/download/"+id+"/segments/9", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing segment status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audio/download/"+id+"/segments/x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad segment number status = %d", rec.Code)
	}
}

func multipartRequest(t *testing.T, files, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/audio/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type fakeProcessor struct {
	calls    int
	sources  []pipeline.Source
	contents []string
	strategy types.SegmentKind
}

func (f *fakeProcessor) Process(_ context.Context, sources []pipeline.Source, strategy types.SegmentKind) (pipeline.Report, error) {
	f.calls++
	f.sources = sources
	f.strategy = strategy
	var out []types.BatchResult
	for _, s := range sources {
		b, _ := os.ReadFile(s.Path)
		f.contents = append(f.contents, string(b))
		out = append(out, types.BatchResult{Filename: s.Filename, Status: types.StatusSuccess, Segments: []types.ExportedSegment{}})
	}
	return pipeline.Report{BatchID: "batch-1", Results: out}, nil
}

// toneConverter ignores its input and writes 40 s of a 220 Hz tone.
type toneConverter struct{}

func (toneConverter) Normalize(_ context.Context, _, outWav string, rate int) error {
	samples := make([]float64, rate*40)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*220*float64(i)/float64(rate))
	}
	return wavio.Encode(outWav, rate, samples)
}

type staticASR struct{}

func (staticASR) Transcribe(context.Context, string, string) (types.Transcript, error) {
	return types.Transcript{
		Text:     "Hello. World.",
		Language: "en",
		Segments: []types.Span{
			{Start: 0, End: 1.5, Text: "Hello."},
			{Start: 2, End: 3, Text: "World."},
		},
	}, nil
}
