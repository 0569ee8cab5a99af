// Package manifest renders segment manifests and the aggregate training-data
// CSV, and reads per-file manifests back.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/forPelevin/voxprep/internal/types"
)

const (
	// SpeakerPlaceholder is written as speaker_id on every training row.
	SpeakerPlaceholder = "speaker_1"
	// TrainingFilename is the attachment name of the aggregate CSV.
	TrainingFilename = "tts_kokei_training_data.csv"
)

var (
	Header         = []string{"original_filename", "segment_number", "audio_file", "transcript", "start_time", "end_time", "duration", "error"}
	TrainingHeader = []string{"audio_path", "text", "speaker_id"}
)

// FileName is the per-file manifest name for base.
func FileName(base string) string { return base + "_segments.csv" }

// Rows builds one manifest row per exported segment. issues are the file's
// quality issues; they fill the error column of every row.
func Rows(originalFilename string, segs []types.ExportedSegment, issues []string) []types.ManifestRow {
	note := strings.Join(issues, "; ")
	rows := make([]types.ManifestRow, 0, len(segs))
	for _, s := range segs {
		audio := ""
		if s.Path != "" {
			audio = filepath.Base(s.Path)
		}
		rows = append(rows, types.ManifestRow{
			OriginalFilename: originalFilename,
			SegmentNumber:    s.Index,
			AudioFile:        audio,
			Transcript:       s.Text,
			StartTime:        s.Start,
			EndTime:          s.End,
			Duration:         s.Duration,
			Error:            note,
		})
	}
	return rows
}

func Write(w io.Writer, rows []types.ManifestRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.OriginalFilename,
			strconv.Itoa(r.SegmentNumber),
			r.AudioFile,
			r.Transcript,
			formatSeconds(r.StartTime),
			formatSeconds(r.EndTime),
			formatSeconds(r.Duration),
			r.Error,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes rows to path, creating the parent directory if needed.
func WriteFile(path string, rows []types.ManifestRow) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
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
	return Write(f, rows)
}

// Read parses a manifest produced by Write.
func Read(r io.Reader) ([]types.ManifestRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	head, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range Header {
		if head[i] != col {
			return nil, fmt.Errorf("unexpected column %d: %q, want %q", i+1, head[i], col)
		}
	}

	var rows []types.ManifestRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func ReadFile(path string) ([]types.ManifestRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func parseRow(rec []string) (types.ManifestRow, error) {
	n, err := strconv.Atoi(rec[1])
	if err != nil {
		return types.ManifestRow{}, fmt.Errorf("segment_number: %w", err)
	}
	var secs [3]float64
	for i, col := range rec[4:7] {
		v, err := strconv.ParseFloat(col, 64)
		if err != nil {
			return types.ManifestRow{}, fmt.Errorf("%s: %w", Header[4+i], err)
		}
		secs[i] = v
	}
	return types.ManifestRow{
		OriginalFilename: rec[0],
		SegmentNumber:    n,
		AudioFile:        rec[2],
		Transcript:       rec[3],
		StartTime:        secs[0],
		EndTime:          secs[1],
		Duration:         secs[2],
		Error:            rec[7],
	}, nil
}

// TrainingRows collects the training-data rows of a batch: the whole-file
// waveform with its transcript for every successful file that has one, then
// every exported segment with text. Failed files contribute nothing.
func TrainingRows(results []types.BatchResult) []types.TrainingRow {
	var rows []types.TrainingRow
	for _, r := range results {
		if r.Status != types.StatusSuccess {
			continue
		}
		if text := strings.TrimSpace(r.TranscriptText()); text != "" && r.WavPath != "" {
			rows = append(rows, types.TrainingRow{AudioPath: r.WavPath, Text: text, SpeakerID: SpeakerPlaceholder})
		}
		for _, s := range r.Segments {
			text := strings.TrimSpace(s.Text)
			if text == "" || s.Path == "" || s.Error != "" {
				continue
			}
			rows = append(rows, types.TrainingRow{AudioPath: s.Path, Text: text, SpeakerID: SpeakerPlaceholder})
		}
	}
	return rows
}

func WriteTraining(w io.Writer, rows []types.TrainingRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TrainingHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.AudioPath, r.Text, r.SpeakerID}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// formatSeconds uses the shortest representation that parses back to the
// same float64.
func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
