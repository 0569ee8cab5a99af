package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forPelevin/voxprep/internal/types"
)

// Slicer is the part of a decoded waveform the exporter needs.
type Slicer interface {
	Duration() float64
	// WriteSlice writes [start, end) clamped to the waveform bounds as a
	// standalone audio file.
	WriteSlice(start, end float64, outPath string) error
}

// SegmentFileName is the deterministic file name of segment index of base.
func SegmentFileName(base string, index int) string {
	return fmt.Sprintf("%s_segment_%02d.wav", base, index)
}

// Export writes one audio file per segment into dir, creating it if absent.
// Existing files in dir are left alone. Duration is end-start as segmented,
// not the clamped slice length. A segment lying entirely outside the
// waveform is recorded with an error and no file. The first write failure
// stops the export and is returned along with the segments written so far.
func Export(w Slicer, segs []types.Segment, dir, base string) ([]types.ExportedSegment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	total := w.Duration()
	out := make([]types.ExportedSegment, 0, len(segs))
	for _, s := range segs {
		es := types.ExportedSegment{Segment: s, Duration: s.End - s.Start}
		if s.Start >= total || s.End <= 0 || s.End <= s.Start {
			es.Error = fmt.Sprintf("segment %d [%.2f, %.2f) lies outside the audio (%.2fs)", s.Index, s.Start, s.End, total)
			out = append(out, es)
			continue
		}
		path := filepath.Join(dir, SegmentFileName(base, s.Index))
		if err := w.WriteSlice(s.Start, s.End, path); err != nil {
			return out, fmt.Errorf("write segment %d: %w", s.Index, err)
		}
		es.Path = path
		out = append(out, es)
	}
	return out, nil
}
