package segmentation

import (
	"fmt"
	"math"
	"strings"

	"github.com/forPelevin/voxprep/internal/types"
)

const (
	// PauseThreshold is the silence, in seconds, that closes a paragraph.
	// A gap of exactly this length keeps the paragraph open.
	PauseThreshold = 2.0
	// WindowSeconds is the length of a time-strategy window.
	WindowSeconds = 30.0
)

// ParseStrategy accepts a strategy name, case-insensitively. Empty means
// sentence.
func ParseStrategy(s string) (types.SegmentKind, error) {
	switch types.SegmentKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", types.KindSentence:
		return types.KindSentence, nil
	case types.KindParagraph:
		return types.KindParagraph, nil
	case types.KindTime:
		return types.KindTime, nil
	default:
		return "", fmt.Errorf("unknown segmentation type %q (want sentence, paragraph or time)", s)
	}
}

// Split partitions a file into labeled segments. duration is the waveform
// length in seconds and is only consulted by the time strategy; spans drive
// the sentence and paragraph strategies. Indices are 1-based and contiguous.
func Split(duration float64, spans []types.Span, strategy types.SegmentKind) []types.Segment {
	var out []types.Segment
	switch strategy {
	case types.KindParagraph:
		out = paragraphs(spans)
	case types.KindTime:
		out = Windows(duration, spans)
	default:
		out = sentences(spans)
	}
	for i := range out {
		out[i].Index = i + 1
	}
	return out
}

func sentences(spans []types.Span) []types.Segment {
	if len(spans) == 0 {
		return nil
	}
	out := make([]types.Segment, 0, len(spans))
	for _, s := range spans {
		out = append(out, types.Segment{Start: s.Start, End: s.End, Text: s.Text, Kind: types.KindSentence})
	}
	return out
}

type paragraph struct {
	start float64
	end   float64
	parts []string
}

func (p paragraph) segment() types.Segment {
	return types.Segment{
		Start: p.start,
		End:   p.end,
		Text:  strings.TrimSpace(strings.Join(p.parts, " ")),
		Kind:  types.KindParagraph,
	}
}

func paragraphs(spans []types.Span) []types.Segment {
	if len(spans) == 0 {
		return nil
	}
	var out []types.Segment
	cur := paragraph{start: spans[0].Start}
	for i, s := range spans {
		if t := strings.TrimSpace(s.Text); t != "" {
			cur.parts = append(cur.parts, t)
		}
		cur.end = s.End

		last := i == len(spans)-1
		if !last && !closesParagraph(s.End, spans[i+1].Start) {
			continue
		}
		out = append(out, cur.segment())
		if !last {
			cur = paragraph{start: spans[i+1].Start}
		}
	}
	return out
}

// closesParagraph reports whether the pause between two spans exceeds
// PauseThreshold. The gap is compared in whole milliseconds so decimal
// timestamps like 2.03 and 4.03 count as exactly two seconds apart.
func closesParagraph(end, nextStart float64) bool {
	return math.Round((nextStart-end)*1000) > PauseThreshold*1000
}

// Windows cuts [0, duration) into WindowSeconds-long windows, the last one
// truncated to duration. Each window's text is the in-order concatenation of
// every span overlapping it, with no separators added. spans may be nil.
func Windows(duration float64, spans []types.Span) []types.Segment {
	if !(duration > 0) || math.IsInf(duration, 0) {
		return nil
	}
	n := int(math.Ceil(duration / WindowSeconds))
	out := make([]types.Segment, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * WindowSeconds
		end := math.Min(float64(i+1)*WindowSeconds, duration)
		if i == n-1 {
			end = duration
		}
		out = append(out, types.Segment{
			Start: start,
			End:   end,
			Text:  overlappingText(spans, start, end),
			Kind:  types.KindTime,
		})
	}
	return out
}

func overlappingText(spans []types.Span, start, end float64) string {
	var b strings.Builder
	for _, s := range spans {
		if s.Start < end && s.End > start {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}
