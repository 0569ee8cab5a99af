package types

// Transcript is what a speech-to-text engine returns for one waveform.
type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []Span `json:"segments"`
}

// Span is a transcribed utterance. Engines emit spans ordered by Start and
// non-overlapping; nothing downstream re-validates that.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Features are the low-level signal metrics quality scoring works from.
type Features struct {
	SampleRate       int     `json:"sample_rate"`
	Duration         float64 `json:"duration"`
	RMS              float64 `json:"rms"`
	ZCR              float64 `json:"zcr"`
	SpectralCentroid float64 `json:"spectral_centroid"`
	SNR              float64 `json:"snr_db"`
}

type QualityMetrics struct {
	Duration         float64 `json:"duration"`
	SampleRate       int     `json:"sample_rate"`
	RMSEnergy        float64 `json:"rms_energy"`
	ZeroCrossingRate float64 `json:"zero_crossing_rate"`
	SpectralCentroid float64 `json:"spectral_centroid"`
	SNR              float64 `json:"signal_to_noise_ratio"`
}

type QualityVerdict struct {
	Score                 int             `json:"quality_score"`
	TranscriptionSuitable bool            `json:"transcription_suitable"`
	VoiceCloningSuitable  bool            `json:"voice_cloning_suitable"`
	Issues                []string        `json:"issues"`
	Metrics               *QualityMetrics `json:"metrics,omitempty"`
}

type SegmentKind string

const (
	KindSentence  SegmentKind = "sentence"
	KindParagraph SegmentKind = "paragraph"
	KindTime      SegmentKind = "time"
)

type Segment struct {
	Index int         `json:"segment_id"`
	Start float64     `json:"start_time"`
	End   float64     `json:"end_time"`
	Text  string      `json:"text"`
	Kind  SegmentKind `json:"type"`
}

type ExportedSegment struct {
	Segment
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error,omitempty"`
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

type BatchResult struct {
	FileID           string            `json:"file_id,omitempty"`
	Filename         string            `json:"original_filename"`
	Status           Status            `json:"status"`
	WavPath          string            `json:"wav_path,omitempty"`
	Quality          *QualityVerdict   `json:"quality_assessment,omitempty"`
	Transcript       *string           `json:"transcript_text,omitempty"`
	TranscriptError  string            `json:"transcription_error,omitempty"`
	Language         string            `json:"language,omitempty"`
	SegmentationType SegmentKind       `json:"segmentation_type,omitempty"`
	Segments         []ExportedSegment `json:"segments"`
	ManifestPath     string            `json:"manifest_path,omitempty"`
	Error            string            `json:"error,omitempty"`
	ErrorKind        string            `json:"error_kind,omitempty"`
}

// TranscriptText returns the whole-file transcript or "" when there is none.
func (r BatchResult) TranscriptText() string {
	if r.Transcript == nil {
		return ""
	}
	return *r.Transcript
}

// ManifestRow is one line of a per-file segment manifest.
type ManifestRow struct {
	OriginalFilename string
	SegmentNumber    int
	AudioFile        string
	Transcript       string
	StartTime        float64
	EndTime          float64
	Duration         float64
	Error            string
}

// TrainingRow is one line of the aggregate training-data manifest.
type TrainingRow struct {
	AudioPath string
	Text      string
	SpeakerID string
}
