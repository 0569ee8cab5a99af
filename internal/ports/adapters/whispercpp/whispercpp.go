package whispercpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/forPelevin/voxprep/internal/types"
)

type Adapter struct {
	bin      string
	model    string
	language string
}

func New(binPath, modelPath, language string) *Adapter {
	if binPath == "" {
		binPath = "whisper-cli"
	}
	if language == "" {
		language = "auto"
	}
	return &Adapter{bin: binPath, model: modelPath, language: language}
}

// Initialize checks that the binary resolves and the model file exists.
func (a *Adapter) Initialize(context.Context) error {
	if _, err := exec.LookPath(a.bin); err != nil {
		return fmt.Errorf("whisper.cpp binary: %w", err)
	}
	if a.model == "" {
		return errors.New("whisper.cpp model path is required")
	}
	if _, err := os.Stat(a.model); err != nil {
		return fmt.Errorf("whisper.cpp model: %w", err)
	}
	return nil
}

func (a *Adapter) Shutdown(context.Context) error { return nil }

func (a *Adapter) Transcribe(ctx context.Context, wavPath, workDir string) (types.Transcript, error) {
	outPrefix := filepath.Join(workDir, "whisper")
	args := []string{
		"-m", a.model,
		"-f", wavPath,
		"-l", a.language,
		"-oj",
		"-of", outPrefix,
		"-np",
	}
	cmd := exec.CommandContext(ctx, a.bin, args...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper.cpp failed: %w\n%s", err, string(b))
	}

	jb, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return types.Transcript{}, err
	}
	return parseJSON(jb)
}

type whisperJSON struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// parseJSON maps whisper.cpp's -oj output (millisecond offsets) to a
// Transcript. Spans with no text are dropped.
func parseJSON(b []byte) (types.Transcript, error) {
	var raw whisperJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return types.Transcript{}, fmt.Errorf("parse whisper.cpp json: %w", err)
	}
	tr := types.Transcript{Language: raw.Result.Language}
	parts := make([]string, 0, len(raw.Transcription))
	for _, s := range raw.Transcription {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		tr.Segments = append(tr.Segments, types.Span{
			Start: float64(s.Offsets.From) / 1000,
			End:   float64(s.Offsets.To) / 1000,
			Text:  text,
		})
		parts = append(parts, text)
	}
	tr.Text = strings.Join(parts, " ")
	return tr, nil
}
