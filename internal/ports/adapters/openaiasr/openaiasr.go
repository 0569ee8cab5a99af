// Package openaiasr transcribes audio through an OpenAI-compatible
// /audio/transcriptions endpoint.
package openaiasr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/forPelevin/voxprep/internal/types"
)

const DefaultModel = "whisper-1"

type Adapter struct {
	key      string
	model    string
	language string
	client   *openai.Client
}

type Options struct {
	APIKey       string
	Model        string
	Language     string
	BaseURL      string
	AllowedHosts []string
	Timeout      time.Duration
}

// New validates the endpoint and builds a client. The key is checked in
// Initialize so that a missing key surfaces on first use, not at startup.
func New(o Options) (*Adapter, error) {
	if err := ValidateBaseURL(o.BaseURL, o.AllowedHosts); err != nil {
		return nil, err
	}
	return newAdapter(o), nil
}

func newAdapter(o Options) *Adapter {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	model := strings.TrimSpace(o.Model)
	if model == "" {
		model = DefaultModel
	}
	client := openai.NewClient(
		option.WithAPIKey(o.APIKey),
		option.WithBaseURL(normalizeBaseURL(o.BaseURL)+"/"),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(1),
	)
	return &Adapter{key: o.APIKey, model: model, language: o.Language, client: &client}
}

func (a *Adapter) Initialize(context.Context) error {
	if strings.TrimSpace(a.key) == "" {
		return errors.New("openai transcription: api key is not set (transcription.api_key or OPENAI_API_KEY)")
	}
	return nil
}

func (a *Adapter) Shutdown(context.Context) error { return nil }

type verboseTranscription struct {
	Language string `json:"language"`
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (a *Adapter) Transcribe(ctx context.Context, wavPath, _ string) (types.Transcript, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return types.Transcript{}, err
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		File:           f,
		Model:          openai.AudioModel(a.model),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	if lang := strings.TrimSpace(a.language); lang != "" && lang != "auto" {
		params.Language = openai.String(lang)
	}

	var raw verboseTranscription
	if _, err := a.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&raw)); err != nil {
		return types.Transcript{}, fmt.Errorf("openai transcription: %s", redactSecrets(err.Error(), a.key))
	}
	return raw.transcript(), nil
}

func (v verboseTranscription) transcript() types.Transcript {
	tr := types.Transcript{Text: strings.TrimSpace(v.Text), Language: v.Language}
	for _, s := range v.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		tr.Segments = append(tr.Segments, types.Span{Start: s.Start, End: s.End, Text: text})
	}
	return tr
}
