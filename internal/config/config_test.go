package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forPelevin/voxprep/internal/config"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("VOXPREP_S3_ACCESS_KEY_ID", "")
	t.Setenv("VOXPREP_S3_SECRET_ACCESS_KEY", "")
	t.Chdir(t.TempDir())
	return home
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	home := isolate(t)

	cfg, path, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatalf("expected no config file, got %s", path)
	}
	if want := filepath.Join(home, ".config", "voxprep", "config.toml"); path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	if want := filepath.Join(home, "voxprep", "out"); cfg.Paths.OutputDir != want {
		t.Fatalf("output dir = %q, want %q", cfg.Paths.OutputDir, want)
	}
	if cfg.Processing.Segmentation != "sentence" || cfg.Processing.QualityPolicy != "additive" {
		t.Fatalf("unexpected processing defaults: %+v", cfg.Processing)
	}
	if cfg.Processing.Gate != config.GateSkip || !cfg.Processing.FallbackToTime {
		t.Fatalf("unexpected gate defaults: %+v", cfg.Processing)
	}
	if cfg.Processing.SampleRate != 44100 || cfg.Server.MaxUploadMB != 100 {
		t.Fatalf("unexpected numeric defaults: %+v %+v", cfg.Processing, cfg.Server)
	}
	if cfg.Transcription.Engine != config.EngineWhisperCPP || cfg.Transcription.Language != "auto" {
		t.Fatalf("unexpected transcription defaults: %+v", cfg.Transcription)
	}
}

func TestLoadReadsFileAndNormalizes(t *testing.T) {
	home := isolate(t)
	path := writeConfig(t, t.TempDir(), `
[paths]
output_dir = "~/data/out"

[processing]
segmentation = " Paragraph "
quality_policy = "SUBTRACTIVE"
gate = "warn"
fallback_to_time = false
sample_rate = 16000

[transcription]
engine = "openai"

[logging]
format = "JSON"
`)

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("resolved = %q exists=%v", resolved, exists)
	}
	if want := filepath.Join(home, "data", "out"); cfg.Paths.OutputDir != want {
		t.Fatalf("output dir = %q, want %q", cfg.Paths.OutputDir, want)
	}
	if cfg.Processing.Segmentation != "paragraph" || cfg.Processing.QualityPolicy != "subtractive" {
		t.Fatalf("processing not normalized: %+v", cfg.Processing)
	}
	if cfg.Processing.Gate != config.GateWarn || cfg.Processing.FallbackToTime {
		t.Fatalf("gate not applied: %+v", cfg.Processing)
	}
	if cfg.Processing.SampleRate != 16000 {
		t.Fatalf("sample rate = %d", cfg.Processing.SampleRate)
	}
	if cfg.Transcription.Engine != config.EngineOpenAI || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected values: %+v %+v", cfg.Transcription, cfg.Logging)
	}
}

func TestLoadFindsProjectFile(t *testing.T) {
	isolate(t)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wd, "voxprep.toml"), []byte("[processing]\nsegmentation = \"time\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, path, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || filepath.Base(path) != "voxprep.toml" {
		t.Fatalf("expected project file, got %q exists=%v", path, exists)
	}
	if cfg.Processing.Segmentation != "time" {
		t.Fatalf("segmentation = %q", cfg.Processing.Segmentation)
	}
}

func TestLoadEnvFallbacks(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("VOXPREP_S3_ACCESS_KEY_ID", "AKIA")
	t.Setenv("VOXPREP_S3_SECRET_ACCESS_KEY", "secret")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transcription.APIKey != "sk-from-env" {
		t.Fatalf("api key = %q", cfg.Transcription.APIKey)
	}
	if cfg.Publish.AccessKeyID != "AKIA" || cfg.Publish.SecretAccessKey != "secret" {
		t.Fatalf("s3 credentials not loaded: %+v", cfg.Publish)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"segmentation":  "[processing]\nsegmentation = \"word\"\n",
		"policy":        "[processing]\nquality_policy = \"median\"\n",
		"gate":          "[processing]\ngate = \"drop\"\n",
		"converter":     "[processing]\nconverter = \"sox\"\n",
		"sample rate":   "[processing]\nsample_rate = 100\n",
		"engine":        "[transcription]\nengine = \"vosk\"\n",
		"upload":        "[server]\nmax_upload_mb = -1\n",
		"publish local": "[publish]\nenabled = true\n",
		"publish s3":    "[publish]\nenabled = true\nbackend = \"s3\"\n",
		"log format":    "[logging]\nformat = \"xml\"\n",
		"unknown key":   "[processing]\nworkerz = 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			path := writeConfig(t, t.TempDir(), body)
			if _, _, _, err := config.Load(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestCreateSampleLoads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("sample config not found")
	}
	if cfg.Server.Bind != "127.0.0.1:5000" {
		t.Fatalf("bind = %q", cfg.Server.Bind)
	}
}

func TestMarshalMasksSecrets(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-secret-value")
	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(out), "sk-secret-value") {
		t.Fatalf("secret leaked:\n%s", out)
	}
	if cfg.Transcription.APIKey != "sk-secret-value" {
		t.Fatal("Marshal must not modify the config")
	}
}

func TestEnsureDirectories(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(root, "out")
	cfg.Paths.WorkDir = filepath.Join(root, "work")
	cfg.Paths.DBPath = filepath.Join(root, "db", "results.db")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{"out", "work", "db"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Fatalf("missing %s: %v", dir, err)
		}
	}
}
