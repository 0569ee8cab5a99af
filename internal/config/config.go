package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths locates outputs, scratch space, logs and the result history.
type Paths struct {
	OutputDir string `toml:"output_dir"`
	WorkDir   string `toml:"work_dir"`
	LogDir    string `toml:"log_dir"`
	DBPath    string `toml:"db_path"`
}

// Server configures the HTTP upload API.
type Server struct {
	Bind        string `toml:"bind"`
	MaxUploadMB int    `toml:"max_upload_mb"`
}

// Processing controls the per-file pipeline.
type Processing struct {
	Segmentation   string `toml:"segmentation"`
	QualityPolicy  string `toml:"quality_policy"`
	Gate           string `toml:"gate"`
	FallbackToTime bool   `toml:"fallback_to_time"`
	Workers        int    `toml:"workers"`
	SampleRate     int    `toml:"sample_rate"`
	Converter      string `toml:"converter"`
	FFmpegPath     string `toml:"ffmpeg_path"`
	FFprobePath    string `toml:"ffprobe_path"`
}

// Transcription selects and configures the speech-to-text engine.
type Transcription struct {
	Engine             string   `toml:"engine"`
	WhisperBin         string   `toml:"whisper_bin"`
	WhisperModel       string   `toml:"whisper_model"`
	Language           string   `toml:"language"`
	OpenAIModel        string   `toml:"openai_model"`
	OpenAIBaseURL      string   `toml:"openai_base_url"`
	OpenAIAllowedHosts []string `toml:"openai_allowed_hosts"`
	APIKey             string   `toml:"api_key"`
	TimeoutSeconds     int      `toml:"timeout_seconds"`
}

// Publish mirrors finished batch directories to a dataset store.
type Publish struct {
	Enabled         bool   `toml:"enabled"`
	Backend         string `toml:"backend"`
	Dir             string `toml:"dir"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Paths         Paths         `toml:"paths"`
	Server        Server        `toml:"server"`
	Processing    Processing    `toml:"processing"`
	Transcription Transcription `toml:"transcription"`
	Publish       Publish       `toml:"publish"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path of the per-user config file.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/voxprep/config.toml")
}

// Load locates, parses, normalizes and validates a configuration. With an
// empty path it tries ~/.config/voxprep/config.toml, then ./voxprep.toml,
// and falls back to defaults when neither exists.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		f, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := toml.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	userPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("voxprep.toml")
	if err != nil {
		return "", false, err
	}
	for _, p := range []string{userPath, projectPath} {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true, nil
		}
	}
	return userPath, false, nil
}

// Marshal renders the effective configuration as TOML with secrets masked.
func (c *Config) Marshal() ([]byte, error) {
	masked := *c
	masked.Transcription.APIKey = mask(masked.Transcription.APIKey)
	masked.Publish.SecretAccessKey = mask(masked.Publish.SecretAccessKey)
	return toml.Marshal(masked)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// EnsureDirectories creates the output, work and database directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.OutputDir, c.Paths.WorkDir}
	if c.Paths.DBPath != "" {
		dirs = append(dirs, filepath.Dir(c.Paths.DBPath))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if p == "~" {
			p = home
		} else if len(p) > 1 && (p[1] == '/' || p[1] == '\\') {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", p, err)
	}
	return abs, nil
}

// ExpandPath applies the config's ~ and relative path rules.
func ExpandPath(p string) (string, error) { return expandPath(p) }

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
