package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeProcessing()
	if err := c.normalizeTranscription(); err != nil {
		return err
	}
	if err := c.normalizePublish(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.DBPath, err = expandPath(c.Paths.DBPath); err != nil {
		return fmt.Errorf("paths.db_path: %w", err)
	}
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	if c.Server.Bind == "" {
		c.Server.Bind = defaultBind
	}
	return nil
}

func (c *Config) normalizeProcessing() {
	p := &c.Processing
	p.Segmentation = lowerOr(p.Segmentation, defaultSegmentation)
	p.QualityPolicy = lowerOr(p.QualityPolicy, defaultQualityPolicy)
	p.Gate = lowerOr(p.Gate, defaultGate)
	p.Converter = lowerOr(p.Converter, defaultConverter)
	if p.Workers == 0 {
		p.Workers = defaultWorkers
	}
	if p.SampleRate == 0 {
		p.SampleRate = defaultSampleRate
	}
}

func (c *Config) normalizeTranscription() error {
	t := &c.Transcription
	t.Engine = lowerOr(t.Engine, defaultEngine)
	t.Language = lowerOr(t.Language, defaultLanguage)
	if strings.TrimSpace(t.WhisperBin) == "" {
		t.WhisperBin = defaultWhisperBin
	}
	if t.WhisperModel != "" {
		var err error
		if t.WhisperModel, err = expandPath(t.WhisperModel); err != nil {
			return fmt.Errorf("transcription.whisper_model: %w", err)
		}
	}
	if strings.TrimSpace(t.OpenAIModel) == "" {
		t.OpenAIModel = defaultOpenAIModel
	}
	if t.APIKey == "" {
		t.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if strings.TrimSpace(t.OpenAIBaseURL) == "" {
		t.OpenAIBaseURL = defaultOpenAIBaseURL
		if v := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); v != "" {
			t.OpenAIBaseURL = v
		}
	}
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = defaultTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizePublish() error {
	p := &c.Publish
	p.Backend = lowerOr(p.Backend, defaultPublishBackend)
	if p.Dir != "" {
		var err error
		if p.Dir, err = expandPath(p.Dir); err != nil {
			return fmt.Errorf("publish.dir: %w", err)
		}
	}
	p.Prefix = strings.Trim(strings.TrimSpace(p.Prefix), "/")
	if p.AccessKeyID == "" {
		p.AccessKeyID = strings.TrimSpace(os.Getenv("VOXPREP_S3_ACCESS_KEY_ID"))
	}
	if p.SecretAccessKey == "" {
		p.SecretAccessKey = strings.TrimSpace(os.Getenv("VOXPREP_S3_SECRET_ACCESS_KEY"))
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = lowerOr(c.Logging.Level, defaultLogLevel)
	c.Logging.Format = lowerOr(c.Logging.Format, defaultLogFormat)
}

func lowerOr(v, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return fallback
	}
	return v
}
