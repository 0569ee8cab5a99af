package config

import (
	"errors"
	"fmt"

	"github.com/forPelevin/voxprep/internal/domain/quality"
	"github.com/forPelevin/voxprep/internal/domain/segmentation"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateProcessing(); err != nil {
		return err
	}
	if err := c.validateTranscription(); err != nil {
		return err
	}
	if err := c.validatePublish(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.MaxUploadMB <= 0 {
		return errors.New("server.max_upload_mb must be positive")
	}
	return nil
}

func (c *Config) validateProcessing() error {
	p := c.Processing
	if _, err := segmentation.ParseStrategy(p.Segmentation); err != nil {
		return fmt.Errorf("processing.segmentation: %w", err)
	}
	if _, err := quality.ParsePolicy(p.QualityPolicy); err != nil {
		return fmt.Errorf("processing.quality_policy: %w", err)
	}
	switch p.Gate {
	case GateSkip, GateWarn:
	default:
		return fmt.Errorf("processing.gate: unsupported value %q (want %s or %s)", p.Gate, GateSkip, GateWarn)
	}
	switch p.Converter {
	case ConverterFFmpeg, ConverterNative:
	default:
		return fmt.Errorf("processing.converter: unsupported value %q (want %s or %s)", p.Converter, ConverterFFmpeg, ConverterNative)
	}
	if p.Workers < 1 {
		return errors.New("processing.workers must be at least 1")
	}
	if p.SampleRate < 8000 || p.SampleRate > 192000 {
		return fmt.Errorf("processing.sample_rate %d outside 8000..192000", p.SampleRate)
	}
	return nil
}

func (c *Config) validateTranscription() error {
	switch c.Transcription.Engine {
	case EngineWhisperCPP, EngineOpenAI:
	default:
		return fmt.Errorf("transcription.engine: unsupported value %q (want %s or %s)", c.Transcription.Engine, EngineWhisperCPP, EngineOpenAI)
	}
	if c.Transcription.TimeoutSeconds < 0 {
		return errors.New("transcription.timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) validatePublish() error {
	p := c.Publish
	switch p.Backend {
	case BackendLocal:
		if p.Enabled && p.Dir == "" {
			return errors.New("publish.dir is required for the local backend")
		}
	case BackendS3:
		if p.Enabled && p.Bucket == "" {
			return errors.New("publish.bucket is required for the s3 backend")
		}
		if (p.AccessKeyID == "") != (p.SecretAccessKey == "") {
			return errors.New("publish.access_key_id and publish.secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("publish.backend: unsupported value %q (want %s or %s)", p.Backend, BackendLocal, BackendS3)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
