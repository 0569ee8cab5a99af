// Package engine owns the lifecycle of the transcription backend shared by
// every file of a batch or server process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forPelevin/voxprep/internal/config"
	"github.com/forPelevin/voxprep/internal/logging"
	"github.com/forPelevin/voxprep/internal/ports"
	"github.com/forPelevin/voxprep/internal/ports/adapters/openaiasr"
	"github.com/forPelevin/voxprep/internal/ports/adapters/whispercpp"
	"github.com/forPelevin/voxprep/internal/types"
)

var ErrClosed = errors.New("transcription engine is shut down")

// Service initializes its backend on first use. A failed initialization is
// returned to the caller and retried on the next call. Safe for concurrent
// use; transcriptions themselves run without holding the lock.
type Service struct {
	backend ports.Engine
	logger  *slog.Logger

	mu     sync.Mutex
	ready  bool
	closed bool
}

func New(backend ports.Engine, logger *slog.Logger) *Service {
	return &Service{backend: backend, logger: logging.Component(logger, "engine")}
}

// FromConfig builds the configured backend wrapped in a Service.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	backend, err := Backend(cfg)
	if err != nil {
		return nil, err
	}
	return New(backend, logger), nil
}

// Backend constructs the raw engine named by transcription.engine.
func Backend(cfg *config.Config) (ports.Engine, error) {
	t := cfg.Transcription
	switch t.Engine {
	case config.EngineWhisperCPP:
		return whispercpp.New(t.WhisperBin, t.WhisperModel, t.Language), nil
	case config.EngineOpenAI:
		lang := t.Language
		if lang == "auto" {
			lang = ""
		}
		a, err := openaiasr.New(openaiasr.Options{
			APIKey:       t.APIKey,
			Model:        t.OpenAIModel,
			Language:     lang,
			BaseURL:      t.OpenAIBaseURL,
			AllowedHosts: t.OpenAIAllowedHosts,
			Timeout:      time.Duration(t.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported transcription engine %q", t.Engine)
	}
}

// Initialize prepares the backend once. Calling it again after success is a
// no-op.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.ready {
		return nil
	}
	start := time.Now()
	if err := s.backend.Initialize(ctx); err != nil {
		s.logger.Warn("engine initialization failed", "error", err)
		return fmt.Errorf("initialize transcription engine: %w", err)
	}
	s.ready = true
	s.logger.Info("engine ready", "took", time.Since(start).Round(time.Millisecond).String())
	return nil
}

func (s *Service) Transcribe(ctx context.Context, wavPath, workDir string) (types.Transcript, error) {
	if err := s.Initialize(ctx); err != nil {
		return types.Transcript{}, err
	}
	return s.backend.Transcribe(ctx, wavPath, workDir)
}

// Shutdown releases the backend. Later calls to Initialize or Transcribe
// fail with ErrClosed.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.ready {
		return nil
	}
	s.ready = false
	return s.backend.Shutdown(ctx)
}

var _ ports.Engine = (*Service)(nil)
