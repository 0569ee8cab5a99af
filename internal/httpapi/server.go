// Package httpapi exposes the voice-message pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/forPelevin/voxprep/internal/logging"
	"github.com/forPelevin/voxprep/internal/pipeline"
	"github.com/forPelevin/voxprep/internal/types"
	"github.com/forPelevin/voxprep/internal/usecase"
)

const StatusMessage = "Audio API is running"

// Processor runs one upload batch. The report carries the batch id and the
// per-file results in upload order.
type Processor interface {
	Process(ctx context.Context, sources []pipeline.Source, strategy types.SegmentKind) (pipeline.Report, error)
}

// Lookup finds previously processed files by file id or batch id.
type Lookup interface {
	Get(ctx context.Context, fileID string) (types.BatchResult, error)
	Batch(ctx context.Context, batchID string) ([]types.BatchResult, error)
}

type Options struct {
	Processor Processor
	// Results may be nil, in which case the lookup endpoints report 404.
	Results         Lookup
	DefaultStrategy types.SegmentKind
	MaxUploadBytes  int64
	// UploadDir holds uploaded files while they are processed. Empty means
	// the system temp dir.
	UploadDir string
	Logger    *slog.Logger
}

type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(opts Options) *Server {
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = types.KindSentence
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	s := &Server{opts: opts, logger: logging.Component(opts.Logger, "api-server"), mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /api/audio/upload", s.handleUpload)
	s.mux.HandleFunc("POST /api/audio/export/csv", s.handleExportCSV)
	s.mux.HandleFunc("GET /api/audio/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/audio/batch/{batch_id}", s.handleBatch)
	s.mux.HandleFunc("GET /api/audio/quality/{file_id}", s.handleQuality)
	s.mux.HandleFunc("GET /api/audio/download/{file_id}", s.handleDownload)
	s.mux.HandleFunc("GET /api/audio/download/{file_id}/segments/{n}", s.handleDownloadSegment)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Serve listens on bind until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, bind string) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	s.logger.Info("api server listening", "address", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": StatusMessage})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// PipelineProcessor runs uploads through pipeline.Run with a shared base
// configuration.
type PipelineProcessor struct {
	Base pipeline.Config
	Deps usecase.Deps
}

func (p PipelineProcessor) Process(ctx context.Context, sources []pipeline.Source, strategy types.SegmentKind) (pipeline.Report, error) {
	cfg := p.Base
	cfg.Sources = sources
	cfg.Strategy = strategy
	if cfg.BatchName == "" {
		cfg.BatchName = "upload"
	}
	return pipeline.Run(ctx, cfg, p.Deps)
}
