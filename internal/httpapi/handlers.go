package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/forPelevin/voxprep/internal/domain/ingest"
	"github.com/forPelevin/voxprep/internal/domain/manifest"
	"github.com/forPelevin/voxprep/internal/domain/segmentation"
	"github.com/forPelevin/voxprep/internal/failures"
	"github.com/forPelevin/voxprep/internal/pipeline"
	"github.com/forPelevin/voxprep/internal/store"
	"github.com/forPelevin/voxprep/internal/types"
)

const multipartMemory = 32 << 20

type uploadResponse struct {
	BatchID string              `json:"batch_id,omitempty"`
	Results []types.BatchResult `json:"results"`
	Error   string              `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d MB", s.opts.MaxUploadBytes>>20))
			return
		}
		s.writeError(w, http.StatusBadRequest, "No files provided")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.writeError(w, http.StatusBadRequest, "No files provided")
		return
	}
	named := false
	for _, fh := range files {
		if strings.TrimSpace(fh.Filename) != "" {
			named = true
			break
		}
	}
	if !named {
		s.writeError(w, http.StatusBadRequest, "No files selected")
		return
	}

	strategy := s.opts.DefaultStrategy
	if v := strings.TrimSpace(r.FormValue("segmentation_type")); v != "" {
		parsed, err := segmentation.ParseStrategy(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		strategy = parsed
	}

	tmp, err := os.MkdirTemp(s.opts.UploadDir, "voxprep-upload-*")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "prepare upload: "+err.Error())
		return
	}
	defer os.RemoveAll(tmp)

	sources := make([]pipeline.Source, 0, len(files))
	for i, fh := range files {
		dst := filepath.Join(tmp, fmt.Sprintf("%03d", i))
		if ext := ingest.Extension(fh.Filename); ext != "" {
			dst += "." + ext
		}
		if err := saveUpload(fh, dst); err != nil {
			s.logger.Warn("save upload", "file", fh.Filename, "error", err)
			if failures.IsResourceExhaustion(err) {
				s.writeError(w, http.StatusInsufficientStorage, err.Error())
				return
			}
			dst = ""
		}
		sources = append(sources, pipeline.Source{Filename: fh.Filename, Path: dst})
	}

	rep, err := s.opts.Processor.Process(r.Context(), sources, strategy)
	if err != nil {
		status := http.StatusInternalServerError
		if failures.IsResourceExhaustion(err) {
			status = http.StatusInsufficientStorage
		}
		s.logger.Error("upload batch stopped", "error", err)
		s.writeJSON(w, status, uploadResponse{BatchID: rep.BatchID, Results: rep.Results, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, uploadResponse{BatchID: rep.BatchID, Results: rep.Results})
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Results *[]types.BatchResult `json:"results"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes))
	if err := dec.Decode(&body); err != nil || body.Results == nil {
		s.writeError(w, http.StatusBadRequest, "No results provided")
		return
	}
	var buf bytes.Buffer
	if err := manifest.WriteTraining(&buf, manifest.TrainingRows(*body.Results)); err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to generate CSV")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+manifest.TrainingFilename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type qualityResponse struct {
	FileID   string                `json:"file_id"`
	Filename string                `json:"original_filename"`
	Quality  *types.QualityVerdict `json:"quality_assessment"`
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if res.Quality == nil {
		s.writeError(w, http.StatusNotFound, "no quality assessment for file")
		return
	}
	s.writeJSON(w, http.StatusOK, qualityResponse{FileID: res.FileID, Filename: res.Filename, Quality: res.Quality})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if res.WavPath == "" {
		s.writeError(w, http.StatusNotFound, "no audio for file")
		return
	}
	s.serveAudio(w, r, res.WavPath)
}

func (s *Server) handleDownloadSegment(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		s.writeError(w, http.StatusBadRequest, "invalid segment number")
		return
	}
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	for _, seg := range res.Segments {
		if seg.Index == n && seg.Path != "" {
			s.serveAudio(w, r, seg.Path)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "segment not found")
}

// handleBatch lists the stored results of one upload batch in the order
// they were stored.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("batch_id"))
	if s.opts.Results == nil || id == "" {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	results, err := s.opts.Results.Batch(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(results) == 0 {
		s.writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.writeJSON(w, http.StatusOK, uploadResponse{BatchID: id, Results: results})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (types.BatchResult, bool) {
	id := strings.TrimSpace(r.PathValue("file_id"))
	if s.opts.Results == nil || id == "" {
		s.writeError(w, http.StatusNotFound, "file not found")
		return types.BatchResult{}, false
	}
	res, err := s.opts.Results.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "file not found")
			return types.BatchResult{}, false
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return types.BatchResult{}, false
	}
	return res, true
}

func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, "audio file is gone")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}
