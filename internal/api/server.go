// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/T21C/tuf-backend-sub004/internal/auth"
	"github.com/T21C/tuf-backend-sub004/internal/logging"
	"github.com/T21C/tuf-backend-sub004/internal/metrics"
	"github.com/T21C/tuf-backend-sub004/internal/packs"
	"github.com/T21C/tuf-backend-sub004/internal/storage"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// Server is the HTTP server.
type Server struct {
	service *packs.Service
	backend storage.Backend
	auth    *auth.Auth
}

// NewServer creates a new server.
func NewServer(service *packs.Service, backend storage.Backend, authHandler *auth.Auth) *Server {
	return &Server{
		service: service,
		backend: backend,
		auth:    authHandler,
	}
}

// Handler returns the routed handler with logging and metrics
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/packs", s.auth.Middleware(http.HandlerFunc(s.handleSubmit)))
	mux.HandleFunc("GET /api/packs/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /api/downloads/{id}", s.handleDownload)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return logging.Middleware(metrics.Middleware(mux))
}

// submitRequest is the wire shape of a pack submission.
type submitRequest struct {
	ZipName    string          `json:"zipName"`
	Tree       json.RawMessage `json:"tree"`
	CacheKey   string          `json:"cacheKey,omitempty"`
	DownloadID string          `json:"downloadId,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := packs.CheckZipName(req.ZipName); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Tree) == 0 {
		s.sendError(w, http.StatusBadRequest, "tree is required")
		return
	}
	tree, err := packs.ParseTree(req.Tree)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.service.Submit(r.Context(), &packs.PackRequest{
		ZipName:    req.ZipName,
		Tree:       tree,
		CacheKey:   req.CacheKey,
		DownloadID: req.DownloadID,
	})
	if err != nil {
		var sizeErr *packs.SizeLimitError
		if errors.As(err, &sizeErr) {
			s.sendJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":              "estimated pack size exceeds the limit",
				"code":               "PACK_SIZE_LIMIT_EXCEEDED",
				"estimatedSizeBytes": sizeErr.EstimatedSizeBytes,
				"maxSizeBytes":       sizeErr.MaxSizeBytes,
			})
			return
		}
		var valErr *packs.ValidationError
		if errors.As(err, &valErr) {
			s.sendError(w, http.StatusBadRequest, valErr.Error())
			return
		}
		logging.Error("pack submission failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "pack generation failed")
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.service.Job(id)
	if !ok {
		s.sendError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	s.sendJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.service.Entry(id)
	if !ok {
		s.sendError(w, http.StatusNotFound, "download not found or expired: "+id)
		return
	}

	// Remote artifacts redirect to a freshly signed URL.
	if entry.StorageType != "local" {
		url, err := s.service.PresignEntry(r.Context(), entry)
		if err != nil {
			logging.Error("presign failed", zap.String("key", entry.Location), zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "could not sign download URL")
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	s.serveLocal(w, r, entry)
}

// serveLocal streams a local artifact with byte-range support.
func (s *Server) serveLocal(w http.ResponseWriter, r *http.Request, entry *packs.CompletedEntry) {
	info, err := s.backend.Stat(r.Context(), entry.Location)
	if err != nil || !info.Exists {
		s.sendError(w, http.StatusNotFound, "artifact missing: "+entry.DownloadID)
		return
	}
	totalSize := info.Size

	offset, length, hasRange, err := parseRangeHeader(r.Header.Get("Range"), totalSize)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", totalSize))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	reader, _, err := s.backend.GetObject(r.Context(), entry.Location, offset, length)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", entry.ZipName))
	w.Header().Set("Accept-Ranges", "bytes")

	if hasRange {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, totalSize))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(totalSize, 10))
		w.WriteHeader(http.StatusOK)
	}

	n, err := io.Copy(w, reader)
	if err != nil {
		logging.Warn("download transfer error",
			zap.String("download_id", entry.DownloadID), zap.Error(err))
	}
	metrics.RecordDownloadBytes(n)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseRangeHeader parses a single-range header. Returns an error for
// malformed or out-of-bounds ranges, which callers answer with 416.
func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange bool, err error) {
	if rangeHeader == "" {
		return 0, totalSize, false, nil
	}

	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		return 0, 0, false, fmt.Errorf("invalid range header %q", rangeHeader)
	}
	startStr, endStr := matches[1], matches[2]
	if startStr == "" && endStr == "" {
		return 0, 0, false, fmt.Errorf("invalid range header %q", rangeHeader)
	}

	// Suffix form: bytes=-N, the final N bytes.
	if startStr == "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		if suffix <= 0 {
			return 0, 0, false, fmt.Errorf("invalid suffix range %q", rangeHeader)
		}
		if suffix > totalSize {
			suffix = totalSize
		}
		return totalSize - suffix, suffix, true, nil
	}

	offset, _ = strconv.ParseInt(startStr, 10, 64)
	if offset >= totalSize {
		return 0, 0, false, fmt.Errorf("range start %d beyond size %d", offset, totalSize)
	}

	if endStr == "" {
		return offset, totalSize - offset, true, nil
	}

	end, _ := strconv.ParseInt(endStr, 10, 64)
	if end < offset {
		return 0, 0, false, fmt.Errorf("invalid range %q", rangeHeader)
	}
	if end >= totalSize {
		end = totalSize - 1
	}
	return offset, end - offset + 1, true, nil
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
