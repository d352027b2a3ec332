package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"receiptwise/internal/util"
	"receiptwise/services/receipt/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	MaxUploadBytes int64
	ServiceName    string
}

// Server exposes HTTP endpoints for receipt ingestion and polling.
// Authentication is handled upstream; the caller identity arrives in
// the X-User-Id header.
type Server struct {
	app            *app.App
	maxUploadBytes int64
	serviceName    string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "receipt"
	}
	s := &Server{
		app:            cfg.App,
		maxUploadBytes: cfg.MaxUploadBytes,
		serviceName:    name,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.serviceName, util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/receipts", s.withOwner(s.handleReceipts))
	s.mux.Handle("/receipts/", s.withOwner(s.handleReceiptByID))
	s.mux.Handle("/jobs/", s.withOwner(s.handleJobByID))
	s.mux.Handle("/categories", s.withOwner(s.handleCategories))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

func (s *Server) withOwner(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if ownerID == "" {
			writeError(w, http.StatusUnauthorized, "missing X-User-Id header")
			return
		}
		next(w, r, ownerID)
	})
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request, ownerID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r, ownerID)
	case http.MethodGet:
		s.handleList(w, ownerID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, ownerID string) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	receipt, job, err := s.app.UploadReceipt(r.Context(), app.UploadInput{
		OwnerID:     ownerID,
		Filename:    header.Filename,
		ContentType: app.NormalizeContentType(header.Header.Get("Content-Type")),
		Size:        header.Size,
		CategoryID:  strings.TrimSpace(r.FormValue("categoryId")),
	}, file)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Receipt: receipt, JobID: job.ID})
}

func (s *Server) handleList(w http.ResponseWriter, ownerID string) {
	receipts, err := s.app.ListReceipts(ownerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": receipts,
		"count": len(receipts),
	})
}

func (s *Server) handleReceiptByID(w http.ResponseWriter, r *http.Request, ownerID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/receipts/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		receipt, err := s.app.GetReceipt(ownerID, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, receipt)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.app.DeleteReceipt(r.Context(), ownerID, id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case action == "download" && r.Method == http.MethodGet:
		url, filename, err := s.app.GetDownloadURL(r.Context(), ownerID, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url, "filename": filename})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	job, ok, err := s.app.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if !ok || job.Payload.OwnerID != ownerID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		ID:           job.ID,
		ReceiptID:    job.Payload.ReceiptID,
		Status:       job.Status,
		Progress:     job.Progress,
		Attempts:     job.Attempts,
		ErrorMessage: job.ErrorMessage,
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	categories, err := s.app.ListCategories(ownerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": categories,
		"count": len(categories),
	})
}

type uploadResponse struct {
	Receipt any    `json:"receipt"`
	JobID   string `json:"jobId"`
}

type jobResponse struct {
	ID           string `json:"id"`
	ReceiptID    string `json:"receiptId"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Attempts     int    `json:"attempts"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "receipt not found")
	case errors.Is(err, app.ErrStoreWrite):
		writeError(w, http.StatusBadGateway, "could not store the uploaded file, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
