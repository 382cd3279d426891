package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta-pipeline/internal/services"
)

// MaxUploadBytes bounds the multipart body of an upload.
const MaxUploadBytes = 52 << 20

type SourceHandler struct {
	sources *services.SourceService
	ing     ingestion_engine.Ingestor
	logger  *slog.Logger
}

func NewSourceHandler(sources *services.SourceService, ing ingestion_engine.Ingestor, logger *slog.Logger) *SourceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceHandler{sources: sources, ing: ing, logger: logger.With("component", "http")}
}

// Upload stores a PDF from the multipart "file" field and schedules its processing.
func (h *SourceHandler) Upload(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(r)
	if !ok {
		unauthorized(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		writeError(w, h.logger, r, core.Fatal("upload", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, h.logger, r, core.Fatal("upload", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, h.logger, r, core.Fatal("upload", err))
		return
	}

	src, err := h.sources.Upload(r.Context(), owner, header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (h *SourceHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(r)
	if !ok {
		unauthorized(w)
		return
	}
	srcs, err := h.sources.List(r.Context(), owner)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srcs)
}

type processRequest struct {
	Force bool `json:"force"`
}

// Process runs extraction and chunking in the request. The run is detached from
// the request context so a dropped connection cannot strand its jobs.
func (h *SourceHandler) Process(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(r)
	if !ok {
		unauthorized(w)
		return
	}
	var req processRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	res, err := h.ing.ProcessSource(context.WithoutCancel(r.Context()), chi.URLParam(r, "id"),
		ingestion_engine.ProcessOptions{ForceReprocess: req.Force, OwnerID: owner})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type embedRequest struct {
	Force      bool `json:"force"`
	BatchSize  int  `json:"batch_size"`
	MaxBatches int  `json:"max_batches"`
}

func (h *SourceHandler) Embed(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(r)
	if !ok {
		unauthorized(w)
		return
	}
	var req embedRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	res, err := h.ing.GenerateEmbeddings(context.WithoutCancel(r.Context()), chi.URLParam(r, "id"), ingestion_engine.EmbedOptions{
		BatchSize:      req.BatchSize,
		MaxBatches:     req.MaxBatches,
		ForceReprocess: req.Force,
		OwnerID:        owner,
	})
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type embeddingStatus struct {
	SourceID  string `json:"source_id"`
	Total     int    `json:"total"`
	Embedded  int    `json:"embedded"`
	Remaining int    `json:"remaining"`
}

func (h *SourceHandler) EmbeddingStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(r)
	if !ok {
		unauthorized(w)
		return
	}
	id := chi.URLParam(r, "id")
	counts, err := h.ing.EmbeddingStatus(r.Context(), id, owner)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, embeddingStatus{
		SourceID: id, Total: counts.Total, Embedded: counts.Embedded, Remaining: counts.Remaining(),
	})
}

func (h *SourceHandler) Status(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(r)
	if !ok {
		unauthorized(w)
		return
	}
	st, err := h.ing.Status(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Retry resets failed stages and schedules the run; it answers before the run starts.
func (h *SourceHandler) Retry(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(r)
	if !ok {
		unauthorized(w)
		return
	}
	res, err := h.sources.Retry(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *SourceHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(r)
	if !ok {
		unauthorized(w)
		return
	}
	if err := h.ing.Cancel(r.Context(), chi.URLParam(r, "id"), owner); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
