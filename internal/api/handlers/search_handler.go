package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/markdave123-py/contexta-pipeline/internal/core"
	"github.com/markdave123-py/contexta-pipeline/internal/services"
)

type SearchHandler struct {
	search *services.SearchService
	logger *slog.Logger
}

func NewSearchHandler(search *services.SearchService, logger *slog.Logger) *SearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHandler{search: search, logger: logger.With("component", "http")}
}

type searchResponse struct {
	Results any `json:"results"`
}

// Search ranks the caller's indexed documents and chunks against a query
// embedding or query text.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOf(r)
	if !ok {
		unauthorized(w)
		return
	}

	var req services.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, r, core.Fatal("decode search", err))
		return
	}

	results, err := h.search.Search(r.Context(), owner, req)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if results == nil {
		writeJSON(w, http.StatusOK, searchResponse{Results: []any{}})
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}
