package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	middleware "github.com/markdave123-py/contexta-pipeline/internal/api/middlewares"
	"github.com/markdave123-py/contexta-pipeline/internal/core"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error kind to the HTTP status returned to callers.
func StatusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindFatal:
		if errors.Is(err, core.ErrForbidden) {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case core.KindValidation:
		return http.StatusUnprocessableEntity
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict, core.KindCancelled:
		return http.StatusConflict
	case core.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error()}
	if k := core.KindOf(err); k != core.KindUnknown {
		body.Kind = k.String()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// decodeOptional fills v from a JSON body; an empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return core.Fatal("decode request", err)
	}
	return nil
}

func ownerOf(r *http.Request) (string, bool) {
	return middleware.OwnerFromContext(r.Context())
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: "owner not found in context"})
}
