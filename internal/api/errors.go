package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nv-mldev/email-agent/internal/pipeline"
	"github.com/nv-mldev/email-agent/internal/stage"
	"github.com/nv-mldev/email-agent/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// recordError maps errors from record operations to responses.
func recordError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "record not found")
	case errors.Is(err, stage.ErrNotPending),
		errors.Is(err, stage.ErrNotRedrivable),
		errors.Is(err, storage.ErrStatusConflict),
		errors.Is(err, pipeline.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
