package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kalambet/drinkwatch/internal/app"
	"github.com/kalambet/drinkwatch/internal/files"
	"github.com/kalambet/drinkwatch/internal/jobs"
	"github.com/kalambet/drinkwatch/internal/storage"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

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

// failWith maps domain errors to a status code and writes them.
func failWith(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrUnknownCapture):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, storage.ErrDuplicateExternalID),
		errors.Is(err, storage.ErrDuplicateFile),
		errors.Is(err, storage.ErrAlreadyCompleted),
		errors.Is(err, files.ErrExists),
		errors.Is(err, jobs.ErrAlreadyRunning),
		errors.Is(err, jobs.ErrNotRunning):
		httpError(w, http.StatusConflict, "conflict", "%s: %v", what, err)
	case errors.Is(err, files.ErrEmptyFile),
		errors.Is(err, files.ErrInvalidName),
		errors.Is(err, files.ErrUnknownType):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", what, err)
	case errors.Is(err, storage.ErrStorageUnavailable), errors.Is(err, jobs.ErrStopped):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%s: %v", what, err)
	case errors.Is(err, app.ErrNoCatalog), errors.Is(err, app.ErrNoCamera):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%s: %v", what, err)
	default:
		slog.Error("request failed", "what", what, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
