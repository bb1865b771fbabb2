package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"visiond/internal/coordinator"
	"visiond/internal/engine"
	"visiond/internal/lifecycle"
	"visiond/internal/pipeline"
	"visiond/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForError maps well-known core errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case lifecycle.IsUnknownVariant(err):
		return http.StatusNotFound
	case lifecycle.IsSwitchInProgress(err):
		return http.StatusConflict
	case lifecycle.IsNoModel(err),
		lifecycle.IsRecoveryExhausted(err),
		coordinator.IsStuckEngine(err),
		engine.IsLoadError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrNoFrame):
		return http.StatusConflict
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	switch status {
	case http.StatusConflict:
		IncrementBackpressure("conflict")
	case http.StatusTooManyRequests:
		IncrementBackpressure("too_many_requests")
	case http.StatusServiceUnavailable:
		IncrementBackpressure("unavailable")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
