package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/wesm/caseload/internal/analytics"
	"github.com/wesm/caseload/internal/fetch"
)

// writeJSON writes v as JSON with the given HTTP status code.
// Logs a warning if JSON encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encoding response: %v", err)
	}
}

// writeError writes a JSON error response with the given status
// and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonError{Error: msg})
}

// handleContextError detects context.Canceled and
// context.DeadlineExceeded errors, returning true so the
// caller stops processing. It does NOT write an HTTP
// response: the withTimeout middleware handles that via
// http.TimeoutHandler (503). Writing here would race with
// the middleware's buffered response.
func handleContextError(_ http.ResponseWriter, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// writeMetricsError maps an assembler error onto a status code.
func writeMetricsError(w http.ResponseWriter, err error) {
	if handleContextError(w, err) {
		return
	}
	switch {
	case errors.Is(err, analytics.ErrInvalidSortKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fetch.ErrStoreUnavailable):
		log.Printf("metrics: %v", err)
		writeError(w, http.StatusBadGateway, "row store unavailable")
	default:
		log.Printf("metrics error: %v", err)
		writeError(w, http.StatusInternalServerError,
			"internal server error")
	}
}
