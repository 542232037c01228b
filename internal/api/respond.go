package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koshbank/recon/internal/storage"
)

// jsonErrorResponse is the error envelope every failing route returns.
type jsonErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeJSON encodes v with the given status. Encoding failures after
// the header is out can only be logged by the caller's middleware.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an error response encoded as JSON with the given status.
func writeJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	payload := jsonErrorResponse{
		Error: strings.TrimSpace(message),
	}
	if detail := strings.TrimSpace(details); detail != "" {
		payload.Details = detail
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeServiceUnavailable emits a structured 503 with a short retry window.
func writeServiceUnavailable(w http.ResponseWriter, message, details string) {
	if w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", strconv.Itoa(int((5 * time.Second).Seconds())))
	}
	writeJSONError(w, http.StatusServiceUnavailable, message, details)
}

// writeStoreError maps storage sentinel errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, message, err.Error())
	case errors.Is(err, storage.ErrAlreadyResolved):
		writeJSONError(w, http.StatusConflict, message, err.Error())
	case errors.Is(err, storage.ErrClosed):
		writeServiceUnavailable(w, message, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, message, err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
}
