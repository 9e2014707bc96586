package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/packpool/packpool/internal/controlplane/coordinator"
	"github.com/packpool/packpool/internal/controlplane/store"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// writeDomainError maps sentinel errors from the lower layers onto HTTP
// statuses. Unknown errors surface as 500 without leaking internals.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, coordinator.ErrOperationInProgress):
		writeJSONError(w, http.StatusConflict, "operation_in_progress", err.Error())
	case errors.Is(err, store.ErrConflict):
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
