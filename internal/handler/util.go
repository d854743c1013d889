package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// queryInt64 parses an optional non-negative integer query parameter.
func queryInt64(r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// writeStoreError maps store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, log *logger.Logger, err error, action string) {
	var status int
	var code string
	switch {
	case errors.Is(err, store.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, store.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrRegression):
		status, code = http.StatusConflict, "regression"
	case errors.Is(err, store.ErrStreamClassMismatch):
		status, code = http.StatusConflict, "stream_class_mismatch"
	case errors.Is(err, store.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, store.ErrScopeMismatch):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrStreamNotFound),
		errors.Is(err, store.ErrOutboxNotFound),
		errors.Is(err, store.ErrAssignmentNotFound),
		errors.Is(err, store.ErrProviderNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrIntegrity):
		log.Error("integrity check failed", zap.String("action", action), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "stored payload failed verification", Code: "integrity"})
		return
	default:
		log.Error("request failed", zap.String("action", action), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to "+action)
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
