// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/capitalize-ai/agentsync/internal/middleware"
	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/service"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

// IdempotencyKeyHeader carries the append idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// StreamHandler handles stream and event endpoints.
type StreamHandler struct {
	service *service.StreamService
	logger  *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc *service.StreamService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/streams
func (h *StreamHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateStreamRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateStreamID(req.StreamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stream, err := h.service.Create(r.Context(), middleware.GetOwnerScope(r.Context()), &req)
	if err != nil {
		writeStoreError(w, h.logger, err, "create stream")
		return
	}
	writeJSON(w, http.StatusCreated, stream)
}

// List handles GET /api/v1/streams
func (h *StreamHandler) List(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.List(r.Context(), middleware.GetOwnerScope(r.Context()))
	if err != nil {
		writeStoreError(w, h.logger, err, "list streams")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/streams/{id}
func (h *StreamHandler) Get(w http.ResponseWriter, r *http.Request) {
	stream, err := h.service.Get(r.Context(), middleware.GetOwnerScope(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, h.logger, err, "get stream")
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

// Append handles POST /api/v1/streams/{id}/events
//
// The idempotency key comes from the Idempotency-Key header or the body; a
// request without either gets a generated key and is therefore never deduplicated.
// New events answer 201, replays of a committed key 200 and key reuse with a
// different payload 409.
func (h *StreamHandler) Append(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "id")
	if err := middleware.ValidateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.AppendEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
		req.IdempotencyKey = key
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.Must(uuid.NewV7()).String()
	}
	if err := middleware.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	resp, err := h.service.Append(r.Context(), middleware.GetOwnerScope(r.Context()), streamID, &req)
	if err != nil {
		writeStoreError(w, h.logger, err, "append event")
		return
	}

	w.Header().Set(IdempotencyKeyHeader, req.IdempotencyKey)
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// Events handles GET /api/v1/streams/{id}/events?after_seq=N&limit=M
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	afterSeq, ok := queryInt64(r, "after_seq")
	if !ok {
		writeError(w, http.StatusBadRequest, "after_seq must be a non-negative integer")
		return
	}
	limit, ok := queryInt64(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if limit == 0 {
		limit = store.DefaultReadLimit
	}

	resp, err := h.service.Read(r.Context(), middleware.GetOwnerScope(r.Context()), chi.URLParam(r, "id"), afterSeq, int(limit))
	if err != nil {
		writeStoreError(w, h.logger, err, "read events")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
