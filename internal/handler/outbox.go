package handler

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/pkg/logger"
	"github.com/capitalize-ai/agentsync/pkg/metrics"
)

// OutboxStore is the slice of the store the outbox endpoints use.
type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, eventID, transport string, payload []byte) (bool, error)
	GetOutbox(ctx context.Context, eventID string) (model.OutboxEntry, error)
	ListOutbox(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxEntry, error)
	OutboxSummary(ctx context.Context) (model.OutboxSummary, error)
	RequeueFailed(ctx context.Context, eventID string) (bool, error)
	RetryFailed(ctx context.Context, now time.Time, policy store.RetryPolicy) (int, error)
}

// OutboxHandler handles bridge outbox endpoints.
type OutboxHandler struct {
	store      OutboxStore
	transports []string
	policy     store.RetryPolicy
	logger     *logger.Logger
}

// NewOutboxHandler creates a new outbox handler. transports lists the names
// the drainer can deliver to; enqueues for anything else are rejected.
func NewOutboxHandler(st OutboxStore, transports []string, policy store.RetryPolicy, log *logger.Logger) *OutboxHandler {
	return &OutboxHandler{store: st, transports: transports, policy: policy, logger: log}
}

// ListOutboxResponse is the response for listing outbox entries.
type ListOutboxResponse struct {
	Entries []model.OutboxEntry `json:"entries"`
	Summary model.OutboxSummary `json:"summary"`
}

// RetryOutboxRequest selects one failed entry; empty retries every entry whose backoff elapsed.
type RetryOutboxRequest struct {
	EventID string `json:"event_id,omitempty"`
}

// RetryOutboxResponse reports how many entries went back to pending.
type RetryOutboxResponse struct {
	Requeued int `json:"requeued"`
}

// Enqueue handles POST /api/v1/outbox
// A new entry answers 201; an event_id that is already staged answers 200 with the stored entry.
func (h *OutboxHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req model.EnqueueOutboxRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EventID == "" {
		writeError(w, http.StatusBadRequest, "event_id is required")
		return
	}
	if !slices.Contains(h.transports, req.Transport) {
		writeError(w, http.StatusBadRequest, "unknown transport "+strconv.Quote(req.Transport))
		return
	}

	created, err := h.store.EnqueueOutbox(r.Context(), req.EventID, req.Transport, req.Payload)
	if err != nil {
		writeStoreError(w, h.logger, err, "enqueue outbox entry")
		return
	}
	entry, err := h.store.GetOutbox(r.Context(), req.EventID)
	if err != nil {
		writeStoreError(w, h.logger, err, "load outbox entry")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entry)
}

// List handles GET /api/v1/outbox?status=&limit=
func (h *OutboxHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt64(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	entries, err := h.store.ListOutbox(r.Context(), model.OutboxStatus(r.URL.Query().Get("status")), int(limit))
	if err != nil {
		writeStoreError(w, h.logger, err, "list outbox")
		return
	}
	summary, err := h.store.OutboxSummary(r.Context())
	if err != nil {
		writeStoreError(w, h.logger, err, "summarize outbox")
		return
	}
	writeJSON(w, http.StatusOK, ListOutboxResponse{Entries: entries, Summary: summary})
}

// Retry handles POST /api/v1/outbox/retry
// Naming an entry that exists but is not failed answers 409.
func (h *OutboxHandler) Retry(w http.ResponseWriter, r *http.Request) {
	var req RetryOutboxRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.EventID != "" {
		ok, err := h.store.RequeueFailed(r.Context(), req.EventID)
		if err != nil {
			writeStoreError(w, h.logger, err, "requeue outbox entry")
			return
		}
		if !ok {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "outbox entry is not failed", Code: "not_failed"})
			return
		}
		metrics.OutboxRequeued.Inc()
		h.logger.Info("outbox entry requeued by operator", zap.String("event_id", req.EventID))
		writeJSON(w, http.StatusOK, RetryOutboxResponse{Requeued: 1})
		return
	}

	n, err := h.store.RetryFailed(r.Context(), time.Now(), h.policy)
	if err != nil {
		writeStoreError(w, h.logger, err, "retry outbox entries")
		return
	}
	metrics.OutboxRequeued.Add(float64(n))
	writeJSON(w, http.StatusOK, RetryOutboxResponse{Requeued: n})
}
