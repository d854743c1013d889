package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/agentsync/internal/middleware"
	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/service"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

// CheckpointHandler handles consumer checkpoint endpoints.
type CheckpointHandler struct {
	service *service.StreamService
	logger  *logger.Logger
}

// NewCheckpointHandler creates a new checkpoint handler.
func NewCheckpointHandler(svc *service.StreamService, log *logger.Logger) *CheckpointHandler {
	return &CheckpointHandler{service: svc, logger: log}
}

func checkpointParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	clientID, streamID := chi.URLParam(r, "client"), chi.URLParam(r, "stream")
	if err := middleware.ValidateClientID(clientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	if err := middleware.ValidateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return clientID, streamID, true
}

// Get handles GET /api/v1/checkpoints/{client}/{stream}
// An absent checkpoint reads as seq 0.
func (h *CheckpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	clientID, streamID, ok := checkpointParams(w, r)
	if !ok {
		return
	}
	cp, err := h.service.Checkpoint(r.Context(), middleware.GetOwnerScope(r.Context()), clientID, streamID)
	if err != nil {
		writeStoreError(w, h.logger, err, "read checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// ListByStream handles GET /api/v1/streams/{id}/checkpoints
func (h *CheckpointHandler) ListByStream(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "id")
	if err := middleware.ValidateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cps, err := h.service.Checkpoints(r.Context(), middleware.GetOwnerScope(r.Context()), streamID)
	if err != nil {
		writeStoreError(w, h.logger, err, "list checkpoints")
		return
	}
	writeJSON(w, http.StatusOK, model.ListCheckpointsResponse{Checkpoints: cps})
}

// Put handles PUT /api/v1/checkpoints/{client}/{stream}
// Moving backwards answers 409 and leaves the stored checkpoint as it was.
func (h *CheckpointHandler) Put(w http.ResponseWriter, r *http.Request) {
	clientID, streamID, ok := checkpointParams(w, r)
	if !ok {
		return
	}
	var req model.AdvanceCheckpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cp, err := h.service.AdvanceCheckpoint(r.Context(), middleware.GetOwnerScope(r.Context()), clientID, streamID, &req)
	if err != nil {
		writeStoreError(w, h.logger, err, "advance checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}
