package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/agentsync/internal/middleware"
	"github.com/capitalize-ai/agentsync/internal/snapshot"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

// SnapshotHandler serves parity snapshot components.
type SnapshotHandler struct {
	builder *snapshot.Builder
	logger  *logger.Logger
}

// NewSnapshotHandler creates a new snapshot handler.
func NewSnapshotHandler(b *snapshot.Builder, log *logger.Logger) *SnapshotHandler {
	return &SnapshotHandler{builder: b, logger: log}
}

// Get handles GET /api/v1/snapshots/{component}
// Stream heads are limited to the caller's owner scope.
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.builder.Build(r.Context(), chi.URLParam(r, "component"), middleware.GetOwnerScope(r.Context()))
	if errors.Is(err, snapshot.ErrUnknownComponent) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeStoreError(w, h.logger, err, "build snapshot")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
