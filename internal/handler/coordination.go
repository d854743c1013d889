package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/service"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

// CoordinationHandler handles provider and assignment endpoints.
type CoordinationHandler struct {
	service *service.CoordinationService
	logger  *logger.Logger
}

// NewCoordinationHandler creates a new coordination handler.
func NewCoordinationHandler(svc *service.CoordinationService, log *logger.Logger) *CoordinationHandler {
	return &CoordinationHandler{service: svc, logger: log}
}

// UpsertProvider handles POST /api/v1/providers
func (h *CoordinationHandler) UpsertProvider(w http.ResponseWriter, r *http.Request) {
	var req model.ProviderCapability
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.service.UpsertProvider(r.Context(), req)
	if err != nil {
		writeStoreError(w, h.logger, err, "upsert provider")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateAssignment handles POST /api/v1/assignments
func (h *CoordinationHandler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAssignmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.service.CreateAssignment(r.Context(), &req)
	if err != nil {
		writeStoreError(w, h.logger, err, "create assignment")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Transition handles POST /api/v1/assignments/{id}/transition
func (h *CoordinationHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req model.TransitionAssignmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.service.Transition(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeStoreError(w, h.logger, err, "transition assignment")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAssignments handles GET /api/v1/streams/{id}/assignments
func (h *CoordinationHandler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Assignments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, h.logger, err, "list assignments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": list})
}
