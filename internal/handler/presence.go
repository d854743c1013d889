package handler

import (
	"net/http"
	"time"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/service"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

// PresenceHandler handles node heartbeat endpoints.
type PresenceHandler struct {
	service *service.PresenceService
	logger  *logger.Logger
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(svc *service.PresenceService, log *logger.Logger) *PresenceHandler {
	return &PresenceHandler{service: svc, logger: log}
}

// HeartbeatRequest is the body of a presence heartbeat. The server stamps last_seen.
type HeartbeatRequest struct {
	NodeID    string               `json:"node_id"`
	SessionID string               `json:"session_id"`
	Status    model.PresenceStatus `json:"status"`
	Region    string               `json:"region"`
}

// ListPresenceResponse is the response for listing live nodes.
type ListPresenceResponse struct {
	Nodes  []model.SessionPresence `json:"nodes"`
	Window string                  `json:"window,omitempty"`
}

// Heartbeat handles POST /api/v1/presence/heartbeat
func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Status {
	case "", model.PresenceOnline, model.PresenceIdle, model.PresenceDraining, model.PresenceOffline:
	default:
		writeError(w, http.StatusBadRequest, "unknown presence status")
		return
	}

	p, err := h.service.Heartbeat(r.Context(), model.SessionPresence{
		NodeID:    req.NodeID,
		SessionID: req.SessionID,
		Status:    req.Status,
		Region:    req.Region,
	})
	if err != nil {
		writeStoreError(w, h.logger, err, "record heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// List handles GET /api/v1/presence?window=45s
// window=0 returns every record regardless of age.
func (h *PresenceHandler) List(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "window must be a non-negative duration")
			return
		}
		if d == 0 {
			nodes, err := h.service.All(r.Context())
			if err != nil {
				writeStoreError(w, h.logger, err, "list presence")
				return
			}
			writeJSON(w, http.StatusOK, ListPresenceResponse{Nodes: nodes})
			return
		}
		window = d
	}

	nodes, err := h.service.LiveNodes(r.Context(), window)
	if err != nil {
		writeStoreError(w, h.logger, err, "list presence")
		return
	}
	resp := ListPresenceResponse{Nodes: nodes}
	if window > 0 {
		resp.Window = window.String()
	}
	writeJSON(w, http.StatusOK, resp)
}
