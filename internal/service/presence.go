package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/pkg/logger"
	"github.com/capitalize-ai/agentsync/pkg/metrics"
)

// presenceChange is the payload written to the presence log.
type presenceChange struct {
	NodeID     string               `json:"node_id"`
	SessionID  string               `json:"session_id"`
	Region     string               `json:"region,omitempty"`
	Status     model.PresenceStatus `json:"status"`
	PrevStatus model.PresenceStatus `json:"previous_status,omitempty"`
	LastSeen   time.Time            `json:"last_seen"`
}

// PresenceService tracks node liveness.
type PresenceService struct {
	store  *store.Store
	logger *logger.Logger
	window time.Duration
	now    func() time.Time
}

// NewPresenceService creates a presence service. window is the default
// staleness bound used by LiveNodes when the caller passes zero.
func NewPresenceService(st *store.Store, window time.Duration, log *logger.Logger) *PresenceService {
	return &PresenceService{store: st, logger: log, window: window, now: time.Now}
}

// Heartbeat upserts a node's presence. The first heartbeat of a node and any
// status change are appended to the presence log.
func (s *PresenceService) Heartbeat(ctx context.Context, p model.SessionPresence) (model.SessionPresence, error) {
	if p.LastSeen.IsZero() {
		p.LastSeen = s.now().UTC()
	}
	if p.Status == "" {
		p.Status = model.PresenceOnline
	}
	prev, err := s.store.UpsertPresence(ctx, p)
	if err != nil {
		return model.SessionPresence{}, err
	}
	if prev != nil && prev.Status == p.Status {
		return p, nil
	}

	change := presenceChange{
		NodeID:    p.NodeID,
		SessionID: p.SessionID,
		Region:    p.Region,
		Status:    p.Status,
		LastSeen:  p.LastSeen,
	}
	if prev != nil {
		change.PrevStatus = prev.Status
	}
	if _, err := s.store.AppendPresenceEvent(ctx, change); err != nil {
		s.logger.Error("failed to record presence change", zap.String("node_id", p.NodeID), zap.Error(err))
		return p, nil
	}
	metrics.SideChannelEvents.WithLabelValues(string(model.SideChannelPresence)).Inc()
	s.logger.Info("presence changed",
		zap.String("node_id", p.NodeID),
		zap.String("status", string(p.Status)),
		zap.String("previous_status", string(change.PrevStatus)),
	)
	return p, nil
}

// LiveNodes returns nodes seen within window. A zero window uses the service default.
func (s *PresenceService) LiveNodes(ctx context.Context, window time.Duration) ([]model.SessionPresence, error) {
	if window <= 0 {
		window = s.window
	}
	all, err := s.store.ListPresence(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	live := make([]model.SessionPresence, 0, len(all))
	for _, p := range all {
		if p.IsLive(now, window) {
			live = append(live, p)
		}
	}
	return live, nil
}

// All returns every presence record regardless of age.
func (s *PresenceService) All(ctx context.Context) ([]model.SessionPresence, error) {
	return s.store.ListPresence(ctx)
}
