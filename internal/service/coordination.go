package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/pkg/logger"
	"github.com/capitalize-ai/agentsync/pkg/metrics"
)

// coordinationRecord is the payload written to the coordination log.
type coordinationRecord struct {
	Kind         string                 `json:"kind"`
	AssignmentID string                 `json:"assignment_id,omitempty"`
	ProviderID   string                 `json:"provider_id"`
	StreamID     string                 `json:"stream_id,omitempty"`
	From         model.AssignmentStatus `json:"from,omitempty"`
	To           model.AssignmentStatus `json:"to,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
}

// CoordinationService owns provider capabilities and compute assignments.
type CoordinationService struct {
	store  *store.Store
	logger *logger.Logger
}

// NewCoordinationService creates a coordination service.
func NewCoordinationService(st *store.Store, log *logger.Logger) *CoordinationService {
	return &CoordinationService{store: st, logger: log}
}

// UpsertProvider registers or refreshes a provider's capabilities.
func (s *CoordinationService) UpsertProvider(ctx context.Context, p model.ProviderCapability) (model.ProviderCapability, error) {
	out, err := s.store.UpsertProvider(ctx, p)
	if err != nil {
		return model.ProviderCapability{}, err
	}
	s.record(ctx, coordinationRecord{Kind: "provider_upserted", ProviderID: out.ProviderID})
	return out, nil
}

// CreateAssignment assigns a stream to a known provider in pending status.
func (s *CoordinationService) CreateAssignment(ctx context.Context, req *model.CreateAssignmentRequest) (model.ComputeAssignment, error) {
	if req.StreamID == "" {
		return model.ComputeAssignment{}, fmt.Errorf("%w: stream_id is required", store.ErrInvalidArgument)
	}
	if _, err := s.store.GetProvider(ctx, req.ProviderID); err != nil {
		return model.ComputeAssignment{}, err
	}
	a, err := s.store.CreateAssignment(ctx, model.ComputeAssignment{
		ProviderID: req.ProviderID,
		StreamID:   req.StreamID,
	})
	if err != nil {
		return model.ComputeAssignment{}, err
	}
	s.record(ctx, coordinationRecord{
		Kind:         "assignment_created",
		AssignmentID: a.AssignmentID,
		ProviderID:   a.ProviderID,
		StreamID:     a.StreamID,
		To:           a.Status,
	})
	return a, nil
}

// Transition moves an assignment to a new status. Illegal moves fail with
// store.ErrInvalidTransition and are not recorded.
func (s *CoordinationService) Transition(ctx context.Context, assignmentID string, req *model.TransitionAssignmentRequest) (model.ComputeAssignment, error) {
	if !req.Status.Valid() {
		return model.ComputeAssignment{}, fmt.Errorf("%w: unknown status %q", store.ErrInvalidArgument, req.Status)
	}
	a, prev, err := s.store.TransitionAssignment(ctx, assignmentID, req.Status)
	if err != nil {
		return model.ComputeAssignment{}, err
	}
	s.record(ctx, coordinationRecord{
		Kind:         "assignment_transitioned",
		AssignmentID: a.AssignmentID,
		ProviderID:   a.ProviderID,
		StreamID:     a.StreamID,
		From:         prev,
		To:           a.Status,
		Reason:       req.Reason,
	})
	return a, nil
}

// Assignments lists a stream's assignments.
func (s *CoordinationService) Assignments(ctx context.Context, streamID string) ([]model.ComputeAssignment, error) {
	return s.store.ListAssignments(ctx, streamID)
}

func (s *CoordinationService) record(ctx context.Context, rec coordinationRecord) {
	if _, err := s.store.AppendCoordinationEvent(ctx, rec); err != nil {
		s.logger.Error("failed to record coordination event",
			zap.String("kind", rec.Kind),
			zap.String("assignment_id", rec.AssignmentID),
			zap.Error(err),
		)
		return
	}
	metrics.SideChannelEvents.WithLabelValues(string(model.SideChannelCoordination)).Inc()
}
