// Package service provides business logic on top of the stream store.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/pkg/logger"
	"github.com/capitalize-ai/agentsync/pkg/metrics"
	"github.com/capitalize-ai/agentsync/pkg/tracing"
)

// StreamService handles stream, event and checkpoint operations.
type StreamService struct {
	store  *store.Store
	logger *logger.Logger
}

// NewStreamService creates a new stream service.
func NewStreamService(st *store.Store, log *logger.Logger) *StreamService {
	return &StreamService{store: st, logger: log}
}

// conflictRecord is the payload written to the conflict log.
type conflictRecord struct {
	StreamID       string `json:"stream_id"`
	IdempotencyKey string `json:"idempotency_key"`
	ExistingSeq    int64  `json:"existing_seq"`
	ExistingHash   string `json:"existing_hash"`
	ProposedHash   string `json:"proposed_hash"`
	OwnerScope     string `json:"owner_scope,omitempty"`
}

// Create ensures a stream exists with the requested class.
func (s *StreamService) Create(ctx context.Context, scope string, req *model.CreateStreamRequest) (model.Stream, error) {
	return s.store.EnsureStream(ctx, model.Stream{
		ID:         req.StreamID,
		Class:      req.Class,
		OwnerScope: scope,
	})
}

// Get retrieves a stream visible to scope.
func (s *StreamService) Get(ctx context.Context, scope, streamID string) (model.Stream, error) {
	stream, err := s.store.GetStream(ctx, streamID)
	if err != nil {
		return model.Stream{}, err
	}
	if err := checkScope(stream, scope); err != nil {
		return model.Stream{}, err
	}
	return stream, nil
}

// List retrieves the streams owned by scope.
func (s *StreamService) List(ctx context.Context, scope string) (*model.ListStreamsResponse, error) {
	streams, err := s.store.ListStreams(ctx, scope)
	if err != nil {
		return nil, err
	}
	if streams == nil {
		streams = []model.Stream{}
	}
	return &model.ListStreamsResponse{Streams: streams, Total: len(streams)}, nil
}

// Append commits an event. A key reused with a different payload is recorded
// in the conflict log before the error is returned.
func (s *StreamService) Append(ctx context.Context, scope, streamID string, req *model.AppendEventRequest) (resp *model.AppendEventResponse, err error) {
	ctx, span := tracing.Start(ctx, "stream.append",
		attribute.String("stream_id", streamID),
		attribute.String("idempotency_key", req.IdempotencyKey),
	)
	defer func() { tracing.End(span, err) }()

	start := time.Now()
	res, err := s.store.Append(ctx, store.AppendRequest{
		StreamID:       streamID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		Class:          req.Class,
		OwnerScope:     scope,
		Bridge:         req.Bridge,
	})
	elapsed := time.Since(start).Seconds()

	class := string(req.Class)
	if class == "" {
		class = string(model.StreamClassDefault)
	}

	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		metrics.RecordAppend(class, "conflict", elapsed)
		s.recordConflict(ctx, conflict, scope)
		return nil, err
	case err != nil:
		metrics.RecordAppend(class, "error", elapsed)
		return nil, err
	}

	outcome := "created"
	if res.Duplicate {
		outcome = "duplicate"
	}
	metrics.RecordAppend(string(res.Class), outcome, elapsed)
	span.SetAttributes(attribute.Int64("seq", res.Event.Seq), attribute.Bool("duplicate", res.Duplicate))

	s.logger.Debug("event appended",
		zap.String("stream_id", streamID),
		zap.Int64("seq", res.Event.Seq),
		zap.Bool("duplicate", res.Duplicate),
	)

	return &model.AppendEventResponse{
		StreamID:      res.Event.StreamID,
		Seq:           res.Event.Seq,
		DurableOffset: res.Event.DurableOffset,
		PayloadHash:   res.Event.PayloadHash,
		Duplicate:     res.Duplicate,
	}, nil
}

func (s *StreamService) recordConflict(ctx context.Context, conflict *store.ConflictError, scope string) {
	s.logger.Warn("idempotency conflict",
		zap.String("stream_id", conflict.StreamID),
		zap.String("idempotency_key", conflict.IdempotencyKey),
		zap.Int64("existing_seq", conflict.ExistingSeq),
	)
	_, err := s.store.AppendConflictEvent(ctx, conflictRecord{
		StreamID:       conflict.StreamID,
		IdempotencyKey: conflict.IdempotencyKey,
		ExistingSeq:    conflict.ExistingSeq,
		ExistingHash:   conflict.ExistingHash,
		ProposedHash:   conflict.ProposedHash,
		OwnerScope:     scope,
	})
	if err != nil {
		s.logger.Error("failed to record conflict event", zap.Error(err))
		return
	}
	metrics.SideChannelEvents.WithLabelValues(string(model.SideChannelConflict)).Inc()
}

// Read returns events after afterSeq. Unknown streams read as empty.
func (s *StreamService) Read(ctx context.Context, scope, streamID string, afterSeq int64, limit int) (*model.ListEventsResponse, error) {
	stream, err := s.store.GetStream(ctx, streamID)
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return &model.ListEventsResponse{Events: []model.Event{}, LastSeq: afterSeq}, nil
	case err != nil:
		return nil, err
	}
	if err := checkScope(stream, scope); err != nil {
		return nil, err
	}

	events, err := s.store.ReadFrom(ctx, streamID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	head, err := s.store.Head(ctx, streamID)
	if err != nil {
		return nil, err
	}

	last := afterSeq
	if n := len(events); n > 0 {
		last = events[n-1].Seq
	}
	if events == nil {
		events = []model.Event{}
	}
	return &model.ListEventsResponse{
		Events:  events,
		HasMore: last < head,
		LastSeq: last,
		HeadSeq: head,
	}, nil
}

// Head returns the current head of a stream, or 0 when it does not exist.
func (s *StreamService) Head(ctx context.Context, streamID string) (int64, error) {
	head, err := s.store.Head(ctx, streamID)
	if errors.Is(err, store.ErrStreamNotFound) {
		return 0, nil
	}
	return head, err
}

// AdvanceCheckpoint moves a consumer's checkpoint forward. The stream must be
// visible to scope and the checkpoint cannot pass its head.
func (s *StreamService) AdvanceCheckpoint(ctx context.Context, scope, clientID, streamID string, req *model.AdvanceCheckpointRequest) (model.Checkpoint, error) {
	stream, err := s.Get(ctx, scope, streamID)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if req.Seq > stream.HeadSeq {
		return model.Checkpoint{}, fmt.Errorf("%w: seq %d is past head %d of stream %s",
			store.ErrInvalidArgument, req.Seq, stream.HeadSeq, streamID)
	}
	cp, err := s.store.AdvanceCheckpoint(ctx, clientID, streamID, req.Seq, req.DurableOffset)
	if errors.Is(err, store.ErrRegression) {
		metrics.CheckpointRegressions.Inc()
		s.logger.Warn("checkpoint regression rejected",
			zap.String("client_id", clientID),
			zap.String("stream_id", streamID),
			zap.Int64("proposed_seq", req.Seq),
		)
	}
	return cp, err
}

// Checkpoint returns a consumer's checkpoint, zero when absent. A stream owned
// by another scope is refused; a stream that does not exist yet reads as zero.
func (s *StreamService) Checkpoint(ctx context.Context, scope, clientID, streamID string) (model.Checkpoint, error) {
	if _, err := s.Get(ctx, scope, streamID); err != nil && !errors.Is(err, store.ErrStreamNotFound) {
		return model.Checkpoint{}, err
	}
	return s.store.ReadCheckpoint(ctx, clientID, streamID)
}

// Checkpoints lists every consumer checkpoint of a stream visible to scope.
func (s *StreamService) Checkpoints(ctx context.Context, scope, streamID string) ([]model.Checkpoint, error) {
	if _, err := s.Get(ctx, scope, streamID); err != nil {
		return nil, err
	}
	return s.store.ListCheckpoints(ctx, streamID)
}

func checkScope(stream model.Stream, scope string) error {
	if scope != "" && stream.OwnerScope != "" && stream.OwnerScope != scope {
		return fmt.Errorf("%w: stream %s", store.ErrScopeMismatch, stream.ID)
	}
	return nil
}
