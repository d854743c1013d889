package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStreamService_AppendOutcomes(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := NewStreamService(st, logger.NewNop())

	first, err := svc.Append(ctx, "tenant-a", "s1", &model.AppendEventRequest{IdempotencyKey: "k1", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.False(t, first.Duplicate)

	again, err := svc.Append(ctx, "tenant-a", "s1", &model.AppendEventRequest{IdempotencyKey: "k1", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, first.DurableOffset, again.DurableOffset)

	_, err = svc.Append(ctx, "tenant-a", "s1", &model.AppendEventRequest{IdempotencyKey: "k1", Payload: json.RawMessage(`{"n":2}`)})
	require.ErrorIs(t, err, store.ErrConflict)

	conflicts, err := st.ListSideChannel(ctx, model.SideChannelConflict, 0, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	var rec conflictRecord
	require.NoError(t, json.Unmarshal(conflicts[0].Payload, &rec))
	assert.Equal(t, "s1", rec.StreamID)
	assert.Equal(t, "k1", rec.IdempotencyKey)
	assert.Equal(t, int64(1), rec.ExistingSeq)
	assert.NotEqual(t, rec.ExistingHash, rec.ProposedHash)

	head, err := svc.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func TestStreamService_ReadAndScope(t *testing.T) {
	ctx := context.Background()
	svc := NewStreamService(newStore(t), logger.NewNop())

	empty, err := svc.Read(ctx, "tenant-a", "missing", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Events)
	assert.False(t, empty.HasMore)

	for i, key := range []string{"k1", "k2", "k3"} {
		_, err := svc.Append(ctx, "tenant-a", "s1", &model.AppendEventRequest{
			IdempotencyKey: key,
			Payload:        json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`),
		})
		require.NoError(t, err)
	}

	page, err := svc.Read(ctx, "tenant-a", "s1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(2), page.LastSeq)
	assert.Equal(t, int64(3), page.HeadSeq)

	rest, err := svc.Read(ctx, "tenant-a", "s1", page.LastSeq, 10)
	require.NoError(t, err)
	require.Len(t, rest.Events, 1)
	assert.Equal(t, "k3", rest.Events[0].IdempotencyKey)
	assert.False(t, rest.HasMore)

	_, err = svc.Read(ctx, "tenant-b", "s1", 0, 10)
	assert.ErrorIs(t, err, store.ErrScopeMismatch)
	_, err = svc.Get(ctx, "tenant-b", "s1")
	assert.ErrorIs(t, err, store.ErrScopeMismatch)
	_, err = svc.Append(ctx, "tenant-b", "s1", &model.AppendEventRequest{IdempotencyKey: "k9", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, store.ErrScopeMismatch)

	list, err := svc.List(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
}

func TestStreamService_Checkpoints(t *testing.T) {
	ctx := context.Background()
	svc := NewStreamService(newStore(t), logger.NewNop())

	cp, err := svc.Checkpoint(ctx, "tenant-a", "c1", "s1")
	require.NoError(t, err)
	assert.Zero(t, cp.LastAppliedSeq)

	_, err = svc.AdvanceCheckpoint(ctx, "tenant-a", "c1", "s1", &model.AdvanceCheckpointRequest{Seq: 1})
	require.ErrorIs(t, err, store.ErrStreamNotFound)

	for i, key := range []string{"k1", "k2", "k3"} {
		_, err := svc.Append(ctx, "tenant-a", "s1", &model.AppendEventRequest{IdempotencyKey: key, Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
		require.NoError(t, err)
	}

	cp, err = svc.AdvanceCheckpoint(ctx, "tenant-a", "c1", "s1", &model.AdvanceCheckpointRequest{Seq: 3, DurableOffset: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.LastAppliedSeq)

	_, err = svc.AdvanceCheckpoint(ctx, "tenant-a", "c1", "s1", &model.AdvanceCheckpointRequest{Seq: 2})
	assert.ErrorIs(t, err, store.ErrRegression)

	_, err = svc.AdvanceCheckpoint(ctx, "tenant-a", "c1", "s1", &model.AdvanceCheckpointRequest{Seq: 4})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = svc.Checkpoint(ctx, "tenant-b", "c1", "s1")
	assert.ErrorIs(t, err, store.ErrScopeMismatch)
	_, err = svc.AdvanceCheckpoint(ctx, "tenant-b", "c1", "s1", &model.AdvanceCheckpointRequest{Seq: 3})
	assert.ErrorIs(t, err, store.ErrScopeMismatch)

	cps, err := svc.Checkpoints(ctx, "tenant-a", "s1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, int64(3), cps[0].LastAppliedSeq)
}

func TestPresenceService_HeartbeatRecordsChanges(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := NewPresenceService(st, 45*time.Second, logger.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	beat := func(node string, status model.PresenceStatus, at time.Time) {
		t.Helper()
		_, err := svc.Heartbeat(ctx, model.SessionPresence{NodeID: node, SessionID: "sess-" + node, Status: status, LastSeen: at})
		require.NoError(t, err)
	}

	beat("n1", model.PresenceOnline, now.Add(-10*time.Second))
	beat("n1", model.PresenceOnline, now.Add(-5*time.Second))
	beat("n1", model.PresenceDraining, now)
	beat("n2", model.PresenceOnline, now.Add(-2*time.Minute))

	events, err := st.ListSideChannel(ctx, model.SideChannelPresence, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3, "first appearance of n1, status change of n1, first appearance of n2")

	var change presenceChange
	require.NoError(t, json.Unmarshal(events[1].Payload, &change))
	assert.Equal(t, model.PresenceDraining, change.Status)
	assert.Equal(t, model.PresenceOnline, change.PrevStatus)

	live, err := svc.LiveNodes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "n1", live[0].NodeID)

	wide, err := svc.LiveNodes(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Len(t, wide, 2)
}

func TestCoordinationService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := NewCoordinationService(st, logger.NewNop())

	_, err := svc.CreateAssignment(ctx, &model.CreateAssignmentRequest{ProviderID: "p1", StreamID: "s1"})
	require.ErrorIs(t, err, store.ErrProviderNotFound)

	_, err = svc.UpsertProvider(ctx, model.ProviderCapability{ProviderID: "p1", Region: "eu", Capabilities: json.RawMessage(`{"gpu":true}`)})
	require.NoError(t, err)

	a, err := svc.CreateAssignment(ctx, &model.CreateAssignmentRequest{ProviderID: "p1", StreamID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentPending, a.Status)

	_, err = svc.Transition(ctx, a.AssignmentID, &model.TransitionAssignmentRequest{Status: model.AssignmentSettled})
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	a, err = svc.Transition(ctx, a.AssignmentID, &model.TransitionAssignmentRequest{Status: model.AssignmentAssigned, Reason: "capacity"})
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentAssigned, a.Status)

	_, err = svc.Transition(ctx, a.AssignmentID, &model.TransitionAssignmentRequest{Status: "exploded"})
	require.ErrorIs(t, err, store.ErrInvalidArgument)

	events, err := st.ListSideChannel(ctx, model.SideChannelCoordination, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	var rec coordinationRecord
	require.NoError(t, json.Unmarshal(events[2].Payload, &rec))
	assert.Equal(t, "assignment_transitioned", rec.Kind)
	assert.Equal(t, model.AssignmentPending, rec.From)
	assert.Equal(t, model.AssignmentAssigned, rec.To)
	assert.Equal(t, "capacity", rec.Reason)

	list, err := svc.Assignments(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
