package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agentsync/internal/model"
)

type fixedPolicy struct {
	delay       time.Duration
	maxAttempts int
}

func (p fixedPolicy) RetryAfter(attempt int) (time.Duration, bool) {
	if p.maxAttempts > 0 && attempt >= p.maxAttempts {
		return 0, false
	}
	return p.delay, true
}

func TestEnqueueOutbox_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.EnqueueOutbox(ctx, "e1", "nats", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnqueueOutbox(ctx, "e1", "nats", []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.False(t, created)

	entry, err := s.GetOutbox(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, entry.Status)
	assert.JSONEq(t, `{"a":1}`, string(entry.Payload))

	_, err = s.EnqueueOutbox(ctx, "e2", "nats", []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.EnqueueOutbox(ctx, "", "nats", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClaimOutbox_Exclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3", "e4", "e5", "e6"} {
		_, err := s.EnqueueOutbox(ctx, id, "nats", []byte(`{}`))
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]string{}
	)
	for _, worker := range []string{"w1", "w2", "w3"} {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			claimed, err := s.ClaimOutbox(ctx, worker, 4, time.Minute)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, entry := range claimed {
				prev, dup := seen[entry.EventID]
				assert.False(t, dup, "entry %s claimed by %s and %s", entry.EventID, prev, worker)
				seen[entry.EventID] = worker
				assert.Equal(t, 1, entry.AttemptCount)
				assert.Equal(t, worker, entry.ClaimedBy)
			}
		}(worker)
	}
	wg.Wait()
	assert.Len(t, seen, 6)

	more, err := s.ClaimOutbox(ctx, "w4", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, more)

	summary, err := s.OutboxSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Pending)
	assert.Equal(t, 6, summary.InFlight)
}

func TestClaimOutbox_OrderAndLeaseExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueOutbox(ctx, "old", "nats", []byte(`{}`))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.EnqueueOutbox(ctx, "new", "nats", []byte(`{}`))
	require.NoError(t, err)

	claimed, err := s.ClaimOutbox(ctx, "w1", 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "old", claimed[0].EventID)

	// the worker crashed; after the lease the entry is claimable again
	clock.Advance(11 * time.Second)
	claimed, err = s.ClaimOutbox(ctx, "w2", 10, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "old", claimed[0].EventID)
	assert.Equal(t, 2, claimed[0].AttemptCount)

	// the stale worker can no longer resolve it
	err = s.MarkDelivered(ctx, "old", "w1")
	assert.ErrorIs(t, err, ErrLeaseLost)

	require.NoError(t, s.MarkDelivered(ctx, "old", "w2"))
	entry, err := s.GetOutbox(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxDelivered, entry.Status)
	assert.Nil(t, entry.LeaseExpiresAt)
	assert.Empty(t, entry.ClaimedBy)
}

func TestOutbox_FailRetryCycle(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueOutbox(ctx, "e1", "webhook", []byte(`{}`))
	require.NoError(t, err)
	claimed, err := s.ClaimOutbox(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.MarkFailed(ctx, "e1", "w1", errors.New("503 from upstream")))
	entry, err := s.GetOutbox(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxFailed, entry.Status)
	assert.Equal(t, "503 from upstream", entry.LastError)

	// failed entries are not claimable
	claimed, err = s.ClaimOutbox(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	policy := fixedPolicy{delay: 5 * time.Second, maxAttempts: 3}
	n, err := s.RetryFailed(ctx, clock.Now(), policy)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "backoff not elapsed")

	clock.Advance(5 * time.Second)
	n, err = s.RetryFailed(ctx, clock.Now(), policy)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err = s.GetOutbox(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, entry.Status)
	assert.Equal(t, 1, entry.AttemptCount)

	// exhaust the policy
	for attempt := 2; attempt <= 3; attempt++ {
		claimed, err = s.ClaimOutbox(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, s.MarkFailed(ctx, "e1", "w1", errors.New("still down")))
		clock.Advance(time.Minute)
		_, err = s.RetryFailed(ctx, clock.Now(), policy)
		require.NoError(t, err)
	}
	entry, err = s.GetOutbox(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxFailed, entry.Status)
	assert.Equal(t, 3, entry.AttemptCount)

	// operators can still force it
	ok, err := s.RequeueFailed(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOutbox_DeliveredNeverReturnsToPending(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueueOutbox(ctx, "e1", "redis", []byte(`{}`))
	require.NoError(t, err)
	claimed, err := s.ClaimOutbox(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.MarkDelivered(ctx, "e1", "w1"))

	clock.Advance(time.Hour)
	n, err := s.RetryFailed(ctx, clock.Now(), fixedPolicy{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ok, err := s.RequeueFailed(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.MarkFailed(ctx, "e1", "w1", errors.New("late"))
	assert.ErrorIs(t, err, ErrLeaseLost)

	claimed, err = s.ClaimOutbox(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	entry, err := s.GetOutbox(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxDelivered, entry.Status)

	_, err = s.RequeueFailed(ctx, "missing")
	assert.ErrorIs(t, err, ErrOutboxNotFound)
	err = s.MarkDelivered(ctx, "missing", "w1")
	assert.ErrorIs(t, err, ErrOutboxNotFound)
}

func TestOutbox_ListAndSummary(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.EnqueueOutbox(ctx, id, "nats", []byte(`{}`))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	claimed, err := s.ClaimOutbox(ctx, "w1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, s.MarkDelivered(ctx, "a", "w1"))
	require.NoError(t, s.MarkFailed(ctx, "b", "w1", errors.New("boom")))

	summary, err := s.OutboxSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 1, summary.Delivered)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.InFlight)
	require.NotNil(t, summary.OldestPendingAt)

	failed, err := s.ListOutbox(ctx, model.OutboxFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].EventID)

	all, err := s.ListOutbox(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.ListOutbox(ctx, "processing", 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
