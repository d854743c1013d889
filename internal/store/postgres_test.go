package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresStore starts a PostgreSQL container and opens a store on it.
func setupPostgresStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("agentsync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, DriverPostgres, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgres_AppendAndCheckpoint(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.Append(ctx, AppendRequest{
					StreamID:       "pg",
					IdempotencyKey: fmt.Sprintf("%d-%d", w, i),
					Payload:        []byte(`{}`),
					Bridge:         []string{"nats"},
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := s.ReadFrom(ctx, "pg", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 40)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Seq)
	}

	dup, err := s.Append(ctx, AppendRequest{StreamID: "pg", IdempotencyKey: "0-0", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)

	_, err = s.Append(ctx, AppendRequest{StreamID: "pg", IdempotencyKey: "0-0", Payload: []byte(`{"x":1}`)})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.AdvanceCheckpoint(ctx, "c1", "pg", 10, events[9].DurableOffset)
	require.NoError(t, err)
	_, err = s.AdvanceCheckpoint(ctx, "c1", "pg", 4, 0)
	assert.ErrorIs(t, err, ErrRegression)

	claimed, err := s.ClaimOutbox(ctx, "w1", 100, time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 40)
	summary, err := s.OutboxSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, summary.InFlight)
}
