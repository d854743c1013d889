package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestStore opens a SQLite store in a temp dir with a controllable clock.
func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "agentsync.db")
	s, err := Open(context.Background(), DriverSQLite, path, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func appendJSON(t *testing.T, s *Store, streamID, key, payload string) AppendResult {
	t.Helper()
	res, err := s.Append(context.Background(), AppendRequest{
		StreamID:       streamID,
		IdempotencyKey: key,
		Payload:        []byte(payload),
	})
	require.NoError(t, err)
	return res
}
