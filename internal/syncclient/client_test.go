package syncclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/wire"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

type fakeSession struct {
	frames    chan wire.Frame
	endReason wire.Reason
	closed    chan struct{}
	once      sync.Once
}

func newFakeSession(endReason wire.Reason, frames ...wire.Frame) *fakeSession {
	ch := make(chan wire.Frame, len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)
	return &fakeSession{frames: ch, endReason: endReason, closed: make(chan struct{})}
}

// newOpenSession returns a session that delivers nothing until closed.
func newOpenSession() *fakeSession {
	return &fakeSession{frames: make(chan wire.Frame), closed: make(chan struct{})}
}

func (s *fakeSession) Next(ctx context.Context) (wire.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return wire.Frame{}, &DisconnectError{Reason: s.endReason}
		}
		return f, nil
	case <-s.closed:
		return wire.Frame{}, errors.New("session closed")
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type connectCall struct {
	afterSeq int64
	token    string
}

type fakeTransport struct {
	mu     sync.Mutex
	calls  []connectCall
	script func(n int) (Session, error)
}

func (t *fakeTransport) Connect(_ context.Context, _ string, afterSeq int64, token string) (Session, error) {
	t.mu.Lock()
	n := len(t.calls)
	t.calls = append(t.calls, connectCall{afterSeq: afterSeq, token: token})
	t.mu.Unlock()
	return t.script(n)
}

func (t *fakeTransport) Calls() []connectCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]connectCall(nil), t.calls...)
}

type fakeCheckpoints struct {
	mu       sync.Mutex
	stored   int64
	advances []int64
}

func (f *fakeCheckpoints) Read(context.Context, string, string) (model.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Checkpoint{LastAppliedSeq: f.stored}, nil
}

func (f *fakeCheckpoints) Advance(_ context.Context, _, _ string, seq, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq < f.stored {
		return ErrRegression
	}
	f.stored = seq
	f.advances = append(f.advances, seq)
	return nil
}

type fakeMinter struct {
	mu   sync.Mutex
	seen []string
}

func (m *fakeMinter) Mint(_ context.Context, current string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, current)
	return "minted", nil
}

type fakeCreds struct {
	mu    sync.Mutex
	loads int
}

func (c *fakeCreds) Load(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	return "from-disk", nil
}

func eventFrame(seq int64) wire.Frame {
	return wire.EventFrame(model.Event{StreamID: "s1", Seq: seq, DurableOffset: seq * 10, Payload: []byte(`{}`)})
}

type harness struct {
	client      *Client
	transport   *fakeTransport
	checkpoints *fakeCheckpoints
	minter      *fakeMinter
	creds       *fakeCreds

	mu     sync.Mutex
	delays []time.Duration
}

func newHarness(t *testing.T, stored int64, script func(n int) (Session, error), handler Handler) *harness {
	t.Helper()
	h := &harness{
		transport:   &fakeTransport{script: script},
		checkpoints: &fakeCheckpoints{stored: stored},
		minter:      &fakeMinter{},
		creds:       &fakeCreds{},
	}
	if handler == nil {
		handler = func(context.Context, model.Event) error { return nil }
	}
	h.client = New(Config{ClientID: "c1", StreamID: "s1", DegradedAfter: 3},
		h.transport, h.checkpoints, h.minter, h.creds, handler, logger.NewNop())
	h.client.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) Delays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

func runUntilDone(t *testing.T, c *Client, ctx context.Context) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestPlanFor(t *testing.T) {
	tests := map[wire.Reason]Plan{
		wire.ReasonStreamClosed:    {},
		wire.ReasonTokenRefreshDue: {FastPath: true, MintToken: true},
		wire.ReasonStaleCursor:     {ResetCursor: true},
		wire.ReasonUnauthorized:    {ReloadCredentials: true},
		wire.ReasonForbidden:       {ReloadCredentials: true},
		wire.ReasonNetwork:         {},
		wire.ReasonUnknown:         {},
	}
	require.Len(t, tests, len(wire.Reasons))
	for reason, want := range tests {
		assert.Equal(t, want, PlanFor(reason), reason)
	}
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, wire.ReasonNetwork, ReasonOf(errors.New("connection refused")))
	assert.Equal(t, wire.ReasonForbidden, ReasonOf(&DisconnectError{Reason: wire.ReasonForbidden}))
}

func TestClient_StaleCursorRestartsFromOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 5, func(n int) (Session, error) {
		if n == 0 {
			return newFakeSession(wire.ReasonNetwork, wire.ControlFrame(wire.ReasonStaleCursor, "")), nil
		}
		cancel()
		return nil, ctx.Err()
	}, nil)

	runUntilDone(t, h.client, ctx)

	calls := h.transport.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, int64(5), calls[0].afterSeq)
	assert.Equal(t, int64(0), calls[1].afterSeq)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, h.Delays())
	assert.Equal(t, wire.ReasonStaleCursor, h.client.Status().LastReason)
}

func TestClient_TokenRefreshUsesFastPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 3, func(n int) (Session, error) {
		if n == 0 {
			return newFakeSession(wire.ReasonNetwork, wire.ControlFrame(wire.ReasonTokenRefreshDue, "")), nil
		}
		cancel()
		return nil, ctx.Err()
	}, nil)
	h.client.SetToken("original")

	runUntilDone(t, h.client, ctx)

	delays := h.Delays()
	require.Len(t, delays, 1)
	assert.Equal(t, 50*time.Millisecond, delays[0])
	assert.Less(t, delays[0], 500*time.Millisecond)

	calls := h.transport.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "original", calls[0].token)
	assert.Equal(t, "minted", calls[1].token)
	assert.Equal(t, int64(3), calls[1].afterSeq)
	assert.Equal(t, []string{"original"}, h.minter.seen)
	assert.Zero(t, h.client.Status().Attempts, "planned refresh is not a failure")
}

func TestClient_BackoffDoublesAndResetsOnLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var degradedSeen bool
	h := newHarness(t, 0, func(n int) (Session, error) {
		switch {
		case n < 4:
			return nil, errors.New("dial tcp: connection refused")
		case n == 4:
			return newFakeSession(wire.ReasonNetwork, wire.ControlFrame(wire.ReasonStreamClosed, "")), nil
		default:
			cancel()
			return nil, ctx.Err()
		}
	}, nil)
	base := h.client.sleep
	h.client.sleep = func(ctx context.Context, d time.Duration) error {
		if st := h.client.Status(); st.Attempts == 4 {
			degradedSeen = st.Degraded && st.State == StateBackoff && st.Backoff == d
		}
		return base(ctx, d)
	}

	runUntilDone(t, h.client, ctx)

	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		500 * time.Millisecond,
	}, h.Delays())
	assert.True(t, degradedSeen)
	assert.Equal(t, wire.ReasonStreamClosed, h.client.Status().LastReason)
}

func TestClient_BackoffRestartsWhenFailureClassChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 0, func(n int) (Session, error) {
		switch n {
		case 0, 1:
			return nil, errors.New("dial tcp: connection refused")
		case 2:
			return nil, &DisconnectError{Reason: wire.ReasonUnauthorized}
		case 3:
			return nil, &DisconnectError{Reason: wire.ReasonForbidden}
		case 4:
			return nil, errors.New("dial tcp: connection refused")
		default:
			cancel()
			return nil, ctx.Err()
		}
	}, nil)
	h.client.SetToken("tok")

	runUntilDone(t, h.client, ctx)

	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		500 * time.Millisecond,
		time.Second,
		500 * time.Millisecond,
	}, h.Delays())
	st := h.client.Status()
	assert.Equal(t, 5, st.Attempts)
	assert.True(t, st.Degraded)
}

func TestClient_BackoffIsCapped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 0, func(n int) (Session, error) {
		if n >= 10 {
			cancel()
			return nil, ctx.Err()
		}
		return nil, errors.New("unreachable")
	}, nil)

	runUntilDone(t, h.client, ctx)

	delays := h.Delays()
	require.NotEmpty(t, delays)
	for _, d := range delays {
		assert.LessOrEqual(t, d, 30*time.Second)
	}
	assert.Equal(t, 30*time.Second, delays[len(delays)-1])
}

func TestClient_CheckpointAdvancesOnlyAfterHandlerSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(_ context.Context, evt model.Event) error {
		if evt.Seq == 7 {
			return errors.New("apply failed")
		}
		return nil
	}
	h := newHarness(t, 5, func(n int) (Session, error) {
		if n == 0 {
			return newFakeSession(wire.ReasonNetwork, eventFrame(5), eventFrame(6), eventFrame(7), eventFrame(8)), nil
		}
		cancel()
		return nil, ctx.Err()
	}, handler)

	runUntilDone(t, h.client, ctx)

	assert.Equal(t, []int64{6}, h.checkpoints.advances)
	calls := h.transport.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, int64(6), calls[1].afterSeq)
	st := h.client.Status()
	assert.Equal(t, int64(6), st.LastCheckpoint)
	assert.Equal(t, wire.ReasonUnknown, st.LastReason)
}

func TestClient_CancellationDoesNotAdvance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(context.Context, model.Event) error {
		cancel()
		return nil
	}
	h := newHarness(t, 0, func(n int) (Session, error) {
		return newFakeSession(wire.ReasonNetwork, eventFrame(1)), nil
	}, handler)

	runUntilDone(t, h.client, ctx)

	assert.Empty(t, h.checkpoints.advances)
	assert.Equal(t, StateIdle, h.client.Status().State)
}

func TestClient_DisconnectDroppedWhileConnecting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entered := make(chan struct{})
	release := make(chan struct{})
	live := newOpenSession()

	h := newHarness(t, 0, func(n int) (Session, error) {
		switch n {
		case 0:
			close(entered)
			<-release
			return live, nil
		default:
			cancel()
			return nil, ctx.Err()
		}
	}, nil)
	h.client.SetToken("tok")

	done := make(chan error, 1)
	go func() { done <- h.client.Run(ctx) }()

	<-entered
	assert.Equal(t, StateConnecting, h.client.Status().State)
	assert.False(t, h.client.Disconnect(wire.ReasonNetwork))
	close(release)

	require.Eventually(t, func() bool { return h.client.Status().State == StateLive }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.client.Disconnect(wire.ReasonForbidden))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}

	assert.Len(t, h.transport.Calls(), 2, "exactly one attempt per cycle")
	assert.Equal(t, 1, h.creds.loads, "forbidden reloads credentials")
	assert.Equal(t, "tok", h.transport.Calls()[0].token)
	assert.Equal(t, "from-disk", h.transport.Calls()[1].token)
	assert.Equal(t, wire.ReasonForbidden, h.client.Status().LastReason)
}

func TestClient_HeartbeatUpdatesHead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, 0, func(n int) (Session, error) {
		if n == 0 {
			return newFakeSession(wire.ReasonNetwork, wire.HeartbeatFrame(time.Now(), 42)), nil
		}
		cancel()
		return nil, ctx.Err()
	}, nil)

	runUntilDone(t, h.client, ctx)
	st := h.client.Status()
	assert.Equal(t, int64(42), st.HeadSeq)
	assert.Equal(t, wire.ReasonNetwork, st.LastReason)
}
