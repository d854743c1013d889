// Package syncclient keeps a remote consumer current with one stream.
//
// The client runs a connect, consume, recover loop until its context is
// cancelled. Each disconnect carries a reason from the closed set in package
// wire, and the reason alone selects the recovery plan.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/model"
	"github.com/capitalize-ai/agentsync/internal/wire"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

// Session is one open sync connection.
type Session interface {
	// Next blocks for the next frame. Errors end the session.
	Next(ctx context.Context) (wire.Frame, error)
	Close() error
}

// Transport opens sessions.
type Transport interface {
	Connect(ctx context.Context, streamID string, afterSeq int64, token string) (Session, error)
}

// CheckpointStore persists consumer progress.
type CheckpointStore interface {
	Read(ctx context.Context, clientID, streamID string) (model.Checkpoint, error)
	Advance(ctx context.Context, clientID, streamID string, seq, durableOffset int64) error
}

// TokenMinter exchanges a token about to expire for a fresh one.
type TokenMinter interface {
	Mint(ctx context.Context, current string) (string, error)
}

// Credentials loads the persisted token.
type Credentials interface {
	Load(ctx context.Context) (string, error)
}

// Handler applies one event. The checkpoint advances only after it returns nil.
type Handler func(ctx context.Context, evt model.Event) error

// Config holds client settings.
type Config struct {
	ClientID          string
	StreamID          string
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	TokenRefreshDelay time.Duration
	DegradedAfter     int
}

func (c Config) withDefaults() Config {
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.TokenRefreshDelay <= 0 {
		c.TokenRefreshDelay = 50 * time.Millisecond
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 5
	}
	return c
}

// Status is an honest view of the client for operators and UIs.
type Status struct {
	State          State         `json:"state"`
	Cursor         int64         `json:"cursor"`
	LastCheckpoint int64         `json:"last_checkpoint"`
	LastReason     wire.Reason   `json:"last_reason,omitempty"`
	Backoff        time.Duration `json:"backoff"`
	Attempts       int           `json:"attempts"`
	Degraded       bool          `json:"degraded"`
	HeadSeq        int64         `json:"head_seq"`
}

// Client runs the sync lifecycle for one (client, stream) pair.
type Client struct {
	cfg         Config
	transport   Transport
	checkpoints CheckpointStore
	minter      TokenMinter
	creds       Credentials
	handler     Handler
	logger      *logger.Logger
	bo          *backoff.ExponentialBackOff

	// sleep waits d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	state      State
	token      string
	cursor     int64
	checkpoint int64
	loaded     bool
	lastReason wire.Reason
	failClass  wire.Reason
	delay      time.Duration
	attempts   int
	headSeq    int64
	session    Session
	requested  wire.Reason
}

// New creates a client. minter and creds may be nil; the matching recovery
// steps are then skipped.
func New(cfg Config, transport Transport, checkpoints CheckpointStore, minter TokenMinter, creds Credentials, handler Handler, log *logger.Logger) *Client {
	cfg = cfg.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.MaxInterval = cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Client{
		cfg:         cfg,
		transport:   transport,
		checkpoints: checkpoints,
		minter:      minter,
		creds:       creds,
		handler:     handler,
		logger:      log.WithConsumer(cfg.ClientID, cfg.StreamID),
		bo:          bo,
		sleep:       sleepContext,
		state:       StateIdle,
	}
}

// SetToken sets the token used for the next connect attempt.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Status returns a snapshot of the client state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:          c.state,
		Cursor:         c.cursor,
		LastCheckpoint: c.checkpoint,
		LastReason:     c.lastReason,
		Backoff:        c.delay,
		Attempts:       c.attempts,
		Degraded:       c.attempts >= c.cfg.DegradedAfter,
		HeadSeq:        c.headSeq,
	}
}

// Disconnect asks a live session to close with reason. It reports false when
// there is no live session; in particular a request that arrives while a
// connect attempt is in flight is dropped rather than starting a second attempt.
func (c *Client) Disconnect(reason wire.Reason) bool {
	c.mu.Lock()
	if c.state != StateLive || c.session == nil {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("disconnect request dropped", zap.String("reason", reason.String()), zap.String("state", string(state)))
		return false
	}
	c.requested = reason
	sess := c.session
	c.mu.Unlock()

	sess.Close()
	return true
}

// Run drives the lifecycle until ctx is cancelled. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	if c.Token() == "" && c.creds != nil {
		if token, err := c.creds.Load(ctx); err != nil {
			c.logger.Warn("failed to load credentials", zap.Error(err))
		} else {
			c.SetToken(token)
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		reason := c.attempt(ctx)
		if ctx.Err() != nil {
			c.setState(StateIdle)
			return nil
		}
		if err := c.recoverFrom(ctx, reason); err != nil {
			c.setState(StateIdle)
			return nil
		}
	}
}

// attempt connects once and consumes until the session ends.
func (c *Client) attempt(ctx context.Context) wire.Reason {
	c.setState(StateConnecting)

	if err := c.loadCheckpoint(ctx); err != nil {
		c.logger.Warn("failed to read checkpoint", zap.Error(err))
		return ReasonOf(err)
	}

	c.mu.Lock()
	cursor, token := c.cursor, c.token
	c.mu.Unlock()

	sess, err := c.transport.Connect(ctx, c.cfg.StreamID, cursor, token)
	if err != nil {
		c.logger.Info("connect failed", zap.Int64("after_seq", cursor), zap.Error(err))
		return ReasonOf(err)
	}

	c.mu.Lock()
	c.state = StateLive
	c.session = sess
	c.requested = ""
	c.attempts = 0
	c.delay = 0
	c.failClass = ""
	c.bo.Reset()
	c.mu.Unlock()
	c.logger.Info("sync live", zap.Int64("after_seq", cursor))

	reason := c.consume(ctx, sess)

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	sess.Close()
	return reason
}

func (c *Client) loadCheckpoint(ctx context.Context) error {
	c.mu.Lock()
	loaded := c.loaded
	c.mu.Unlock()
	if loaded {
		return nil
	}
	cp, err := c.checkpoints.Read(ctx, c.cfg.ClientID, c.cfg.StreamID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cursor = cp.LastAppliedSeq
	c.checkpoint = cp.LastAppliedSeq
	c.loaded = true
	c.mu.Unlock()
	return nil
}

func (c *Client) consume(ctx context.Context, sess Session) wire.Reason {
	for {
		f, err := sess.Next(ctx)
		if err != nil {
			c.mu.Lock()
			requested := c.requested
			c.mu.Unlock()
			if requested != "" {
				return requested
			}
			return ReasonOf(err)
		}

		switch f.Type {
		case wire.FrameControl:
			return f.Control.Reason
		case wire.FrameHeartbeat:
			c.mu.Lock()
			c.headSeq = f.Heartbeat.HeadSeq
			c.mu.Unlock()
		case wire.FrameEvent:
			if err := c.apply(ctx, *f.Event); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("event handler failed", zap.Int64("seq", f.Event.Seq), zap.Error(err))
				}
				return wire.ReasonUnknown
			}
		}
	}
}

// apply runs the handler and then advances the cursor and checkpoint.
func (c *Client) apply(ctx context.Context, evt model.Event) error {
	c.mu.Lock()
	cursor, stored := c.cursor, c.checkpoint
	c.mu.Unlock()
	if evt.Seq <= cursor {
		return nil
	}

	if err := c.handler(ctx, evt); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.cursor = evt.Seq
	if evt.Seq > c.headSeq {
		c.headSeq = evt.Seq
	}
	c.mu.Unlock()

	// After a cursor reset the stored checkpoint may be ahead; it only moves forward.
	if evt.Seq <= stored {
		return nil
	}
	err := c.checkpoints.Advance(ctx, c.cfg.ClientID, c.cfg.StreamID, evt.Seq, evt.DurableOffset)
	switch {
	case err == nil:
		c.mu.Lock()
		c.checkpoint = evt.Seq
		c.mu.Unlock()
	case errors.Is(err, ErrRegression):
		c.logger.Warn("checkpoint is ahead of applied event", zap.Int64("seq", evt.Seq))
	default:
		c.logger.Warn("failed to advance checkpoint", zap.Int64("seq", evt.Seq), zap.Error(err))
	}
	return nil
}

// recoverFrom applies the plan for reason and waits before the next attempt.
func (c *Client) recoverFrom(ctx context.Context, reason wire.Reason) error {
	plan := PlanFor(reason)

	c.mu.Lock()
	c.lastReason = reason
	if plan.ResetCursor {
		c.cursor = 0
	}
	var delay time.Duration
	if plan.FastPath {
		delay = c.cfg.TokenRefreshDelay
	} else {
		// Doubling applies to consecutive failures of one class.
		if class := failureClass(reason); class != c.failClass {
			c.failClass = class
			c.bo.Reset()
		}
		c.attempts++
		delay = c.bo.NextBackOff()
	}
	c.delay = delay
	c.state = StateBackoff
	attempts := c.attempts
	c.mu.Unlock()

	c.logger.Info("sync disconnected",
		zap.String("reason", reason.String()),
		zap.Duration("delay", delay),
		zap.Int("attempts", attempts),
	)
	if attempts == c.cfg.DegradedAfter {
		c.logger.Warn("sync degraded", zap.Int("attempts", attempts), zap.String("reason", reason.String()))
	}

	if plan.ReloadCredentials && c.creds != nil {
		if token, err := c.creds.Load(ctx); err != nil {
			c.logger.Warn("failed to reload credentials", zap.Error(err))
		} else {
			c.SetToken(token)
		}
	}

	if err := c.sleep(ctx, delay); err != nil {
		return err
	}

	if plan.MintToken && c.minter != nil {
		token, err := c.minter.Mint(ctx, c.Token())
		if err != nil {
			c.logger.Warn("failed to mint token", zap.Error(err))
		} else {
			c.SetToken(token)
		}
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return fmt.Sprintf("state=%s cursor=%d checkpoint=%d reason=%s backoff=%s attempts=%d degraded=%t",
		s.State, s.Cursor, s.LastCheckpoint, s.LastReason, s.Backoff, s.Attempts, s.Degraded)
}
