package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/middleware"
	"github.com/capitalize-ai/agentsync/internal/service"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/internal/wire"
	"github.com/capitalize-ai/agentsync/pkg/logger"
	"github.com/capitalize-ai/agentsync/pkg/metrics"
)

const writeWait = 10 * time.Second

// SyncOptions tunes the websocket sync endpoint.
type SyncOptions struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	BatchSize         int
	// RefreshLead is how long before token expiry token_refresh_due is sent.
	RefreshLead time.Duration
}

// SyncHandler streams committed events to clients over websocket.
//
// Every server-initiated close is preceded by a control frame naming the
// reason, so clients never have to guess a recovery plan from a bare close.
type SyncHandler struct {
	service  *service.StreamService
	opts     SyncOptions
	logger   *logger.Logger
	upgrader websocket.Upgrader

	closing   chan struct{}
	closeOnce sync.Once
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(svc *service.StreamService, opts SyncOptions, log *logger.Logger) *SyncHandler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = store.DefaultReadLimit
	}
	return &SyncHandler{
		service: svc,
		opts:    opts,
		logger:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
}

// Shutdown tells every open session to close with stream_closed.
// Hijacked connections are not closed by http.Server.Shutdown.
func (h *SyncHandler) Shutdown() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// Sync handles GET /api/v1/streams/{id}/sync?after_seq=N
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := chi.URLParam(r, "id")
	if err := middleware.ValidateStreamID(streamID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cursor, ok := queryInt64(r, "after_seq")
	if !ok {
		writeError(w, http.StatusBadRequest, "after_seq must be a non-negative integer")
		return
	}
	claims := middleware.GetClaims(ctx)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("stream_id", streamID), zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.IncrementSyncConnections()
	defer metrics.DecrementSyncConnections()

	log := h.logger.WithStream(streamID).WithRequest(middleware.GetCorrelationID(ctx), middleware.GetSubject(ctx))

	scope := middleware.GetOwnerScope(ctx)
	if _, err := h.service.Get(ctx, scope, streamID); errors.Is(err, store.ErrScopeMismatch) {
		h.closeWith(conn, log, wire.ReasonForbidden, "stream belongs to another owner scope")
		return
	} else if err != nil && !errors.Is(err, store.ErrStreamNotFound) {
		log.Error("failed to load stream", zap.Error(err))
		h.closeWith(conn, log, wire.ReasonUnknown, "failed to load stream")
		return
	}

	head, err := h.service.Head(ctx, streamID)
	if err != nil {
		log.Error("failed to read head", zap.Error(err))
		h.closeWith(conn, log, wire.ReasonUnknown, "failed to read head")
		return
	}
	if cursor > head {
		h.closeWith(conn, log, wire.ReasonStaleCursor, "cursor is ahead of the stream head")
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var refresh <-chan time.Time
	if claims != nil && !claims.Expiry().IsZero() {
		timer := time.NewTimer(max(time.Until(claims.Expiry())-h.opts.RefreshLead, 0))
		defer timer.Stop()
		refresh = timer.C
	}

	poll := time.NewTicker(h.opts.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	log.Info("sync session opened", zap.Int64("after_seq", cursor))

	for {
		cursor, err = h.flush(ctx, conn, scope, streamID, cursor)
		if err != nil {
			if errors.Is(err, store.ErrIntegrity) {
				log.Error("integrity failure while streaming", zap.Error(err))
				h.closeWith(conn, log, wire.ReasonUnknown, "stored payload failed verification")
				return
			}
			log.Info("sync session ended", zap.Int64("last_seq", cursor), zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-gone:
			log.Info("sync client disconnected", zap.Int64("last_seq", cursor))
			return
		case <-h.closing:
			h.closeWith(conn, log, wire.ReasonStreamClosed, "server shutting down")
			return
		case <-refresh:
			h.closeWith(conn, log, wire.ReasonTokenRefreshDue, "token expires soon")
			return
		case <-heartbeat.C:
			head, err := h.service.Head(ctx, streamID)
			if err != nil {
				log.Warn("failed to read head for heartbeat", zap.Error(err))
				continue
			}
			if err := h.write(conn, wire.HeartbeatFrame(time.Now().UTC(), head)); err != nil {
				return
			}
		case <-poll.C:
		}
	}
}

// flush sends every committed event after cursor and returns the new cursor.
func (h *SyncHandler) flush(ctx context.Context, conn *websocket.Conn, scope, streamID string, cursor int64) (int64, error) {
	for {
		page, err := h.service.Read(ctx, scope, streamID, cursor, h.opts.BatchSize)
		if err != nil {
			return cursor, err
		}
		for _, evt := range page.Events {
			if err := h.write(conn, wire.EventFrame(evt)); err != nil {
				return cursor, err
			}
			cursor = evt.Seq
		}
		if !page.HasMore || len(page.Events) == 0 {
			return cursor, nil
		}
	}
}

func (h *SyncHandler) write(conn *websocket.Conn, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *SyncHandler) closeWith(conn *websocket.Conn, log *logger.Logger, reason wire.Reason, detail string) {
	metrics.SyncDisconnects.WithLabelValues(reason.String()).Inc()
	log.Info("closing sync session", zap.String("reason", reason.String()), zap.String("detail", detail))
	if err := h.write(conn, wire.ControlFrame(reason, detail)); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason.String())
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
