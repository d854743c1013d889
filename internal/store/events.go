package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// Read limits for ReadFrom.
const (
	DefaultReadLimit = 100
	MaxReadLimit     = 1000
)

// AppendRequest is the input to Append.
type AppendRequest struct {
	StreamID       string
	IdempotencyKey string
	Payload        []byte
	// Class and OwnerScope are used when the stream is created by this append
	// and checked against an existing stream when set.
	Class      model.StreamClass
	OwnerScope string
	// Bridge lists transports that receive an outbox entry for this event.
	Bridge []string
}

// AppendResult is the outcome of Append.
type AppendResult struct {
	Event     model.Event
	Class     model.StreamClass
	Duplicate bool
}

// errDuplicate aborts the append transaction when the key already holds the same payload.
var errDuplicate = errors.New("duplicate append")

// PayloadHash returns the hex SHA-256 of payload.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Append commits payload as the next event of the stream, or returns the
// original event when the idempotency key was already used with the same
// payload. Reusing a key with a different payload fails with a *ConflictError
// and writes nothing.
//
// Appends to one stream are serialized by an in-process lock and by the row
// lock taken when head_seq is incremented; other streams are unaffected.
func (s *Store) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	if req.StreamID == "" {
		return AppendResult{}, fmt.Errorf("%w: stream_id is required", ErrInvalidArgument)
	}
	if req.IdempotencyKey == "" {
		return AppendResult{}, fmt.Errorf("%w: idempotency_key is required", ErrInvalidArgument)
	}
	if req.Payload == nil {
		return AppendResult{}, fmt.Errorf("%w: payload is required", ErrInvalidArgument)
	}
	for _, transport := range req.Bridge {
		if transport == "" {
			return AppendResult{}, fmt.Errorf("%w: empty bridge transport", ErrInvalidArgument)
		}
	}

	hash := PayloadHash(req.Payload)

	unlock := s.locks.Lock(req.StreamID)
	defer unlock()

	now := s.now()
	var result AppendResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stream, err := s.ensureStreamTx(ctx, tx, model.Stream{
			ID:         req.StreamID,
			Class:      req.Class,
			OwnerScope: req.OwnerScope,
		}, now)
		if err != nil {
			return err
		}

		var next int64
		err = tx.QueryRowContext(ctx, s.dialect.q(`
			UPDATE streams SET head_seq = head_seq + 1, updated_at = ?
			WHERE stream_id = ?
			RETURNING head_seq
		`), toMillis(now), req.StreamID).Scan(&next)
		if err != nil {
			return fmt.Errorf("reserve seq for %s: %w", req.StreamID, err)
		}

		existing, err := scanEvent(tx.QueryRowContext(ctx, s.dialect.q(selectEvent+`
			WHERE stream_id = ? AND idempotency_key = ?
		`), req.StreamID, req.IdempotencyKey))
		switch {
		case err == nil:
			if existing.PayloadHash != hash {
				return &ConflictError{
					StreamID:       req.StreamID,
					IdempotencyKey: req.IdempotencyKey,
					ExistingSeq:    existing.Seq,
					ExistingHash:   existing.PayloadHash,
					ProposedHash:   hash,
				}
			}
			result = AppendResult{Event: existing, Class: stream.Class, Duplicate: true}
			return errDuplicate
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check idempotency key: %w", err)
		}

		evt := model.Event{
			StreamID:       req.StreamID,
			Seq:            next,
			IdempotencyKey: req.IdempotencyKey,
			PayloadHash:    hash,
			Payload:        req.Payload,
			CommittedAt:    fromMillis(toMillis(now)),
		}
		err = tx.QueryRowContext(ctx, s.dialect.q(`
			INSERT INTO events (stream_id, seq, idempotency_key, payload_hash, payload, committed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING durable_offset
		`), evt.StreamID, evt.Seq, evt.IdempotencyKey, evt.PayloadHash, evt.Payload, toMillis(now)).Scan(&evt.DurableOffset)
		if err != nil {
			return fmt.Errorf("insert event %s/%d: %w", evt.StreamID, evt.Seq, err)
		}

		for _, transport := range req.Bridge {
			body, err := bridgeEnvelope(evt)
			if err != nil {
				return err
			}
			if _, err := s.enqueueOutboxTx(ctx, tx, BridgeEventID(evt.StreamID, evt.Seq, transport), transport, body, now); err != nil {
				return err
			}
		}

		result = AppendResult{Event: evt, Class: stream.Class}
		return nil
	})
	if errors.Is(err, errDuplicate) {
		s.logger.Debug("duplicate append",
			zap.String("stream_id", req.StreamID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("seq", result.Event.Seq),
		)
		return result, nil
	}
	if err != nil {
		return AppendResult{}, err
	}
	return result, nil
}

// ReadFrom returns up to limit events with seq > afterSeq in seq order.
// Limits outside [1, MaxReadLimit] are clamped. Every payload is verified
// against its stored hash; a mismatch fails the read with ErrIntegrity.
// Unknown streams read as empty.
func (s *Store) ReadFrom(ctx context.Context, streamID string, afterSeq int64, limit int) ([]model.Event, error) {
	if afterSeq < 0 {
		return nil, fmt.Errorf("%w: after_seq must not be negative", ErrInvalidArgument)
	}
	limit = ClampLimit(limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.q(selectEvent+`
		WHERE stream_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`), streamID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read %s after %d: %w", streamID, afterSeq, err)
	}
	defer rows.Close()

	events := make([]model.Event, 0, limit)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := verifyEvent(evt); err != nil {
			s.logger.Error("event integrity check failed", zap.Error(err))
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ClampLimit bounds a read limit to [1, MaxReadLimit], mapping non-positive values to DefaultReadLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadLimit
	}
	if limit > MaxReadLimit {
		return MaxReadLimit
	}
	return limit
}

// BridgeEventID is the outbox event id for a stream event bridged to a transport.
func BridgeEventID(streamID string, seq int64, transport string) string {
	return fmt.Sprintf("%s/%d/%s", streamID, seq, transport)
}

func verifyEvent(evt model.Event) error {
	computed := PayloadHash(evt.Payload)
	if computed != evt.PayloadHash {
		return &IntegrityError{StreamID: evt.StreamID, Seq: evt.Seq, Stored: evt.PayloadHash, Computed: computed}
	}
	return nil
}

type bridgeBody struct {
	StreamID       string          `json:"stream_id"`
	Seq            int64           `json:"seq"`
	IdempotencyKey string          `json:"idempotency_key"`
	PayloadHash    string          `json:"payload_hash"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadBytes   []byte          `json:"payload_bytes,omitempty"`
	CommittedAt    time.Time       `json:"committed_at"`
	DurableOffset  int64           `json:"durable_offset"`
}

// bridgeEnvelope is the outbox payload for a bridged event. JSON payloads are
// embedded as is; anything else is carried base64 encoded.
func bridgeEnvelope(evt model.Event) ([]byte, error) {
	body := bridgeBody{
		StreamID:       evt.StreamID,
		Seq:            evt.Seq,
		IdempotencyKey: evt.IdempotencyKey,
		PayloadHash:    evt.PayloadHash,
		CommittedAt:    evt.CommittedAt,
		DurableOffset:  evt.DurableOffset,
	}
	if json.Valid(evt.Payload) {
		body.Payload = evt.Payload
	} else {
		body.PayloadBytes = evt.Payload
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal bridge envelope: %w", err)
	}
	return data, nil
}

const selectEvent = `SELECT stream_id, seq, idempotency_key, payload_hash, payload, committed_at, durable_offset FROM events`

func scanEvent(row rowScanner) (model.Event, error) {
	var (
		evt         model.Event
		committedAt int64
	)
	if err := row.Scan(&evt.StreamID, &evt.Seq, &evt.IdempotencyKey, &evt.PayloadHash, &evt.Payload, &committedAt, &evt.DurableOffset); err != nil {
		return model.Event{}, err
	}
	evt.CommittedAt = fromMillis(committedAt)
	return evt, nil
}
