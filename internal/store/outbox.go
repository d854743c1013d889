package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// RetryPolicy decides when a failed outbox entry may be retried.
// RetryAfter returns the delay after the given attempt count, or false
// when the entry should stay failed.
type RetryPolicy interface {
	RetryAfter(attempt int) (time.Duration, bool)
}

// EnqueueOutbox stages a pending delivery. Repeating an existing event id is a
// no-op and reports created=false.
func (s *Store) EnqueueOutbox(ctx context.Context, eventID, transport string, payload []byte) (bool, error) {
	if eventID == "" || transport == "" {
		return false, fmt.Errorf("%w: event_id and transport are required", ErrInvalidArgument)
	}
	if !json.Valid(payload) {
		return false, fmt.Errorf("%w: payload must be valid JSON", ErrInvalidArgument)
	}
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = s.enqueueOutboxTx(ctx, tx, eventID, transport, payload, s.now())
		return err
	})
	return created, err
}

func (s *Store) enqueueOutboxTx(ctx context.Context, tx *sql.Tx, eventID, transport string, payload []byte, now time.Time) (bool, error) {
	if payload == nil {
		payload = []byte("null")
	}
	res, err := tx.ExecContext(ctx, s.dialect.q(`
		INSERT INTO bridge_outbox (event_id, transport, status, payload_json, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`), eventID, transport, string(payload), toMillis(now), toMillis(now), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("enqueue outbox %s: %w", eventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue outbox rows affected: %w", err)
	}
	return affected == 1, nil
}

// ClaimOutbox leases up to limit due pending entries to workerID, oldest first.
// An entry is due when next_attempt_at has passed and it carries no live lease.
// Each claim is a conditional UPDATE, so an entry is in flight on at most one worker.
// Claiming increments attempt_count.
func (s *Store) ClaimOutbox(ctx context.Context, workerID string, limit int, lease time.Duration) ([]model.OutboxEntry, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 1
	}
	now := s.now()
	nowMs := toMillis(now)
	leaseUntil := toMillis(now.Add(lease))

	var claimed []model.OutboxEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.dialect.q(selectOutbox+`
			WHERE status = 'pending' AND next_attempt_at <= ?
			  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY created_at, event_id
			LIMIT ?
		`), nowMs, nowMs, limit)
		if err != nil {
			return fmt.Errorf("list due outbox entries: %w", err)
		}
		candidates := make([]model.OutboxEntry, 0, limit)
		for rows.Next() {
			entry, err := scanOutbox(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan due outbox entry: %w", err)
			}
			candidates = append(candidates, entry)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate due outbox entries: %w", err)
		}
		rows.Close()

		claimed = make([]model.OutboxEntry, 0, len(candidates))
		for _, candidate := range candidates {
			res, err := tx.ExecContext(ctx, s.dialect.q(`
				UPDATE bridge_outbox
				SET claimed_by = ?, lease_expires_at = ?, attempt_count = attempt_count + 1, updated_at = ?
				WHERE event_id = ? AND status = 'pending' AND next_attempt_at <= ?
				  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			`), workerID, leaseUntil, nowMs, candidate.EventID, nowMs, nowMs)
			if err != nil {
				return fmt.Errorf("claim outbox entry %s: %w", candidate.EventID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim outbox entry rows affected %s: %w", candidate.EventID, err)
			}
			if affected != 1 {
				continue
			}
			candidate.ClaimedBy = workerID
			expires := fromMillis(leaseUntil)
			candidate.LeaseExpiresAt = &expires
			candidate.AttemptCount++
			candidate.UpdatedAt = fromMillis(nowMs)
			claimed = append(claimed, candidate)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDelivered resolves a claimed entry as delivered. Only the lease holder may
// resolve it; delivered is terminal.
func (s *Store) MarkDelivered(ctx context.Context, eventID, workerID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.q(`
		UPDATE bridge_outbox
		SET status = 'delivered', claimed_by = '', lease_expires_at = NULL, last_error = '', updated_at = ?
		WHERE event_id = ? AND status = 'pending' AND claimed_by = ?
	`), toMillis(s.now()), eventID, workerID)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", eventID, err)
	}
	return s.ensureResolved(ctx, res, eventID, workerID)
}

// MarkFailed resolves a claimed entry as failed, recording the delivery error.
func (s *Store) MarkFailed(ctx context.Context, eventID, workerID string, deliveryErr error) error {
	msg := "unknown error"
	if deliveryErr != nil {
		msg = deliveryErr.Error()
	}
	res, err := s.db.ExecContext(ctx, s.dialect.q(`
		UPDATE bridge_outbox
		SET status = 'failed', claimed_by = '', lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE event_id = ? AND status = 'pending' AND claimed_by = ?
	`), msg, toMillis(s.now()), eventID, workerID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", eventID, err)
	}
	return s.ensureResolved(ctx, res, eventID, workerID)
}

func (s *Store) ensureResolved(ctx context.Context, res sql.Result, eventID, workerID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve outbox rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.GetOutbox(ctx, eventID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s by %s", ErrLeaseLost, eventID, workerID)
}

// RetryFailed moves failed entries whose backoff has elapsed back to pending.
// Entries the policy gives up on stay failed. Delivered entries are never touched.
func (s *Store) RetryFailed(ctx context.Context, now time.Time, policy RetryPolicy) (int, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.q(`
		SELECT event_id, attempt_count, updated_at FROM bridge_outbox
		WHERE status = 'failed'
		ORDER BY updated_at
	`))
	if err != nil {
		return 0, fmt.Errorf("list failed outbox entries: %w", err)
	}
	type failedRow struct {
		eventID   string
		attempts  int
		updatedAt int64
	}
	var due []failedRow
	for rows.Next() {
		var r failedRow
		if err := rows.Scan(&r.eventID, &r.attempts, &r.updatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan failed outbox entry: %w", err)
		}
		delay, ok := policy.RetryAfter(r.attempts)
		if !ok {
			continue
		}
		if fromMillis(r.updatedAt).Add(delay).After(now) {
			continue
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate failed outbox entries: %w", err)
	}
	rows.Close()

	requeued := 0
	for _, r := range due {
		ok, err := s.requeue(ctx, r.eventID, now)
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
		}
	}
	return requeued, nil
}

// RequeueFailed moves one failed entry back to pending immediately.
// It reports false when the entry exists but is not failed.
func (s *Store) RequeueFailed(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.requeue(ctx, eventID, s.now())
	if err != nil {
		return false, err
	}
	if !ok {
		if _, err := s.GetOutbox(ctx, eventID); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (s *Store) requeue(ctx context.Context, eventID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.q(`
		UPDATE bridge_outbox
		SET status = 'pending', next_attempt_at = ?, updated_at = ?
		WHERE event_id = ? AND status = 'failed'
	`), toMillis(now), toMillis(now), eventID)
	if err != nil {
		return false, fmt.Errorf("requeue outbox %s: %w", eventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue outbox rows affected: %w", err)
	}
	return affected == 1, nil
}

// GetOutbox returns one outbox entry.
func (s *Store) GetOutbox(ctx context.Context, eventID string) (model.OutboxEntry, error) {
	entry, err := scanOutbox(s.db.QueryRowContext(ctx, s.dialect.q(selectOutbox+` WHERE event_id = ?`), eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.OutboxEntry{}, fmt.Errorf("%w: %s", ErrOutboxNotFound, eventID)
	}
	if err != nil {
		return model.OutboxEntry{}, fmt.Errorf("get outbox %s: %w", eventID, err)
	}
	return entry, nil
}

// ListOutbox returns entries ordered by creation. An empty status lists all.
func (s *Store) ListOutbox(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxEntry, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown outbox status %q", ErrInvalidArgument, status)
	}
	limit = ClampLimit(limit)

	query := selectOutbox
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, event_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	entries := make([]model.OutboxEntry, 0)
	for rows.Next() {
		entry, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// OutboxSummary counts entries by status.
func (s *Store) OutboxSummary(ctx context.Context) (model.OutboxSummary, error) {
	var summary model.OutboxSummary
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM bridge_outbox GROUP BY status`)
	if err != nil {
		return summary, fmt.Errorf("summarize outbox: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("scan outbox summary: %w", err)
		}
		switch model.OutboxStatus(status) {
		case model.OutboxPending:
			summary.Pending = count
		case model.OutboxDelivered:
			summary.Delivered = count
		case model.OutboxFailed:
			summary.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("iterate outbox summary: %w", err)
	}

	nowMs := toMillis(s.now())
	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx, s.dialect.q(`
		SELECT
			COALESCE(SUM(CASE WHEN lease_expires_at > ? THEN 1 ELSE 0 END), 0),
			MIN(created_at)
		FROM bridge_outbox WHERE status = 'pending'
	`), nowMs).Scan(&summary.InFlight, &oldest)
	if err != nil {
		return summary, fmt.Errorf("summarize pending outbox: %w", err)
	}
	summary.OldestPendingAt = fromNullMillis(oldest)
	return summary, nil
}

const selectOutbox = `SELECT event_id, transport, status, payload_json, attempt_count, last_error, claimed_by,
	lease_expires_at, next_attempt_at, created_at, updated_at FROM bridge_outbox`

func scanOutbox(row rowScanner) (model.OutboxEntry, error) {
	var (
		entry                         model.OutboxEntry
		status, payload               string
		lease                         sql.NullInt64
		nextAttempt, created, updated int64
	)
	if err := row.Scan(&entry.EventID, &entry.Transport, &status, &payload, &entry.AttemptCount,
		&entry.LastError, &entry.ClaimedBy, &lease, &nextAttempt, &created, &updated); err != nil {
		return model.OutboxEntry{}, err
	}
	entry.Status = model.OutboxStatus(status)
	entry.Payload = []byte(payload)
	entry.LeaseExpiresAt = fromNullMillis(lease)
	entry.NextAttemptAt = fromMillis(nextAttempt)
	entry.CreatedAt = fromMillis(created)
	entry.UpdatedAt = fromMillis(updated)
	return entry, nil
}
