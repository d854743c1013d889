package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// AdvanceCheckpoint moves a consumer's checkpoint forward to seq.
// Equal seq is an idempotent success that leaves the stored row untouched.
// A lower seq fails with a *RegressionError and the stored value is kept.
func (s *Store) AdvanceCheckpoint(ctx context.Context, clientID, streamID string, seq, durableOffset int64) (model.Checkpoint, error) {
	if clientID == "" || streamID == "" {
		return model.Checkpoint{}, fmt.Errorf("%w: client_id and stream_id are required", ErrInvalidArgument)
	}
	if seq < 0 {
		return model.Checkpoint{}, fmt.Errorf("%w: seq must not be negative", ErrInvalidArgument)
	}

	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, s.dialect.q(`
		INSERT INTO checkpoints (client_id, stream_id, last_applied_seq, durable_offset, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (client_id, stream_id) DO UPDATE SET
			last_applied_seq = excluded.last_applied_seq,
			durable_offset = excluded.durable_offset,
			updated_at = excluded.updated_at
		WHERE checkpoints.last_applied_seq < excluded.last_applied_seq
	`), clientID, streamID, seq, durableOffset, now)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("advance checkpoint %s/%s: %w", clientID, streamID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("advance checkpoint rows affected: %w", err)
	}

	stored, err := s.ReadCheckpoint(ctx, clientID, streamID)
	if err != nil {
		return model.Checkpoint{}, err
	}
	if affected == 0 && stored.LastAppliedSeq > seq {
		return stored, &RegressionError{ClientID: clientID, StreamID: streamID, Stored: stored.LastAppliedSeq, Proposed: seq}
	}
	return stored, nil
}

// ReadCheckpoint returns the stored checkpoint, or a zero checkpoint when none exists.
func (s *Store) ReadCheckpoint(ctx context.Context, clientID, streamID string) (model.Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, s.dialect.q(selectCheckpoint+`
		WHERE client_id = ? AND stream_id = ?
	`), clientID, streamID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Checkpoint{ClientID: clientID, StreamID: streamID}, nil
	}
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("read checkpoint %s/%s: %w", clientID, streamID, err)
	}
	return cp, nil
}

// ListCheckpoints returns every consumer checkpoint on a stream ordered by client id.
func (s *Store) ListCheckpoints(ctx context.Context, streamID string) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.q(selectCheckpoint+`
		WHERE stream_id = ?
		ORDER BY client_id
	`), streamID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", streamID, err)
	}
	defer rows.Close()

	checkpoints := make([]model.Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

const selectCheckpoint = `SELECT client_id, stream_id, last_applied_seq, durable_offset, updated_at FROM checkpoints`

func scanCheckpoint(row rowScanner) (model.Checkpoint, error) {
	var (
		cp        model.Checkpoint
		updatedAt int64
	)
	if err := row.Scan(&cp.ClientID, &cp.StreamID, &cp.LastAppliedSeq, &cp.DurableOffset, &updatedAt); err != nil {
		return model.Checkpoint{}, err
	}
	cp.UpdatedAt = fromMillis(updatedAt)
	return cp, nil
}
