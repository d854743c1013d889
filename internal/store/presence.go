package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// UpsertPresence writes a node's liveness record and returns the previous one,
// or nil when the node was not known. The read and write run in one transaction
// so concurrent heartbeats for the same node see a consistent previous value.
func (s *Store) UpsertPresence(ctx context.Context, p model.SessionPresence) (*model.SessionPresence, error) {
	if p.NodeID == "" {
		return nil, fmt.Errorf("%w: node_id is required", ErrInvalidArgument)
	}
	if p.Status == "" {
		p.Status = model.PresenceOnline
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = s.now()
	}

	var previous *model.SessionPresence
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := scanPresence(tx.QueryRowContext(ctx, s.dialect.q(selectPresence+` WHERE node_id = ?`), p.NodeID))
		switch {
		case err == nil:
			previous = &prev
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("load presence %s: %w", p.NodeID, err)
		}

		_, err = tx.ExecContext(ctx, s.dialect.q(`
			INSERT INTO session_presence (node_id, session_id, status, region, last_seen)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (node_id) DO UPDATE SET
				session_id = excluded.session_id,
				status = excluded.status,
				region = excluded.region,
				last_seen = excluded.last_seen
		`), p.NodeID, p.SessionID, string(p.Status), p.Region, toMillis(p.LastSeen))
		if err != nil {
			return fmt.Errorf("upsert presence %s: %w", p.NodeID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// ListPresence returns every presence record ordered by node id. Staleness is
// left to the caller.
func (s *Store) ListPresence(ctx context.Context) ([]model.SessionPresence, error) {
	rows, err := s.db.QueryContext(ctx, selectPresence+` ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	out := make([]model.SessionPresence, 0)
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return out, nil
}

const selectPresence = `SELECT node_id, session_id, status, region, last_seen FROM session_presence`

func scanPresence(row rowScanner) (model.SessionPresence, error) {
	var (
		p        model.SessionPresence
		status   string
		lastSeen int64
	)
	if err := row.Scan(&p.NodeID, &p.SessionID, &status, &p.Region, &lastSeen); err != nil {
		return model.SessionPresence{}, err
	}
	p.Status = model.PresenceStatus(status)
	p.LastSeen = fromMillis(lastSeen)
	return p, nil
}
