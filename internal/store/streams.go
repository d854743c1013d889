package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// EnsureStream creates the stream if absent and returns the stored record.
// An empty class means default on creation and matches any stored class.
// An existing stream with a different class fails with ErrStreamClassMismatch;
// a non-empty owner scope that differs from the stored one fails with ErrScopeMismatch.
func (s *Store) EnsureStream(ctx context.Context, stream model.Stream) (model.Stream, error) {
	if stream.ID == "" {
		return model.Stream{}, fmt.Errorf("%w: stream_id is required", ErrInvalidArgument)
	}

	var out model.Stream
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.ensureStreamTx(ctx, tx, stream, s.now())
		return err
	})
	if err != nil {
		return model.Stream{}, err
	}
	return out, nil
}

// ensureStreamTx inserts the stream if missing and checks the stored class and
// scope. An empty class or scope on the request matches whatever is stored.
func (s *Store) ensureStreamTx(ctx context.Context, tx *sql.Tx, stream model.Stream, now time.Time) (model.Stream, error) {
	class := stream.Class
	if class == "" {
		class = model.StreamClassDefault
	}
	_, err := tx.ExecContext(ctx, s.dialect.q(`
		INSERT INTO streams (stream_id, stream_class, owner_scope, head_seq, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (stream_id) DO NOTHING
	`), stream.ID, string(class), stream.OwnerScope, toMillis(now), toMillis(now))
	if err != nil {
		return model.Stream{}, fmt.Errorf("ensure stream %s: %w", stream.ID, err)
	}

	stored, err := scanStream(tx.QueryRowContext(ctx, s.dialect.q(selectStream+` WHERE stream_id = ?`), stream.ID))
	if err != nil {
		return model.Stream{}, fmt.Errorf("load stream %s: %w", stream.ID, err)
	}
	if stream.Class != "" && stored.Class != stream.Class {
		return model.Stream{}, fmt.Errorf("%w: stream %s is %s, not %s", ErrStreamClassMismatch, stream.ID, stored.Class, stream.Class)
	}
	if stream.OwnerScope != "" && stored.OwnerScope != "" && stored.OwnerScope != stream.OwnerScope {
		return model.Stream{}, fmt.Errorf("%w: stream %s", ErrScopeMismatch, stream.ID)
	}
	return stored, nil
}

// GetStream returns a stream by id.
func (s *Store) GetStream(ctx context.Context, streamID string) (model.Stream, error) {
	stream, err := scanStream(s.db.QueryRowContext(ctx, s.dialect.q(selectStream+` WHERE stream_id = ?`), streamID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Stream{}, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	if err != nil {
		return model.Stream{}, fmt.Errorf("get stream %s: %w", streamID, err)
	}
	return stream, nil
}

// Head returns the highest committed seq of a stream.
func (s *Store) Head(ctx context.Context, streamID string) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, s.dialect.q(`SELECT head_seq FROM streams WHERE stream_id = ?`), streamID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", streamID, err)
	}
	return head, nil
}

// ListStreams returns streams ordered by id. An empty owner scope lists all streams.
func (s *Store) ListStreams(ctx context.Context, ownerScope string) ([]model.Stream, error) {
	query := selectStream
	var args []any
	if ownerScope != "" {
		query += ` WHERE owner_scope = ?`
		args = append(args, ownerScope)
	}
	query += ` ORDER BY stream_id`

	rows, err := s.db.QueryContext(ctx, s.dialect.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	streams := make([]model.Stream, 0)
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return streams, nil
}

const selectStream = `SELECT stream_id, stream_class, owner_scope, head_seq, created_at, updated_at FROM streams`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (model.Stream, error) {
	var (
		stream             model.Stream
		class              string
		createdAt, updated int64
	)
	if err := row.Scan(&stream.ID, &class, &stream.OwnerScope, &stream.HeadSeq, &createdAt, &updated); err != nil {
		return model.Stream{}, err
	}
	stream.Class = model.StreamClass(class)
	stream.CreatedAt = fromMillis(createdAt)
	stream.UpdatedAt = fromMillis(updated)
	return stream, nil
}
