package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/capitalize-ai/agentsync/internal/model"
)

// UpsertProvider writes a provider capability record keyed by provider id.
func (s *Store) UpsertProvider(ctx context.Context, p model.ProviderCapability) (model.ProviderCapability, error) {
	if p.ProviderID == "" {
		return model.ProviderCapability{}, fmt.Errorf("%w: provider_id is required", ErrInvalidArgument)
	}
	if len(p.Capabilities) == 0 {
		p.Capabilities = json.RawMessage("{}")
	}
	if !json.Valid(p.Capabilities) {
		return model.ProviderCapability{}, fmt.Errorf("%w: capabilities must be valid JSON", ErrInvalidArgument)
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.dialect.q(`
		INSERT INTO provider_capabilities (provider_id, region, capabilities_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider_id) DO UPDATE SET
			region = excluded.region,
			capabilities_json = excluded.capabilities_json,
			updated_at = excluded.updated_at
	`), p.ProviderID, p.Region, string(p.Capabilities), toMillis(now))
	if err != nil {
		return model.ProviderCapability{}, fmt.Errorf("upsert provider %s: %w", p.ProviderID, err)
	}
	p.UpdatedAt = fromMillis(toMillis(now))
	return p, nil
}

// GetProvider returns a provider by id.
func (s *Store) GetProvider(ctx context.Context, providerID string) (model.ProviderCapability, error) {
	var (
		p       model.ProviderCapability
		caps    string
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.q(`
		SELECT provider_id, region, capabilities_json, updated_at FROM provider_capabilities WHERE provider_id = ?
	`), providerID).Scan(&p.ProviderID, &p.Region, &caps, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProviderCapability{}, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	if err != nil {
		return model.ProviderCapability{}, fmt.Errorf("get provider %s: %w", providerID, err)
	}
	p.Capabilities = json.RawMessage(caps)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// CreateAssignment inserts a pending assignment. An empty id is replaced by a UUIDv7.
func (s *Store) CreateAssignment(ctx context.Context, a model.ComputeAssignment) (model.ComputeAssignment, error) {
	if a.ProviderID == "" || a.StreamID == "" {
		return model.ComputeAssignment{}, fmt.Errorf("%w: provider_id and stream_id are required", ErrInvalidArgument)
	}
	if a.AssignmentID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.ComputeAssignment{}, fmt.Errorf("generate assignment id: %w", err)
		}
		a.AssignmentID = id.String()
	}
	now := fromMillis(toMillis(s.now()))
	a.Status = model.AssignmentPending
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.dialect.q(`
		INSERT INTO compute_assignments (assignment_id, provider_id, stream_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), a.AssignmentID, a.ProviderID, a.StreamID, string(a.Status), toMillis(now), toMillis(now))
	if err != nil {
		return model.ComputeAssignment{}, fmt.Errorf("create assignment: %w", err)
	}
	return a, nil
}

// GetAssignment returns an assignment by id.
func (s *Store) GetAssignment(ctx context.Context, assignmentID string) (model.ComputeAssignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, s.dialect.q(selectAssignment+` WHERE assignment_id = ?`), assignmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ComputeAssignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	if err != nil {
		return model.ComputeAssignment{}, fmt.Errorf("get assignment %s: %w", assignmentID, err)
	}
	return a, nil
}

// TransitionAssignment moves an assignment to next and returns the previous status.
// Illegal moves fail with a *TransitionError. The update is conditional on the
// status read, so a concurrent transition makes this one fail instead of overwrite.
func (s *Store) TransitionAssignment(ctx context.Context, assignmentID string, next model.AssignmentStatus) (model.ComputeAssignment, model.AssignmentStatus, error) {
	current, err := s.GetAssignment(ctx, assignmentID)
	if err != nil {
		return model.ComputeAssignment{}, "", err
	}
	if !current.Status.CanTransition(next) {
		return model.ComputeAssignment{}, "", &TransitionError{AssignmentID: assignmentID, From: string(current.Status), To: string(next)}
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, s.dialect.q(`
		UPDATE compute_assignments SET status = ?, updated_at = ?
		WHERE assignment_id = ? AND status = ?
	`), string(next), toMillis(now), assignmentID, string(current.Status))
	if err != nil {
		return model.ComputeAssignment{}, "", fmt.Errorf("transition assignment %s: %w", assignmentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.ComputeAssignment{}, "", fmt.Errorf("transition assignment rows affected: %w", err)
	}
	if affected != 1 {
		return model.ComputeAssignment{}, "", &TransitionError{AssignmentID: assignmentID, From: string(current.Status), To: string(next)}
	}

	previous := current.Status
	current.Status = next
	current.UpdatedAt = fromMillis(toMillis(now))
	return current, previous, nil
}

// ListAssignments returns assignments for a stream, oldest first.
func (s *Store) ListAssignments(ctx context.Context, streamID string) ([]model.ComputeAssignment, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.q(selectAssignment+`
		WHERE stream_id = ? ORDER BY created_at, assignment_id
	`), streamID)
	if err != nil {
		return nil, fmt.Errorf("list assignments %s: %w", streamID, err)
	}
	defer rows.Close()

	out := make([]model.ComputeAssignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

const selectAssignment = `SELECT assignment_id, provider_id, stream_id, status, created_at, updated_at FROM compute_assignments`

func scanAssignment(row rowScanner) (model.ComputeAssignment, error) {
	var (
		a                model.ComputeAssignment
		status           string
		created, updated int64
	)
	if err := row.Scan(&a.AssignmentID, &a.ProviderID, &a.StreamID, &status, &created, &updated); err != nil {
		return model.ComputeAssignment{}, err
	}
	a.Status = model.AssignmentStatus(status)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}
