package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/capitalize-ai/agentsync/internal/model"
)

var sideChannelTables = map[model.SideChannel]string{
	model.SideChannelPresence:     "presence_events",
	model.SideChannelCoordination: "coordination_events",
	model.SideChannelConflict:     "conflict_events",
}

// AppendPresenceEvent appends to the presence audit log.
func (s *Store) AppendPresenceEvent(ctx context.Context, payload any) (model.SideChannelEvent, error) {
	return s.AppendSideChannel(ctx, model.SideChannelPresence, "", payload)
}

// AppendCoordinationEvent appends to the coordination audit log.
func (s *Store) AppendCoordinationEvent(ctx context.Context, payload any) (model.SideChannelEvent, error) {
	return s.AppendSideChannel(ctx, model.SideChannelCoordination, "", payload)
}

// AppendConflictEvent appends to the conflict audit log.
func (s *Store) AppendConflictEvent(ctx context.Context, payload any) (model.SideChannelEvent, error) {
	return s.AppendSideChannel(ctx, model.SideChannelConflict, "", payload)
}

// AppendSideChannel appends a JSON payload to one of the side-channel logs.
// An empty eventID is replaced by a UUIDv7.
func (s *Store) AppendSideChannel(ctx context.Context, channel model.SideChannel, eventID string, payload any) (model.SideChannelEvent, error) {
	table, ok := sideChannelTables[channel]
	if !ok {
		return model.SideChannelEvent{}, fmt.Errorf("%w: unknown side channel %q", ErrInvalidArgument, channel)
	}
	if eventID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return model.SideChannelEvent{}, fmt.Errorf("generate event id: %w", err)
		}
		eventID = id.String()
	}

	var body []byte
	switch v := payload.(type) {
	case json.RawMessage:
		body = v
	case []byte:
		body = v
	default:
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return model.SideChannelEvent{}, fmt.Errorf("marshal %s event: %w", channel, err)
		}
	}
	if !json.Valid(body) {
		return model.SideChannelEvent{}, fmt.Errorf("%w: %s payload must be valid JSON", ErrInvalidArgument, channel)
	}

	now := s.now()
	evt := model.SideChannelEvent{
		Channel:     channel,
		EventID:     eventID,
		Payload:     body,
		CommittedAt: fromMillis(toMillis(now)),
	}
	err := s.db.QueryRowContext(ctx, s.dialect.q(`
		INSERT INTO `+table+` (event_id, payload_json, committed_at)
		VALUES (?, ?, ?)
		RETURNING position
	`), eventID, string(body), toMillis(now)).Scan(&evt.Position)
	if err != nil {
		return model.SideChannelEvent{}, fmt.Errorf("append %s event: %w", channel, err)
	}
	return evt, nil
}

// ListSideChannel returns up to limit events with position > afterPosition.
func (s *Store) ListSideChannel(ctx context.Context, channel model.SideChannel, afterPosition int64, limit int) ([]model.SideChannelEvent, error) {
	table, ok := sideChannelTables[channel]
	if !ok {
		return nil, fmt.Errorf("%w: unknown side channel %q", ErrInvalidArgument, channel)
	}
	limit = ClampLimit(limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.q(`
		SELECT position, event_id, payload_json, committed_at FROM `+table+`
		WHERE position > ?
		ORDER BY position
		LIMIT ?
	`), afterPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s events: %w", channel, err)
	}
	defer rows.Close()

	out := make([]model.SideChannelEvent, 0)
	for rows.Next() {
		var (
			evt         = model.SideChannelEvent{Channel: channel}
			payload     string
			committedAt int64
		)
		if err := rows.Scan(&evt.Position, &evt.EventID, &payload, &committedAt); err != nil {
			return nil, fmt.Errorf("scan %s event: %w", channel, err)
		}
		evt.Payload = []byte(payload)
		evt.CommittedAt = fromMillis(committedAt)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s events: %w", channel, err)
	}
	return out, nil
}
