package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agentsync/internal/model"
)

func TestSideChannels(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.AppendPresenceEvent(ctx, map[string]string{"node_id": "n1", "status": "online"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.EventID)
	assert.Equal(t, model.SideChannelPresence, first.Channel)

	_, err = s.AppendPresenceEvent(ctx, json.RawMessage(`{"node_id":"n2"}`))
	require.NoError(t, err)
	_, err = s.AppendConflictEvent(ctx, []byte(`{"stream_id":"s1"}`))
	require.NoError(t, err)
	_, err = s.AppendCoordinationEvent(ctx, map[string]any{"assignment_id": "a1"})
	require.NoError(t, err)

	presence, err := s.ListSideChannel(ctx, model.SideChannelPresence, 0, 10)
	require.NoError(t, err)
	require.Len(t, presence, 2)
	assert.Less(t, presence[0].Position, presence[1].Position)
	assert.JSONEq(t, `{"node_id":"n1","status":"online"}`, string(presence[0].Payload))

	rest, err := s.ListSideChannel(ctx, model.SideChannelPresence, presence[0].Position, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.JSONEq(t, `{"node_id":"n2"}`, string(rest[0].Payload))

	conflicts, err := s.ListSideChannel(ctx, model.SideChannelConflict, 0, 10)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)

	_, err = s.ListSideChannel(ctx, "audit", 0, 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.AppendSideChannel(ctx, model.SideChannelConflict, "", []byte(`nope`))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSideChannel_ExplicitEventIDUnique(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendSideChannel(ctx, model.SideChannelCoordination, "fixed", map[string]int{"a": 1})
	require.NoError(t, err)
	_, err = s.AppendSideChannel(ctx, model.SideChannelCoordination, "fixed", map[string]int{"a": 2})
	assert.Error(t, err)
}
