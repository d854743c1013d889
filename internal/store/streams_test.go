package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/agentsync/internal/model"
)

func TestEnsureStream(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.EnsureStream(ctx, model.Stream{ID: "a", Class: model.StreamClassConversation, OwnerScope: "t1"})
	require.NoError(t, err)
	assert.Equal(t, model.StreamClassConversation, created.Class)
	assert.Equal(t, int64(0), created.HeadSeq)

	again, err := s.EnsureStream(ctx, model.Stream{ID: "a", Class: model.StreamClassConversation})
	require.NoError(t, err)
	assert.Equal(t, created, again)

	// empty class matches whatever is stored
	_, err = s.EnsureStream(ctx, model.Stream{ID: "a"})
	require.NoError(t, err)

	_, err = s.EnsureStream(ctx, model.Stream{ID: "a", Class: model.StreamClassComputeAssignment})
	assert.ErrorIs(t, err, ErrStreamClassMismatch)

	_, err = s.EnsureStream(ctx, model.Stream{ID: "a", OwnerScope: "t2"})
	assert.ErrorIs(t, err, ErrScopeMismatch)

	_, err = s.EnsureStream(ctx, model.Stream{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetStreamAndList(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)
	_, err = s.Head(ctx, "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	_, err = s.EnsureStream(ctx, model.Stream{ID: "b", OwnerScope: "t1"})
	require.NoError(t, err)
	_, err = s.EnsureStream(ctx, model.Stream{ID: "a", OwnerScope: "t1"})
	require.NoError(t, err)
	_, err = s.EnsureStream(ctx, model.Stream{ID: "c", OwnerScope: "t2"})
	require.NoError(t, err)
	appendJSON(t, s, "a", "k1", `{}`)

	all, err := s.ListStreams(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, int64(1), all[0].HeadSeq)

	scoped, err := s.ListStreams(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, scoped, 2)
}
