package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/a2a"
)

func TestStoreCachesResponseByIdempotencyKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.GetCached(ctx, "K1")
	require.NoError(t, err)
	require.False(t, ok)

	resp := a2a.Response{Success: true, Output: "value"}
	require.NoError(t, s.PutCached(ctx, "K1", resp))

	got, ok, err := s.GetCached(ctx, "K1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, resp, got)
}

func TestStoreAppendsDeadLettersInOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AppendDeadLetter(ctx, a2a.DeadLetterEntry{CorrelationID: "a"}))
	require.NoError(t, s.AppendDeadLetter(ctx, a2a.DeadLetterEntry{CorrelationID: "b"}))

	entries, err := s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].CorrelationID)
	require.Equal(t, "b", entries[1].CorrelationID)
}
