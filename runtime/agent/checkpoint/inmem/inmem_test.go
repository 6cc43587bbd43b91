package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/agent/checkpoint"
)

func TestJournalLatestTracksMostRecentWrite(t *testing.T) {
	j := New()
	ctx := context.Background()

	require.NoError(t, j.WriteFrame(ctx, checkpoint.Frame{RunID: "r1", Step: 0, Phase: checkpoint.PhaseRunStarted, Timestamp: time.Now()}))
	require.NoError(t, j.WriteFrame(ctx, checkpoint.Frame{RunID: "r1", Step: 0, Phase: checkpoint.PhasePreLLM, Timestamp: time.Now()}))

	latest, err := j.Latest(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, checkpoint.PhasePreLLM, latest.Phase)
}

func TestJournalLatestAlwaysReferencesExistingFrame(t *testing.T) {
	j := New()
	ctx := context.Background()
	require.NoError(t, j.WriteFrame(ctx, checkpoint.Frame{RunID: "r1", Step: 3, Phase: checkpoint.PhasePostToolBatch}))

	latest, err := j.Latest(ctx, "r1")
	require.NoError(t, err)
	frame, err := j.Frame(ctx, "r1", latest.Step, latest.Phase)
	require.NoError(t, err)
	require.Equal(t, latest, frame)
}

func TestJournalNotFound(t *testing.T) {
	j := New()
	ctx := context.Background()
	_, err := j.Latest(ctx, "missing")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, err = j.Frame(ctx, "missing", 0, checkpoint.PhaseRunStarted)
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestJournalListFramesOrder(t *testing.T) {
	j := New()
	ctx := context.Background()
	require.NoError(t, j.WriteFrame(ctx, checkpoint.Frame{RunID: "r1", Step: 0, Phase: checkpoint.PhaseRunStarted}))
	require.NoError(t, j.WriteFrame(ctx, checkpoint.Frame{RunID: "r1", Step: 0, Phase: checkpoint.PhasePreLLM}))
	require.NoError(t, j.WriteFrame(ctx, checkpoint.Frame{RunID: "r1", Step: 1, Phase: checkpoint.PhasePreLLM}))

	frames, err := j.ListFrames(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, checkpoint.PhaseRunStarted, frames[0].Phase)
	require.Equal(t, 1, frames[2].Step)
}
