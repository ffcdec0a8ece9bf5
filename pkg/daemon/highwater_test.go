package daemon_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventdaemon/pkg/daemon"
	"github.com/plaenen/eventdaemon/pkg/projection"
)

func TestHighWaterWithoutGaps(t *testing.T) {
	es := newStore(t)
	appendQuests(t, es, 10, 38)

	mark, err := daemon.NewHighWaterDetector(es, es, 0).Detect(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 38, mark.CurrentMark)
	assert.EqualValues(t, 38, mark.HighestSequence)
	assert.EqualValues(t, 0, mark.LastMark)
	assert.False(t, mark.Stale())
	assert.False(t, mark.LastUpdated.IsZero())
}

func TestHighWaterEmptyStore(t *testing.T) {
	es := newStore(t)
	mark, err := daemon.NewHighWaterDetector(es, es, 0).Detect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, mark.CurrentMark)
	assert.Zero(t, mark.HighestSequence)
}

func TestHighWaterWithGaps(t *testing.T) {
	es := newStore(t)
	appendQuests(t, es, 10, 38)
	deleteSequences(t, es, 5, 8)
	ctx := context.Background()

	// a small window makes the scan cross several queries
	detector := daemon.NewHighWaterDetector(es, es, 3)

	t.Run("mark stops below the first gap", func(t *testing.T) {
		mark, err := detector.Detect(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 4, mark.CurrentMark)
		assert.EqualValues(t, 38, mark.HighestSequence)
		assert.True(t, mark.Stale())
	})

	t.Run("safe zone settles gaps older than the timestamp", func(t *testing.T) {
		mark, err := detector.DetectInSafeZone(ctx, time.Now())
		require.NoError(t, err)
		assert.EqualValues(t, 38, mark.CurrentMark)
		assert.True(t, mark.SafeZone)
	})

	t.Run("safe zone keeps recent gaps", func(t *testing.T) {
		mark, err := detector.DetectInSafeZone(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 4, mark.CurrentMark)
	})
}

func TestHighWaterTrailingGap(t *testing.T) {
	es := newStore(t)
	appendQuests(t, es, 2, 10)
	deleteSequences(t, es, 9, 10)
	ctx := context.Background()
	detector := daemon.NewHighWaterDetector(es, es, 0)

	mark, err := detector.Detect(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 8, mark.CurrentMark)
	assert.EqualValues(t, 10, mark.HighestSequence)

	mark, err = detector.DetectInSafeZone(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 10, mark.CurrentMark, "nothing can fill a gap with no events behind it")
}

func TestHighWaterAgentSkipsStaleGap(t *testing.T) {
	es := newStore(t)
	appendQuests(t, es, 2, 10)
	deleteSequences(t, es, 5)
	ctx := context.Background()

	d := newDaemon(t, es, projection.MustRegistry(questPartyProjection()),
		daemon.WithStaleSequenceThreshold(20*time.Millisecond))
	hw := d.HighWater()

	mark, err := hw.CheckNow(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, mark.CurrentMark)
	assert.False(t, mark.SafeZone)

	state, err := es.LoadShardState(ctx, daemon.HighWaterMarkName)
	require.NoError(t, err)
	assert.EqualValues(t, 4, state.Sequence, "the mark is persisted")

	time.Sleep(30 * time.Millisecond)

	mark, err = hw.CheckNow(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, mark.CurrentMark)
	assert.EqualValues(t, 4, mark.LastMark)
	assert.True(t, mark.SafeZone)
	assert.EqualValues(t, 10, d.Tracker().HighWaterMark())

	state, err = es.LoadShardState(ctx, daemon.HighWaterMarkName)
	require.NoError(t, err)
	assert.EqualValues(t, 10, state.Sequence)
}

func TestHighWaterAgentFollowsAppends(t *testing.T) {
	es := newStore(t)
	d := newDaemon(t, es, projection.MustRegistry(questPartyProjection()),
		daemon.WithPollInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, d.HighWater().Start(ctx))
	appendQuests(t, es, 3, 12)

	// the poll interval is an hour, so only the append notification can wake the agent
	require.NoError(t, d.Tracker().WaitForHighWaterMark(ctx, 12, 2*time.Second))
}
