package daemon_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventdaemon/pkg/daemon"
	"github.com/plaenen/eventdaemon/pkg/projection"
	"github.com/plaenen/eventdaemon/pkg/store/sqlite"
)

func TestCoordinatorAcrossDatabases(t *testing.T) {
	ctx := context.Background()
	registry := projection.MustRegistry(questPartyProjection())

	north := newStore(t, sqlite.WithIdentifier("north"))
	south := newStore(t, sqlite.WithIdentifier("south"))

	c, err := daemon.NewCoordinator(newDaemon(t, north, registry), newDaemon(t, south, registry))
	require.NoError(t, err)

	_, err = daemon.NewCoordinator(newDaemon(t, north, registry), newDaemon(t, north, registry))
	assert.ErrorContains(t, err, "duplicate database identifier")

	require.NoError(t, c.StartAll(ctx))
	appendQuests(t, north, 2, 8)
	appendQuests(t, south, 3, 5)
	require.NoError(t, c.WaitForNonStaleData(ctx, waitTimeout))

	assert.Len(t, parties(t, north), 2)
	assert.Len(t, parties(t, south), 3)

	progress, err := c.Progress(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 8, progress["north"][0].Sequence)
	assert.EqualValues(t, 5, progress["south"][0].Sequence)
	assert.NoError(t, c.HealthCheck(ctx))

	require.NoError(t, c.RebuildProjection(ctx, "quest-party"))
	assert.Len(t, parties(t, south), 3)

	d, ok := c.Daemon("south")
	require.True(t, ok)
	assert.Equal(t, "eventdaemon:south", d.Name())

	require.NoError(t, c.StopAll(ctx))
}
