package admin_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/plaenen/eventdaemon/pkg/admin"
	"github.com/plaenen/eventdaemon/pkg/daemon"
	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/observability"
	"github.com/plaenen/eventdaemon/pkg/projection"
	"github.com/plaenen/eventdaemon/pkg/store/sqlite"
)

type Deposited struct {
	Amount int `json:"amount"`
}

func (Deposited) EventType() string { return "accounts.Deposited" }

type Poisoned struct{}

func (Poisoned) EventType() string { return "accounts.Poisoned" }

type Balance struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

var errPoison = errors.New("poisoned event")

func balanceProjection() *projection.Aggregation[Balance] {
	p := projection.NewSingleStream[Balance]("balance").
		WithIdentitySetter(func(doc *Balance, id string) { doc.ID = id })
	projection.Apply(p, func(_ context.Context, doc *Balance, e Deposited, _ *domain.Event) error {
		doc.Amount += e.Amount
		return nil
	})
	projection.Apply(p, func(context.Context, *Balance, Poisoned, *domain.Event) error {
		return errPoison
	})
	return p
}

type fixture struct {
	es     *sqlite.EventStore
	daemon *daemon.Daemon
	url    string
}

func newFixture(t *testing.T, opts ...admin.Option) *fixture {
	t.Helper()
	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })

	d := daemon.New(es, projection.MustRegistry(balanceProjection()),
		daemon.WithPollInterval(10*time.Millisecond),
		daemon.WithRetryBackoff(time.Millisecond),
		daemon.WithSkipApplyErrors(true))
	require.NoError(t, d.StartAll(t.Context()))
	t.Cleanup(func() { d.StopAll(context.Background()) })

	coord, err := daemon.NewCoordinator(d)
	require.NoError(t, err)

	srv := httptest.NewServer(admin.NewServer(coord, opts...).Handler())
	t.Cleanup(srv.Close)
	return &fixture{es: es, daemon: d, url: srv.URL}
}

func (f *fixture) deposit(t *testing.T, payloads ...any) {
	t.Helper()
	session := f.es.LightweightSession()
	_, err := session.StartNewStream(payloads...)
	require.NoError(t, err)
	_, err = session.SaveChanges(t.Context())
	require.NoError(t, err)
}

func TestProgressAndStatistics(t *testing.T) {
	f := newFixture(t)
	client := admin.NewClient(f.url)
	ctx := t.Context()

	f.deposit(t, Deposited{Amount: 5}, Deposited{Amount: 7})
	f.deposit(t, Deposited{Amount: 1})
	require.NoError(t, client.WaitForNonStaleData(ctx, 5*time.Second))

	report, err := client.Progress(ctx)
	require.NoError(t, err)
	shards := report.Databases[f.es.Identifier()]
	require.Len(t, shards, 1)
	assert.Equal(t, "balance", shards[0].Projection)
	assert.EqualValues(t, 3, shards[0].Sequence)
	assert.EqualValues(t, 0, shards[0].Lag)
	assert.Equal(t, daemon.Polling.String(), shards[0].Status)

	stats, err := client.Statistics(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Databases, 1)
	assert.EqualValues(t, 3, stats.Databases[0].Events)
	assert.EqualValues(t, 2, stats.Databases[0].Streams)
	assert.EqualValues(t, 3, stats.Databases[0].HighestSequence)
	assert.Equal(t, 1, stats.Databases[0].Shards)
}

func TestRebuildProjection(t *testing.T) {
	f := newFixture(t)
	client := admin.NewClient(f.url, admin.WithJSON())
	ctx := t.Context()

	f.deposit(t, Deposited{Amount: 5})
	require.NoError(t, client.WaitForNonStaleData(ctx, 5*time.Second))
	require.NoError(t, client.RebuildProjection(ctx, "balance"))

	err := client.RebuildProjection(ctx, "ghost")
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	err = client.RebuildProjection(ctx, "")
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t)
	client := admin.NewClient(f.url)
	ctx := t.Context()

	f.deposit(t, Deposited{Amount: 5}, Poisoned{}, Deposited{Amount: 2})
	require.NoError(t, client.WaitForNonStaleData(ctx, 5*time.Second))

	letters, err := client.DeadLetters(ctx, admin.DeadLetterQuery{Shard: "balance"})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "accounts.Poisoned", letters[0].EventType)
	assert.EqualValues(t, 2, letters[0].Sequence)
	assert.Contains(t, letters[0].Message, "poisoned event")

	require.NoError(t, client.DeleteDeadLetter(ctx, admin.DeadLetterRef{ID: letters[0].ID}))
	letters, err = client.DeadLetters(ctx, admin.DeadLetterQuery{Database: f.es.Identifier()})
	require.NoError(t, err)
	assert.Empty(t, letters)

	_, err = client.DeadLetters(ctx, admin.DeadLetterQuery{Database: "elsewhere"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestShardControl(t *testing.T) {
	f := newFixture(t)
	client := admin.NewClient(f.url)
	ctx := t.Context()

	shard := admin.ShardRef{Shard: "balance"}
	require.NoError(t, client.PauseShard(ctx, shard))
	agent, err := f.daemon.Agent("balance")
	require.NoError(t, err)
	assert.Equal(t, daemon.Paused, agent.Status())

	require.NoError(t, client.ResumeShard(ctx, shard))
	require.NoError(t, client.StopShard(ctx, shard))
	assert.Equal(t, daemon.Stopped, agent.Status())

	require.NoError(t, client.StartShard(ctx, shard))
	err = client.StartShard(ctx, shard)
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	err = client.PauseShard(ctx, admin.ShardRef{Shard: "ghost"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestAuthentication(t *testing.T) {
	const adminSecret = "correct-horse-battery-staple-9a7f"
	const viewerSecret = "viewer-mountain-lantern-cobalt-31"

	adminHash, err := admin.HashToken(adminSecret, admin.WithCost(admin.MinCost))
	require.NoError(t, err)
	viewerHash, err := admin.HashToken(viewerSecret, admin.WithCost(admin.MinCost))
	require.NoError(t, err)

	f := newFixture(t, admin.WithInterceptors(admin.NewTokenInterceptor(
		admin.Token{Name: "ops", Hash: adminHash},
		admin.Token{Name: "dashboard", Hash: viewerHash, ReadOnly: true},
	)))
	ctx := t.Context()

	_, err = admin.NewClient(f.url).Progress(ctx)
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	_, err = admin.NewClient(f.url, admin.WithToken("not-the-token")).Progress(ctx)
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	viewer := admin.NewClient(f.url, admin.WithToken(viewerSecret))
	_, err = viewer.Progress(ctx)
	require.NoError(t, err)
	err = viewer.RebuildProjection(ctx, "balance")
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	ops := admin.NewClient(f.url, admin.WithToken(adminSecret))
	require.NoError(t, ops.RebuildProjection(ctx, "balance"))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	res, err := http.Get(f.url + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok\n", string(body))
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	_, err := admin.NewClient(f.url).Metrics(t.Context())
	assert.Equal(t, connect.CodeUnimplemented, connect.CodeOf(err))

	reader := sdkmetric.NewManualReader()
	tel, err := observability.Init(context.Background(), observability.Config{MetricReader: reader})
	require.NoError(t, err)
	t.Cleanup(func() { tel.Shutdown(context.Background()) })
	tel.Metrics.RecordDeadLetters(t.Context(), "main", "balance:All", 3)

	f = newFixture(t, admin.WithMetricsReader(reader))
	report, err := admin.NewClient(f.url).Metrics(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, report.Metrics)

	var found bool
	for _, m := range report.Metrics {
		if m.Name == "eventdaemon.shard.dead_letters" {
			found = true
			assert.EqualValues(t, 3, m.Value)
			assert.Equal(t, "balance:All", m.Attributes["eventdaemon.shard"])
		}
	}
	assert.True(t, found)
}
