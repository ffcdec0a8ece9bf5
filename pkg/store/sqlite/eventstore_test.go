package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/projection"
	storelib "github.com/plaenen/eventdaemon/pkg/store"
	"github.com/plaenen/eventdaemon/pkg/store/sqlite"
)

type TripStarted struct {
	Day int `json:"day"`
}

func (TripStarted) EventType() string { return "trips.TripStarted" }

type Departed struct {
	Place string `json:"place"`
}

func (Departed) EventType() string { return "trips.Departed" }

type Arrived struct {
	Place string `json:"place"`
}

func (Arrived) EventType() string { return "trips.Arrived" }

func newMemoryStore(t *testing.T, opts ...sqlite.EventStoreOption) *sqlite.EventStore {
	t.Helper()
	es, err := sqlite.NewEventStore(append([]sqlite.EventStoreOption{sqlite.WithMemoryDatabase()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return es
}

func TestEventStoreAppend(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)

	t.Run("start stream assigns versions and sequences", func(t *testing.T) {
		session := es.LightweightSession()
		stream, err := session.StartNewStream(TripStarted{Day: 1}, Departed{Place: "Gent"}, Arrived{Place: "Leuven"})
		require.NoError(t, err)

		events, err := session.SaveChanges(ctx)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Version)
			assert.Equal(t, int64(i+1), e.Sequence)
			assert.Equal(t, stream.ID, e.StreamID)
			assert.Equal(t, domain.DefaultTenant, e.TenantID)
		}

		loaded, err := es.FetchStream(ctx, "", stream)
		require.NoError(t, err)
		require.Len(t, loaded, 3)
		arrived, err := domain.Decode[Arrived](loaded[2])
		require.NoError(t, err)
		assert.Equal(t, "Leuven", arrived.Place)
	})

	t.Run("starting an existing stream fails", func(t *testing.T) {
		session := es.LightweightSession()
		stream, err := session.StartNewStream(TripStarted{Day: 2})
		require.NoError(t, err)
		_, err = session.SaveChanges(ctx)
		require.NoError(t, err)

		require.NoError(t, session.StartStream(stream, TripStarted{Day: 3}))
		_, err = session.SaveChanges(ctx)
		assert.ErrorIs(t, err, domain.ErrStreamExists)
	})

	t.Run("expected version mismatch is a concurrency conflict", func(t *testing.T) {
		session := es.LightweightSession()
		stream, err := session.StartNewStream(TripStarted{Day: 4})
		require.NoError(t, err)
		_, err = session.SaveChanges(ctx)
		require.NoError(t, err)

		require.NoError(t, session.AppendExpected(stream, 1, Departed{Place: "Brugge"}))
		_, err = session.SaveChanges(ctx)
		require.NoError(t, err)

		require.NoError(t, session.AppendExpected(stream, 1, Departed{Place: "Antwerpen"}))
		_, err = session.SaveChanges(ctx)
		var conflict *domain.ConcurrencyError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(2), conflict.Actual)
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	})

	t.Run("stream identity mode is enforced", func(t *testing.T) {
		err := es.LightweightSession().Append(domain.StreamByKey("trip-1"), Departed{})
		assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	})

	t.Run("statistics", func(t *testing.T) {
		stats, err := es.FetchStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.StreamCount)
		assert.Equal(t, int64(6), stats.EventCount)
		assert.Equal(t, int64(6), stats.HighestSequence)
	})
}

func TestEventStoreStringStreams(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t, sqlite.WithStreamIdentity(domain.AsString))

	session := es.LightweightSession(sqlite.ForTenant("acme"), sqlite.WithSessionMetadata(map[string]string{"user": "anna"}))
	require.NoError(t, session.StartStream(domain.StreamByKey("trip-1"), TripStarted{Day: 1}))
	require.NoError(t, session.Append(domain.StreamByKey("trip-2"), TripStarted{Day: 2}))
	_, err := session.SaveChanges(ctx)
	require.NoError(t, err)

	events, err := es.FetchStream(ctx, "acme", domain.StreamByKey("trip-1"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "trip-1", events[0].StreamKey)
	assert.Equal(t, "acme", events[0].TenantID)
	assert.Equal(t, "anna", events[0].Metadata["user"])

	other, err := es.FetchStream(ctx, "", domain.StreamByKey("trip-1"))
	require.NoError(t, err)
	assert.Empty(t, other, "streams are scoped by tenant")
}

func TestEventStoreFetchRange(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)

	session := es.LightweightSession()
	for i := range 5 {
		_, err := session.StartNewStream(TripStarted{Day: i}, Departed{Place: "A"}, Arrived{Place: "B"})
		require.NoError(t, err)
	}
	_, err := session.SaveChanges(ctx)
	require.NoError(t, err)

	t.Run("floor is exclusive and ceiling inclusive", func(t *testing.T) {
		events, err := es.FetchRange(ctx, storelib.RangeQuery{Floor: 3, Ceiling: 7})
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, int64(4), events[0].Sequence)
		assert.Equal(t, int64(7), events[3].Sequence)
	})

	t.Run("type filter", func(t *testing.T) {
		events, err := es.FetchRange(ctx, storelib.RangeQuery{Floor: 0, Ceiling: 15, EventTypes: []string{"trips.Arrived"}})
		require.NoError(t, err)
		assert.Len(t, events, 5)
		for _, e := range events {
			assert.Equal(t, "trips.Arrived", e.EventType)
		}
	})

	t.Run("empty range", func(t *testing.T) {
		events, err := es.FetchRange(ctx, storelib.RangeQuery{Floor: 15, Ceiling: 15})
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestHighWaterQueries(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	defer func() { domain.TimeFunc = time.Now }()

	for i := range 4 {
		domain.TimeFunc = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		session := es.LightweightSession()
		_, err := session.StartNewStream(TripStarted{Day: i})
		require.NoError(t, err)
		_, err = session.SaveChanges(ctx)
		require.NoError(t, err)
	}

	_, err := es.DB().ExecContext(ctx, `DELETE FROM events WHERE seq_id = 2`)
	require.NoError(t, err)

	highest, err := es.HighestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), highest)

	seqs, err := es.SequencesAfter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 4}, seqs)

	before, err := es.HighestSequenceBefore(ctx, base.Add(150*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), before)
}

func TestDocumentsAndShardState(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)

	t.Run("transaction commit", func(t *testing.T) {
		tx, err := es.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.StoreDocument(ctx, "Trip", "", "t1", []byte(`{"day":1,"active":true}`)))
		require.NoError(t, tx.PatchDocument(ctx, "Trip", "", "t1", "day", 2))
		require.NoError(t, tx.SaveShardState(ctx, storelib.ShardState{ShardName: "trips:All", Sequence: 10}))
		require.NoError(t, tx.RecordDeadLetter(ctx, storelib.DeadLetter{ShardName: "trips:All", Sequence: 4, EventType: "x", Message: "boom"}))
		require.NoError(t, tx.Commit())
		assert.ErrorIs(t, tx.Commit(), storelib.ErrTransactionDone)

		data, err := es.LoadDocument(ctx, "Trip", "", "t1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"day":2,"active":true}`, string(data))

		found, err := es.QueryDocuments(ctx, storelib.DocumentQuery{Type: "Trip", Field: "active", Value: true})
		require.NoError(t, err)
		assert.Len(t, found, 1)

		state, err := es.LoadShardState(ctx, "trips:All")
		require.NoError(t, err)
		assert.Equal(t, int64(10), state.Sequence)

		letters, err := es.DeadLetters(ctx, "trips:All", 0)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, "boom", letters[0].Message)
		assert.NotEmpty(t, letters[0].ID)
		require.NoError(t, es.DeleteDeadLetter(ctx, letters[0].ID))
	})

	t.Run("transaction rollback", func(t *testing.T) {
		tx, err := es.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.DeleteDocumentType(ctx, "Trip"))
		require.NoError(t, tx.DeleteShardState(ctx, "trips:All"))
		require.NoError(t, tx.Rollback())

		_, err = es.LoadDocument(ctx, "Trip", "", "t1")
		assert.NoError(t, err)
		state, err := es.LoadShardState(ctx, "trips:All")
		require.NoError(t, err)
		assert.Equal(t, int64(10), state.Sequence)
	})

	t.Run("unknown shard starts at zero", func(t *testing.T) {
		state, err := es.LoadShardState(ctx, "nope:All")
		require.NoError(t, err)
		assert.Equal(t, int64(0), state.Sequence)
	})

	t.Run("patch of missing document", func(t *testing.T) {
		tx, err := es.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		err = tx.PatchDocument(ctx, "Trip", "", "missing", "day", 1)
		assert.ErrorIs(t, err, storelib.ErrNotFound)
	})

	t.Run("projection status", func(t *testing.T) {
		_, err := es.LoadProjectionStatus(ctx, "trips:All")
		assert.ErrorIs(t, err, storelib.ErrNotFound)

		require.NoError(t, es.SaveProjectionStatus(ctx, storelib.ProjectionState{
			ShardName: "trips:All",
			Status:    storelib.ProjectionStatusRebuilding,
			UpdatedAt: time.Now(),
			Progress:  &storelib.RebuildProgress{TargetSequence: 42},
		}))
		state, err := es.LoadProjectionStatus(ctx, "trips:All")
		require.NoError(t, err)
		assert.Equal(t, storelib.ProjectionStatusRebuilding, state.Status)
		require.NotNil(t, state.Progress)
		assert.Equal(t, int64(42), state.Progress.TargetSequence)
	})
}

type TripSummary struct {
	ID         string `json:"id"`
	Departures int    `json:"departures"`
}

func TestInlineProjection(t *testing.T) {
	ctx := context.Background()

	trips := projection.NewSingleStream[TripSummary]("trip-summary", projection.AsInline()).
		WithIdentitySetter(func(doc *TripSummary, id string) { doc.ID = id })
	projection.Apply(trips, func(_ context.Context, doc *TripSummary, e Departed, _ *domain.Event) error {
		if e.Place == "" {
			return assert.AnError
		}
		doc.Departures++
		return nil
	})
	registry := projection.MustRegistry(trips)

	es := newMemoryStore(t, sqlite.WithInlineProjections(registry))

	session := es.LightweightSession()
	stream := domain.StreamByID(uuid.New())
	require.NoError(t, session.StartStream(stream, TripStarted{}, Departed{Place: "Gent"}, Departed{Place: "Brussel"}))
	_, err := session.SaveChanges(ctx)
	require.NoError(t, err)

	summary, err := storelib.Load[TripSummary](ctx, es, "", stream.String())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.Departures)

	t.Run("failing inline projection aborts the append", func(t *testing.T) {
		require.NoError(t, session.Append(stream, Departed{}))
		_, err := session.SaveChanges(ctx)
		assert.ErrorIs(t, err, projection.ErrApply)

		events, err := es.FetchStream(ctx, "", stream)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})
}

func TestAppendNotifications(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)

	ch, unsubscribe := es.SubscribeAppends()
	defer unsubscribe()

	session := es.LightweightSession()
	_, err := session.StartNewStream(TripStarted{}, Departed{Place: "x"})
	require.NoError(t, err)
	_, err = session.SaveChanges(ctx)
	require.NoError(t, err)

	select {
	case seq := <-ch:
		assert.Equal(t, int64(2), seq)
	case <-time.After(time.Second):
		t.Fatal("no append notification")
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	es, err := sqlite.NewEventStore(
		sqlite.WithDSN(filepath.Join(t.TempDir(), "events.db")),
		sqlite.WithIdentifier("files"),
	)
	require.NoError(t, err)
	defer es.Close()

	assert.Equal(t, "files", es.Identifier())
	version, err := es.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	session := es.LightweightSession()
	_, err = session.StartNewStream(TripStarted{})
	require.NoError(t, err)
	_, err = session.SaveChanges(ctx)
	require.NoError(t, err)
}
