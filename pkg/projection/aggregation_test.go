package projection_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/projection"
)

func TestMultiStreamFanOut(t *testing.T) {
	es := newStore(t)
	p := userGroupsProjection()
	require.NoError(t, p.Validate())

	events := []*domain.Event{
		event(t, 1, "", UserRegistered{UserID: "anna", Name: "Anna"}),
		event(t, 2, "", UserRegistered{UserID: "john", Name: "John"}),
		event(t, 3, "", UserRegistered{UserID: "maggie", Name: "Maggie"}),
		event(t, 4, "", UserRegistered{UserID: "alan", Name: "Alan"}),
		event(t, 5, "", MultipleUsersAssignedToGroup{GroupID: "admin", UserIDs: []string{"anna", "maggie"}}),
		event(t, 6, "", MultipleUsersAssignedToGroup{GroupID: "regular", UserIDs: []string{"john", "alan"}}),
	}

	t.Run("one slice per identity in first-association order", func(t *testing.T) {
		group, err := p.Slice(context.Background(), es, events)
		require.NoError(t, err)
		require.Len(t, group.Slices, 4)

		var ids []string
		for _, s := range group.Slices {
			ids = append(ids, s.Identity)
			require.Len(t, s.Events, 2)
			assert.Less(t, s.Events[0].Sequence, s.Events[1].Sequence)
		}
		assert.Equal(t, []string{"anna", "john", "maggie", "alan"}, ids)
		assert.Empty(t, group.Unresolved)
	})

	t.Run("documents only reflect their own events", func(t *testing.T) {
		group := applyAndCommit(t, es, p, events, nil)
		for _, s := range group.Slices {
			assert.True(t, s.IsNew)
		}

		expected := map[string]string{"anna": "admin", "maggie": "admin", "john": "regular", "alan": "regular"}
		for id, groupID := range expected {
			doc := load[UserGroupsAssignment](t, es, domain.DefaultTenant, id)
			require.NotNil(t, doc, id)
			assert.Equal(t, id, doc.ID)
			assert.Equal(t, []string{groupID}, doc.Groups, id)
		}
	})
}

func TestRollUpByTenant(t *testing.T) {
	es := newStore(t)
	p := rollupProjection()

	var events []*domain.Event
	seq := int64(0)
	add := func(tenant string, payload any, n int) {
		for range n {
			seq++
			events = append(events, event(t, seq, tenant, payload))
		}
	}
	add("one", AEvent{}, 1)
	add("two", AEvent{}, 3)
	add("three", AEvent{}, 4)
	add("one", BEvent{}, 2)
	add("two", BEvent{}, 1)

	applyAndCommit(t, es, p, events, nil)

	for tenant, want := range map[string][2]int{"one": {1, 2}, "two": {3, 1}, "three": {4, 0}} {
		doc := load[RollUpDetails](t, es, domain.DefaultTenant, tenant)
		require.NotNil(t, doc, tenant)
		assert.Equal(t, tenant, doc.ID)
		assert.Equal(t, want[0], doc.ACount, tenant)
		assert.Equal(t, want[1], doc.BCount, tenant)
	}
}

type Counter struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

type Incremented struct {
	By int `json:"by"`
}

func (Incremented) EventType() string { return "counters.Incremented" }

type Reset struct{}

func (Reset) EventType() string { return "counters.Reset" }

func counterProjection() *projection.Aggregation[Counter] {
	p := projection.NewSingleStream[Counter]("counters").
		WithIdentitySetter(func(doc *Counter, id string) { doc.ID = id })
	projection.Apply(p, func(_ context.Context, doc *Counter, e Incremented, _ *domain.Event) error {
		doc.Count += e.By
		if e.By < 0 {
			return errors.New("negative increment")
		}
		return nil
	})
	projection.Delete[Counter, Reset](p)
	return p
}

func TestSingleStreamApply(t *testing.T) {
	es := newStore(t)
	p := counterProjection()

	stream := event(t, 0, "", Incremented{}).StreamID
	inStream := func(e *domain.Event) *domain.Event {
		e.StreamID = stream
		return e
	}

	t.Run("failed event is skipped and the document restored", func(t *testing.T) {
		var skipped []int64
		onFailure := func(e *domain.Event, err *projection.ApplyError) error {
			assert.ErrorIs(t, err, projection.ErrApply)
			skipped = append(skipped, e.Sequence)
			return nil
		}

		applyAndCommit(t, es, p, []*domain.Event{
			inStream(event(t, 1, "", Incremented{By: 2})),
			inStream(event(t, 2, "", Incremented{By: -5})),
			inStream(event(t, 3, "", Incremented{By: 3})),
		}, onFailure)

		assert.Equal(t, []int64{2}, skipped)
		doc := load[Counter](t, es, domain.DefaultTenant, stream.String())
		require.NotNil(t, doc)
		assert.Equal(t, 5, doc.Count)
		assert.Equal(t, stream.String(), doc.ID)
	})

	t.Run("failure without handler aborts", func(t *testing.T) {
		ctx := context.Background()
		group, err := p.Slice(ctx, es, []*domain.Event{inStream(event(t, 4, "", Incremented{By: -1}))})
		require.NoError(t, err)

		tx, err := es.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()

		err = p.Apply(ctx, tx, group, nil)
		var applyErr *projection.ApplyError
		require.ErrorAs(t, err, &applyErr)
		assert.Equal(t, int64(4), applyErr.Event.Sequence)
	})

	t.Run("delete removes the document", func(t *testing.T) {
		applyAndCommit(t, es, p, []*domain.Event{inStream(event(t, 5, "", Reset{}))}, nil)
		assert.Nil(t, load[Counter](t, es, domain.DefaultTenant, stream.String()))
	})
}

func TestShardName(t *testing.T) {
	assert.Equal(t, "user-groups:All", projection.ShardName(userGroupsProjection()))

	v2 := projection.NewSingleStream[Counter]("counters", projection.WithVersion(2))
	projection.Apply(v2, func(context.Context, *Counter, Incremented, *domain.Event) error { return nil })
	assert.Equal(t, "counters:V2:All", projection.ShardName(v2))
}

func TestRegistry(t *testing.T) {
	t.Run("duplicate names are rejected", func(t *testing.T) {
		_, err := projection.NewRegistry(userGroupsProjection(), userGroupsProjection())
		assert.ErrorContains(t, err, "duplicate projection name")
	})

	t.Run("projection without handlers is rejected", func(t *testing.T) {
		_, err := projection.NewRegistry(projection.NewMultiStream[Counter]("empty"))
		assert.ErrorContains(t, err, "no handlers")
	})

	t.Run("lifecycles are split", func(t *testing.T) {
		inline := projection.NewSingleStream[Counter]("inline-counters", projection.AsInline())
		projection.Apply(inline, func(context.Context, *Counter, Incremented, *domain.Event) error { return nil })

		r, err := projection.NewRegistry(userGroupsProjection(), inline)
		require.NoError(t, err)
		assert.Len(t, r.Async(), 1)
		assert.Len(t, r.Inline(), 1)

		p, ok := r.Get("inline-counters")
		require.True(t, ok)
		assert.Equal(t, projection.Inline, p.Lifecycle())
	})
}
