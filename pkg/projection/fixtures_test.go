package projection_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/projection"
	"github.com/plaenen/eventdaemon/pkg/store"
	"github.com/plaenen/eventdaemon/pkg/store/sqlite"
)

type UserRegistered struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (UserRegistered) EventType() string { return "users.UserRegistered" }

type MultipleUsersAssignedToGroup struct {
	GroupID string   `json:"group_id"`
	UserIDs []string `json:"user_ids"`
}

func (MultipleUsersAssignedToGroup) EventType() string { return "users.MultipleUsersAssignedToGroup" }

type UserGroupsAssignment struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

func userGroupsProjection() *projection.Aggregation[UserGroupsAssignment] {
	p := projection.NewMultiStream[UserGroupsAssignment]("user-groups").
		Identity(projection.IdentityOf(func(e UserRegistered) string { return e.UserID })).
		Identities(projection.IdentitiesOf(func(e MultipleUsersAssignedToGroup) []string { return e.UserIDs })).
		WithIdentitySetter(func(doc *UserGroupsAssignment, id string) { doc.ID = id })

	projection.Create(p, func(_ context.Context, e UserRegistered, _ *domain.Event) (*UserGroupsAssignment, error) {
		return &UserGroupsAssignment{Name: e.Name}, nil
	})
	projection.Apply(p, func(_ context.Context, doc *UserGroupsAssignment, e MultipleUsersAssignedToGroup, _ *domain.Event) error {
		doc.Groups = append(doc.Groups, e.GroupID)
		return nil
	})
	return p
}

type AEvent struct{}

func (AEvent) EventType() string { return "tenancy.AEvent" }

type BEvent struct{}

func (BEvent) EventType() string { return "tenancy.BEvent" }

type RollUpDetails struct {
	ID     string `json:"id"`
	ACount int    `json:"a_count"`
	BCount int    `json:"b_count"`
}

func rollupProjection() *projection.Aggregation[RollUpDetails] {
	p := projection.NewMultiStream[RollUpDetails]("tenant-rollup").
		RollUpByTenant().
		WithIdentitySetter(func(doc *RollUpDetails, id string) { doc.ID = id })

	projection.Apply(p, func(_ context.Context, doc *RollUpDetails, _ AEvent, _ *domain.Event) error {
		doc.ACount++
		return nil
	})
	projection.Apply(p, func(_ context.Context, doc *RollUpDetails, _ BEvent, _ *domain.Event) error {
		doc.BCount++
		return nil
	})
	return p
}

// event builds an in-memory event for slicing tests.
func event(t *testing.T, seq int64, tenant string, payload any) *domain.Event {
	t.Helper()
	eventType, data, contentType, err := domain.Encode(payload)
	require.NoError(t, err)
	return &domain.Event{
		ID:          uuid.NewString(),
		Sequence:    seq,
		StreamID:    uuid.New(),
		Version:     1,
		EventType:   eventType,
		Data:        data,
		ContentType: contentType,
		TenantID:    tenant,
	}
}

func newStore(t *testing.T) *sqlite.EventStore {
	t.Helper()
	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return es
}

// applyAndCommit slices and applies events in one transaction.
func applyAndCommit(t *testing.T, es *sqlite.EventStore, p projection.Projection, events []*domain.Event, onFailure projection.FailureHandler) *projection.SliceGroup {
	t.Helper()
	ctx := context.Background()

	group, err := p.Slice(ctx, es, events)
	require.NoError(t, err)

	tx, err := es.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, p.Apply(ctx, tx, group, onFailure))
	require.NoError(t, tx.Commit())
	return group
}

func load[D any](t *testing.T, r store.DocumentReader, tenant, id string) *D {
	t.Helper()
	doc, err := store.Load[D](context.Background(), r, tenant, id)
	require.NoError(t, err)
	return doc
}
