package daemon_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventdaemon/pkg/daemon"
	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/projection"
	"github.com/plaenen/eventdaemon/pkg/store"
	"github.com/plaenen/eventdaemon/pkg/store/sqlite"
)

type QuestStarted struct {
	Name string `json:"name"`
}

func (QuestStarted) EventType() string { return "quests.QuestStarted" }

type MembersJoined struct {
	Day     int      `json:"day"`
	Members []string `json:"members"`
}

func (MembersJoined) EventType() string { return "quests.MembersJoined" }

type MembersDeparted struct {
	Day     int      `json:"day"`
	Members []string `json:"members"`
}

func (MembersDeparted) EventType() string { return "quests.MembersDeparted" }

type MonsterSlain struct {
	Name string `json:"name"`
}

func (MonsterSlain) EventType() string { return "quests.MonsterSlain" }

type Traveled struct {
	Miles int `json:"miles"`
}

func (Traveled) EventType() string { return "quests.Traveled" }

type QuestParty struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Members  []string `json:"members"`
	Monsters []string `json:"monsters"`
	Miles    int      `json:"miles"`
}

var errDragon = errors.New("dragons cannot be slain")

func questPartyProjection(opts ...projection.Option) *projection.Aggregation[QuestParty] {
	p := projection.NewSingleStream[QuestParty]("quest-party", opts...).
		WithIdentitySetter(func(doc *QuestParty, id string) { doc.ID = id })

	projection.Create(p, func(_ context.Context, e QuestStarted, _ *domain.Event) (*QuestParty, error) {
		return &QuestParty{Name: e.Name}, nil
	})
	projection.Apply(p, func(_ context.Context, doc *QuestParty, e MembersJoined, _ *domain.Event) error {
		doc.Members = append(doc.Members, e.Members...)
		return nil
	})
	projection.Apply(p, func(_ context.Context, doc *QuestParty, e MembersDeparted, _ *domain.Event) error {
		for _, m := range e.Members {
			for i, existing := range doc.Members {
				if existing == m {
					doc.Members = append(doc.Members[:i], doc.Members[i+1:]...)
					break
				}
			}
		}
		return nil
	})
	projection.Apply(p, func(_ context.Context, doc *QuestParty, e MonsterSlain, _ *domain.Event) error {
		if e.Name == "dragon" {
			return errDragon
		}
		doc.Monsters = append(doc.Monsters, e.Name)
		return nil
	})
	projection.Apply(p, func(_ context.Context, doc *QuestParty, e Traveled, _ *domain.Event) error {
		doc.Miles += e.Miles
		return nil
	})
	return p
}

func newStore(t *testing.T, opts ...sqlite.EventStoreOption) *sqlite.EventStore {
	t.Helper()
	es, err := sqlite.NewEventStore(append([]sqlite.EventStoreOption{sqlite.WithMemoryDatabase()}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return es
}

func newDaemon(t *testing.T, es *sqlite.EventStore, registry *projection.Registry, opts ...daemon.Option) *daemon.Daemon {
	t.Helper()
	opts = append([]daemon.Option{
		daemon.WithPollInterval(10 * time.Millisecond),
		daemon.WithRetryBackoff(time.Millisecond),
	}, opts...)
	d := daemon.New(es, registry, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.StopAll(ctx)
	})
	return d
}

// randomEvent returns one of the five quest event types.
func randomEvent(r *rand.Rand) any {
	switch r.IntN(4) {
	case 0:
		return MembersJoined{Day: r.IntN(10), Members: []string{fmt.Sprintf("member-%d", r.IntN(100))}}
	case 1:
		return MembersDeparted{Day: r.IntN(10), Members: []string{"nobody"}}
	case 2:
		return MonsterSlain{Name: fmt.Sprintf("goblin-%d", r.IntN(100))}
	default:
		return Traveled{Miles: r.IntN(50) + 1}
	}
}

// appendQuests starts streams quests and appends events until total events
// exist across them. Every stream starts with QuestStarted.
func appendQuests(t *testing.T, es *sqlite.EventStore, streams, total int) []domain.StreamRef {
	t.Helper()
	require.GreaterOrEqual(t, total, streams)
	ctx := context.Background()
	r := rand.New(rand.NewPCG(7, 11))

	refs := make([]domain.StreamRef, streams)
	session := es.LightweightSession()
	for i := range refs {
		ref, err := session.StartNewStream(QuestStarted{Name: fmt.Sprintf("quest-%d", i)})
		require.NoError(t, err)
		refs[i] = ref
	}
	for range total - streams {
		require.NoError(t, session.Append(refs[r.IntN(streams)], randomEvent(r)))
	}
	_, err := session.SaveChanges(ctx)
	require.NoError(t, err)
	return refs
}

func appendTo(t *testing.T, es *sqlite.EventStore, stream domain.StreamRef, payloads ...any) {
	t.Helper()
	session := es.LightweightSession()
	require.NoError(t, session.Append(stream, payloads...))
	_, err := session.SaveChanges(context.Background())
	require.NoError(t, err)
}

func deleteSequences(t *testing.T, es *sqlite.EventStore, seqs ...int64) {
	t.Helper()
	for _, seq := range seqs {
		_, err := es.DB().Exec(`DELETE FROM events WHERE seq_id = ?`, seq)
		require.NoError(t, err)
	}
}

func parties(t *testing.T, r store.DocumentReader) map[string]QuestParty {
	t.Helper()
	docs, err := store.Query[QuestParty](context.Background(), r, domain.DefaultTenant, "", nil)
	require.NoError(t, err)
	out := make(map[string]QuestParty, len(docs))
	for _, doc := range docs {
		out[doc.ID] = *doc
	}
	return out
}
