package projection

import (
	"context"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// Grouper resolves identities that are not carried by the events themselves,
// usually by looking up documents written by another projection.
//
// Group must be a pure function of the events and the documents visible
// through reader: the shard agent may call it again for the same batch when a
// commit is retried.
type Grouper interface {
	Group(ctx context.Context, reader store.DocumentReader, events []*domain.Event, grouping *Grouping) error
}

// GrouperFunc adapts a function to Grouper.
type GrouperFunc func(ctx context.Context, reader store.DocumentReader, events []*domain.Event, grouping *Grouping) error

// Group calls f.
func (f GrouperFunc) Group(ctx context.Context, reader store.DocumentReader, events []*domain.Event, grouping *Grouping) error {
	return f(ctx, reader, events, grouping)
}

// Grouping is handed to a Grouper to record the identities it resolved.
type Grouping struct {
	group    *SliceGroup
	cfg      config
	resolved map[int64]struct{}
}

func newGrouping(group *SliceGroup, cfg config) *Grouping {
	return &Grouping{group: group, cfg: cfg, resolved: make(map[int64]struct{})}
}

// AddEvent assigns an event to the document with the given identity.
func (g *Grouping) AddEvent(identity string, e *domain.Event) {
	g.group.AddEvent(g.cfg.tenantOf(e), identity, e)
	g.resolved[e.Sequence] = struct{}{}
}

// AddEvents assigns several events to one document.
func (g *Grouping) AddEvents(identity string, events ...*domain.Event) {
	for _, e := range events {
		g.AddEvent(identity, e)
	}
}

// AddTransformed assigns a derived event, built from source with a new
// payload, to the document with the given identity. The projection sees the
// derived event type and payload in place of the source.
func (g *Grouping) AddTransformed(identity string, source *domain.Event, payload any) error {
	derived, err := domain.Transform(source, payload)
	if err != nil {
		return err
	}
	g.group.AddEvent(g.cfg.tenantOf(source), identity, derived)
	g.resolved[source.Sequence] = struct{}{}
	return nil
}

// Skip marks an event as deliberately ignored so it is not reported as
// unresolved.
func (g *Grouping) Skip(e *domain.Event) {
	g.resolved[e.Sequence] = struct{}{}
}

// unresolved returns the events of the batch that were never assigned.
func (g *Grouping) unresolved(events []*domain.Event) []*domain.Event {
	var out []*domain.Event
	for _, e := range events {
		if _, ok := g.resolved[e.Sequence]; !ok {
			out = append(out, e)
		}
	}
	return out
}
