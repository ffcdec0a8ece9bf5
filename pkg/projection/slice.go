package projection

import (
	"sort"

	"github.com/plaenen/eventdaemon/pkg/domain"
)

// EventSlice is the part of a batch that belongs to one document.
type EventSlice struct {
	TenantID string
	Identity string
	Events   []*domain.Event

	// IsNew is set during Apply when the document did not exist yet.
	IsNew bool
}

type sliceKey struct {
	tenant   string
	identity string
}

// SliceGroup holds the slices of one batch in the order each identity was
// first associated with an event.
type SliceGroup struct {
	Slices []*EventSlice

	// Unresolved holds events no strategy could assign to a document.
	// They are not applied.
	Unresolved []*domain.Event

	index map[sliceKey]*EventSlice
}

// NewSliceGroup returns an empty group.
func NewSliceGroup() *SliceGroup {
	return &SliceGroup{index: make(map[sliceKey]*EventSlice)}
}

// AddEvent appends an event to the slice of (tenantID, identity), creating
// the slice on first use.
func (g *SliceGroup) AddEvent(tenantID, identity string, e *domain.Event) {
	key := sliceKey{tenant: tenantID, identity: identity}
	slice, ok := g.index[key]
	if !ok {
		slice = &EventSlice{TenantID: tenantID, Identity: identity}
		g.index[key] = slice
		g.Slices = append(g.Slices, slice)
	}
	slice.Events = append(slice.Events, e)
}

// AddEvents appends several events to one slice.
func (g *SliceGroup) AddEvents(tenantID, identity string, events ...*domain.Event) {
	for _, e := range events {
		g.AddEvent(tenantID, identity, e)
	}
}

// Slice returns the slice for (tenantID, identity), or nil.
func (g *SliceGroup) Slice(tenantID, identity string) *EventSlice {
	return g.index[sliceKey{tenant: tenantID, identity: identity}]
}

// EventCount is the number of event applications across all slices.
// A fanned-out event counts once per slice.
func (g *SliceGroup) EventCount() int {
	n := 0
	for _, s := range g.Slices {
		n += len(s.Events)
	}
	return n
}

// normalize orders each slice by sequence and removes duplicate additions
// of the same event to a slice.
func (g *SliceGroup) normalize() {
	type eventKey struct {
		seq       int64
		eventType string
	}
	for _, s := range g.Slices {
		sort.SliceStable(s.Events, func(i, j int) bool {
			return s.Events[i].Sequence < s.Events[j].Sequence
		})
		seen := make(map[eventKey]struct{}, len(s.Events))
		kept := s.Events[:0]
		for _, e := range s.Events {
			k := eventKey{e.Sequence, e.EventType}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			kept = append(kept, e)
		}
		s.Events = kept
	}
	sort.SliceStable(g.Unresolved, func(i, j int) bool {
		return g.Unresolved[i].Sequence < g.Unresolved[j].Sequence
	})
}
