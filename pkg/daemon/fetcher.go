package daemon

import (
	"context"
	"fmt"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// EventRange is one batch of a shard: the events with
// Floor < Sequence <= Ceiling.
type EventRange struct {
	ShardName  string
	Floor      int64
	Ceiling    int64
	EventTypes []string
	Events     []*domain.Event
}

// Size is the number of sequences the range covers.
func (r *EventRange) Size() int64 {
	return r.Ceiling - r.Floor
}

func (r *EventRange) String() string {
	return fmt.Sprintf("%s (%d, %d]", r.ShardName, r.Floor, r.Ceiling)
}

// Fetcher loads the events of a range, restricted to the range's event types.
type Fetcher struct {
	events store.EventStore
}

// NewFetcher creates a fetcher reading from events.
func NewFetcher(events store.EventStore) *Fetcher {
	return &Fetcher{events: events}
}

// Load fills r.Events ordered by sequence. On error or cancellation r is
// left untouched.
func (f *Fetcher) Load(ctx context.Context, r *EventRange) error {
	if r.Ceiling <= r.Floor {
		r.Events = nil
		return nil
	}

	events, err := f.events.FetchRange(ctx, store.RangeQuery{
		Floor:      r.Floor,
		Ceiling:    r.Ceiling,
		EventTypes: r.EventTypes,
	})
	if err != nil {
		return fmt.Errorf("loading %s: %w", r, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.Events = events
	return nil
}
