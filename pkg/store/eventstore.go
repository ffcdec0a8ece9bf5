package store

import (
	"context"
	"time"

	"github.com/plaenen/eventdaemon/pkg/domain"
)

// RangeQuery selects events by global sequence.
// Events with Floor < Sequence <= Ceiling are returned.
type RangeQuery struct {
	Floor   int64
	Ceiling int64

	// EventTypes restricts the result to the given types. Empty means all types.
	EventTypes []string
}

// Statistics summarizes the contents of an event store.
type Statistics struct {
	EventCount      int64
	StreamCount     int64
	HighestSequence int64
}

// EventStore is the read side of the event store used by the daemon.
type EventStore interface {
	// FetchStatistics returns event and stream counts plus the highest assigned sequence.
	FetchStatistics(ctx context.Context) (Statistics, error)

	// FetchRange returns events in the range ordered by ascending sequence.
	FetchRange(ctx context.Context, query RangeQuery) ([]*domain.Event, error)

	// FetchStream returns every event of a stream ordered by version.
	FetchStream(ctx context.Context, tenantID string, stream domain.StreamRef) ([]*domain.Event, error)
}

// HighWaterSource exposes the sequence information needed to find the
// contiguous prefix of committed events.
type HighWaterSource interface {
	// HighestSequence returns the highest sequence ever assigned, 0 if none.
	HighestSequence(ctx context.Context) (int64, error)

	// SequencesAfter returns up to limit committed sequences greater than after, ascending.
	SequencesAfter(ctx context.Context, after int64, limit int) ([]int64, error)

	// HighestSequenceBefore returns the highest sequence whose event was
	// committed at or before ts, 0 if none.
	HighestSequenceBefore(ctx context.Context, ts time.Time) (int64, error)
}

// AppendNotifier is implemented by stores that can signal new commits.
type AppendNotifier interface {
	// SubscribeAppends returns a channel that receives the highest sequence
	// after each successful append. The returned func unsubscribes.
	SubscribeAppends() (<-chan int64, func())
}
