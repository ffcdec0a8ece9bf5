package store

import (
	"context"
	"time"
)

// ShardState is the persisted progress of a shard (its checkpoint).
// The high-water mark is stored as a shard state as well.
type ShardState struct {
	ShardName   string
	Sequence    int64
	LastUpdated time.Time
}

// ShardStateStore persists shard progress.
type ShardStateStore interface {
	// LoadShardState loads the state of a shard. A shard that never committed
	// returns a state with Sequence 0 and no error.
	LoadShardState(ctx context.Context, shardName string) (ShardState, error)

	// AllShardStates returns every persisted shard state ordered by name.
	AllShardStates(ctx context.Context) ([]ShardState, error)

	// SaveShardState upserts a shard state outside of a transaction.
	SaveShardState(ctx context.Context, state ShardState) error
}
