package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// Shard progress lives in the event_progression table, one row per shard.
// The high-water mark is stored as a row as well.

func loadShardState(ctx context.Context, q querier, shardName string) (store.ShardState, error) {
	state := store.ShardState{ShardName: shardName}
	var updated int64
	err := q.QueryRowContext(ctx,
		`SELECT last_seq_id, last_updated FROM event_progression WHERE name = ?`, shardName,
	).Scan(&state.Sequence, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("loading shard state %s: %w", shardName, err)
	}
	state.LastUpdated = time.Unix(0, updated).UTC()
	return state, nil
}

func saveShardState(ctx context.Context, q querier, state store.ShardState) error {
	updated := state.LastUpdated
	if updated.IsZero() {
		updated = domain.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO event_progression (name, last_seq_id, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_seq_id = excluded.last_seq_id,
			last_updated = excluded.last_updated
	`, state.ShardName, state.Sequence, updated.UnixNano())
	if err != nil {
		return fmt.Errorf("saving shard state %s: %w", state.ShardName, err)
	}
	return nil
}

func deleteShardState(ctx context.Context, q querier, shardName string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM event_progression WHERE name = ?`, shardName); err != nil {
		return fmt.Errorf("deleting shard state %s: %w", shardName, err)
	}
	return nil
}

// LoadShardState loads a shard's progress. Unknown shards are at sequence 0.
func (s *EventStore) LoadShardState(ctx context.Context, shardName string) (store.ShardState, error) {
	return loadShardState(ctx, s.db, shardName)
}

// SaveShardState upserts a shard's progress outside of a batch transaction.
func (s *EventStore) SaveShardState(ctx context.Context, state store.ShardState) error {
	return saveShardState(ctx, s.db, state)
}

// AllShardStates returns the progress of every shard, ordered by name.
func (s *EventStore) AllShardStates(ctx context.Context) ([]store.ShardState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, last_seq_id, last_updated FROM event_progression ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing shard states: %w", err)
	}
	defer rows.Close()

	var states []store.ShardState
	for rows.Next() {
		var (
			state   store.ShardState
			updated int64
		)
		if err := rows.Scan(&state.ShardName, &state.Sequence, &updated); err != nil {
			return nil, err
		}
		state.LastUpdated = time.Unix(0, updated).UTC()
		states = append(states, state)
	}
	return states, rows.Err()
}
