package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventdaemon/pkg/store"
)

// SaveProjectionStatus upserts the operational status of a shard.
func (s *EventStore) SaveProjectionStatus(ctx context.Context, state store.ProjectionState) error {
	var progressJSON *string
	if state.Progress != nil {
		data, err := json.Marshal(state.Progress)
		if err != nil {
			return fmt.Errorf("failed to marshal progress: %w", err)
		}
		str := string(data)
		progressJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_status (shard_name, status, message, updated_at, progress_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(shard_name) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at,
			progress_json = excluded.progress_json
	`, state.ShardName, string(state.Status), state.Message, state.UpdatedAt.UnixNano(), progressJSON)
	if err != nil {
		return fmt.Errorf("failed to save projection status: %w", err)
	}
	return nil
}

// LoadProjectionStatus loads the status of a shard.
func (s *EventStore) LoadProjectionStatus(ctx context.Context, shardName string) (store.ProjectionState, error) {
	var (
		state        store.ProjectionState
		status       string
		message      sql.NullString
		updatedAt    int64
		progressJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT shard_name, status, message, updated_at, progress_json
		FROM projection_status WHERE shard_name = ?
	`, shardName).Scan(&state.ShardName, &status, &message, &updatedAt, &progressJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return state, fmt.Errorf("projection status %s: %w", shardName, store.ErrNotFound)
	}
	if err != nil {
		return state, fmt.Errorf("failed to load projection status: %w", err)
	}

	state.Status = store.ProjectionStatus(status)
	state.Message = message.String
	state.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if progressJSON.Valid {
		var progress store.RebuildProgress
		if err := json.Unmarshal([]byte(progressJSON.String), &progress); err != nil {
			return state, fmt.Errorf("failed to unmarshal progress: %w", err)
		}
		state.Progress = &progress
	}
	return state, nil
}
