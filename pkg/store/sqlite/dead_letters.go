package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/idgen"
	"github.com/plaenen/eventdaemon/pkg/store"
)

func recordDeadLetter(ctx context.Context, q querier, letter store.DeadLetter) error {
	if letter.ID == "" {
		letter.ID = idgen.MustGenerateSortableID()
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = domain.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO dead_letters (id, shard_name, seq_id, event_id, event_type, stream_id, tenant_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, letter.ID, letter.ShardName, letter.Sequence, letter.EventID, letter.EventType,
		letter.StreamID, tenantOrDefault(letter.TenantID), letter.Message, letter.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording dead letter for %s#%d: %w", letter.ShardName, letter.Sequence, err)
	}
	return nil
}

// DeadLetters lists skipped events by ascending sequence.
func (s *EventStore) DeadLetters(ctx context.Context, shardName string, limit int) ([]store.DeadLetter, error) {
	query := `SELECT id, shard_name, seq_id, event_id, event_type, stream_id, tenant_id, message, created_at
		FROM dead_letters WHERE (? = '' OR shard_name = ?) ORDER BY seq_id, id`
	args := []any{shardName, shardName}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var letters []store.DeadLetter
	for rows.Next() {
		var (
			l       store.DeadLetter
			created int64
		)
		err := rows.Scan(&l.ID, &l.ShardName, &l.Sequence, &l.EventID, &l.EventType,
			&l.StreamID, &l.TenantID, &l.Message, &created)
		if err != nil {
			return nil, err
		}
		l.CreatedAt = time.Unix(0, created).UTC()
		letters = append(letters, l)
	}
	return letters, rows.Err()
}

// DeleteDeadLetter removes a dead letter, typically after it was archived or replayed.
func (s *EventStore) DeleteDeadLetter(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting dead letter %s: %w", id, err)
	}
	return nil
}
