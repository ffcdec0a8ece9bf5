package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectEvents = `
	SELECT seq_id, id, stream_id, tenant_id, version, type, data, content_type, metadata, timestamp
	FROM events`

// FetchStatistics returns event and stream counts plus the highest assigned sequence.
func (s *EventStore) FetchStatistics(ctx context.Context) (store.Statistics, error) {
	var stats store.Statistics
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM streams),
			COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'events'), 0)
	`).Scan(&stats.EventCount, &stats.StreamCount, &stats.HighestSequence)
	if err != nil {
		return store.Statistics{}, fmt.Errorf("fetching statistics: %w", err)
	}
	return stats, nil
}

// FetchRange returns events with query.Floor < seq <= query.Ceiling, ascending.
func (s *EventStore) FetchRange(ctx context.Context, query store.RangeQuery) ([]*domain.Event, error) {
	if query.Ceiling <= query.Floor {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(selectEvents)
	sb.WriteString(" WHERE seq_id > ? AND seq_id <= ?")
	args := []any{query.Floor, query.Ceiling}

	if len(query.EventTypes) > 0 {
		sb.WriteString(" AND type IN (")
		for i, eventType := range query.EventTypes {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, eventType)
		}
		sb.WriteString(")")
	}
	sb.WriteString(" ORDER BY seq_id")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetching range (%d, %d]: %w", query.Floor, query.Ceiling, err)
	}
	return s.scanEvents(rows)
}

// FetchStream returns every event of a stream ordered by version.
func (s *EventStore) FetchStream(ctx context.Context, tenantID string, stream domain.StreamRef) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+` WHERE stream_id = ? AND tenant_id = ? ORDER BY version`,
		stream.String(), tenantOrDefault(tenantID))
	if err != nil {
		return nil, fmt.Errorf("fetching stream %s: %w", stream, err)
	}
	return s.scanEvents(rows)
}

// HighestSequence returns the highest sequence ever assigned. Sequences of
// deleted events still count.
func (s *EventStore) HighestSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'events'), 0)`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading highest sequence: %w", err)
	}
	return seq, nil
}

// SequencesAfter returns up to limit committed sequences greater than after.
func (s *EventStore) SequencesAfter(ctx context.Context, after int64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq_id FROM events WHERE seq_id > ? ORDER BY seq_id LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("reading sequences after %d: %w", after, err)
	}
	defer rows.Close()

	seqs := make([]int64, 0, limit)
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// HighestSequenceBefore returns the highest sequence committed at or before ts.
func (s *EventStore) HighestSequenceBefore(ctx context.Context, ts time.Time) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq_id), 0) FROM events WHERE timestamp <= ?`, ts.UnixNano(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading highest sequence before %s: %w", ts, err)
	}
	return seq, nil
}

func (s *EventStore) scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var (
			e        domain.Event
			streamID string
			metadata sql.NullString
			ts       int64
		)
		err := rows.Scan(&e.Sequence, &e.ID, &streamID, &e.TenantID, &e.Version, &e.EventType,
			&e.Data, &e.ContentType, &metadata, &ts)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		if s.config.streamIdentity == domain.AsString {
			e.StreamKey = streamID
		} else {
			id, err := uuid.Parse(streamID)
			if err != nil {
				return nil, fmt.Errorf("event %d has invalid stream id %q: %w", e.Sequence, streamID, err)
			}
			e.StreamID = id
		}

		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("event %d has invalid metadata: %w", e.Sequence, err)
			}
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, &e)
	}
	return events, rows.Err()
}

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return domain.DefaultTenant
	}
	return tenantID
}
