package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/idgen"
	"github.com/plaenen/eventdaemon/pkg/projection"
)

const anyVersion = -1

// SessionOption configures an EventSession.
type SessionOption func(*EventSession)

// ForTenant appends the session's events under a tenant.
func ForTenant(tenantID string) SessionOption {
	return func(s *EventSession) {
		s.tenantID = tenantID
	}
}

// WithSessionMetadata attaches headers to every event appended by the session.
func WithSessionMetadata(metadata map[string]string) SessionOption {
	return func(s *EventSession) {
		s.metadata = maps.Clone(metadata)
	}
}

type pendingEvent struct {
	eventType   string
	data        []byte
	contentType string
}

type pendingStream struct {
	stream   domain.StreamRef
	start    bool
	expected int64
	events   []pendingEvent
}

// EventSession collects appends and commits them in one transaction.
// A session is not safe for concurrent use.
type EventSession struct {
	store    *EventStore
	tenantID string
	metadata map[string]string
	pending  []pendingStream
}

// LightweightSession opens a unit of work for appending events.
func (s *EventStore) LightweightSession(opts ...SessionOption) *EventSession {
	session := &EventSession{store: s, tenantID: domain.DefaultTenant}
	for _, opt := range opts {
		opt(session)
	}
	session.tenantID = tenantOrDefault(session.tenantID)
	return session
}

// StartStream queues the first events of a new stream. SaveChanges fails
// with domain.ErrStreamExists when the stream already has events.
func (es *EventSession) StartStream(stream domain.StreamRef, payloads ...any) error {
	return es.queue(stream, true, 0, payloads)
}

// Append queues events for a stream without a version check.
func (es *EventSession) Append(stream domain.StreamRef, payloads ...any) error {
	return es.queue(stream, false, anyVersion, payloads)
}

// AppendExpected queues events for a stream that must be at expectedVersion
// when the session is saved.
func (es *EventSession) AppendExpected(stream domain.StreamRef, expectedVersion int64, payloads ...any) error {
	return es.queue(stream, false, expectedVersion, payloads)
}

// StartNewStream starts a stream with a fresh UUID and returns its reference.
func (es *EventSession) StartNewStream(payloads ...any) (domain.StreamRef, error) {
	stream := domain.StreamByID(uuid.New())
	return stream, es.StartStream(stream, payloads...)
}

func (es *EventSession) queue(stream domain.StreamRef, start bool, expected int64, payloads []any) error {
	if err := es.checkStream(stream); err != nil {
		return err
	}
	if len(payloads) == 0 {
		return fmt.Errorf("%w: no events for stream %s", domain.ErrInvalidEvent, stream)
	}

	pending := pendingStream{stream: stream, start: start, expected: expected}
	for _, payload := range payloads {
		eventType, data, contentType, err := domain.Encode(payload)
		if err != nil {
			return err
		}
		pending.events = append(pending.events, pendingEvent{eventType, data, contentType})
	}
	es.pending = append(es.pending, pending)
	return nil
}

func (es *EventSession) checkStream(stream domain.StreamRef) error {
	if stream.IsZero() {
		return fmt.Errorf("%w: empty stream reference", domain.ErrInvalidEvent)
	}
	switch es.store.config.streamIdentity {
	case domain.AsString:
		if !stream.IsKey() {
			return fmt.Errorf("%w: store uses string stream keys, got %s", domain.ErrInvalidEvent, stream)
		}
	default:
		if stream.IsKey() {
			return fmt.Errorf("%w: store uses UUID stream ids, got %q", domain.ErrInvalidEvent, stream.Key)
		}
	}
	return nil
}

// Pending reports how many streams have queued events.
func (es *EventSession) Pending() int {
	return len(es.pending)
}

// SaveChanges appends all queued events in a single transaction, applies
// inline projections inside it, and returns the committed events.
// The queue is cleared whether or not the save succeeds.
func (es *EventSession) SaveChanges(ctx context.Context) ([]*domain.Event, error) {
	pending := es.pending
	es.pending = nil
	if len(pending) == 0 {
		return nil, nil
	}

	s := es.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var metadata sql.NullString
	if len(es.metadata) > 0 {
		raw, err := json.Marshal(es.metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	now := domain.Now().UTC()
	var committed []*domain.Event
	for _, p := range pending {
		events, err := es.appendStream(ctx, tx.tx, p, metadata, now)
		if err != nil {
			return nil, err
		}
		committed = append(committed, events...)
	}

	for _, p := range s.inline {
		events := filterTypes(committed, p.EventTypes())
		if len(events) == 0 {
			continue
		}
		if err := projection.ApplyInline(ctx, p, tx, events); err != nil {
			return nil, fmt.Errorf("inline projection %s: %w", p.Name(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	s.notifyAppended(committed[len(committed)-1].Sequence)
	return committed, nil
}

func (es *EventSession) appendStream(
	ctx context.Context,
	tx *sql.Tx,
	p pendingStream,
	metadata sql.NullString,
	now time.Time,
) ([]*domain.Event, error) {
	streamID := p.stream.String()

	var current int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM streams WHERE id = ? AND tenant_id = ?`, streamID, es.tenantID,
	).Scan(&current)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading stream %s: %w", streamID, err)
	}

	if p.start && exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrStreamExists, streamID)
	}
	if p.expected != anyVersion && p.expected != current {
		return nil, &domain.ConcurrencyError{Stream: p.stream, Expected: p.expected, Actual: current}
	}

	events := make([]*domain.Event, 0, len(p.events))
	for i, pe := range p.events {
		e := &domain.Event{
			ID:          idgen.MustGenerateSortableID(),
			Version:     current + int64(i) + 1,
			EventType:   pe.eventType,
			Data:        pe.data,
			ContentType: pe.contentType,
			Timestamp:   now,
			TenantID:    es.tenantID,
			Metadata:    maps.Clone(es.metadata),
		}
		if p.stream.IsKey() {
			e.StreamKey = p.stream.Key
		} else {
			e.StreamID = p.stream.ID
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, stream_id, tenant_id, version, type, data, content_type, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, streamID, e.TenantID, e.Version, e.EventType, e.Data, e.ContentType, metadata, now.UnixNano())
		if err != nil {
			if isUniqueViolation(err) {
				return nil, &domain.ConcurrencyError{Stream: p.stream, Expected: e.Version - 1, Actual: e.Version}
			}
			return nil, fmt.Errorf("failed to insert event: %w", err)
		}
		if e.Sequence, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("reading assigned sequence: %w", err)
		}
		events = append(events, e)
	}

	version := current + int64(len(p.events))
	if exists {
		_, err = tx.ExecContext(ctx, `UPDATE streams SET version = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
			version, now.UnixNano(), streamID, es.tenantID)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO streams (id, tenant_id, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			streamID, es.tenantID, version, now.UnixNano(), now.UnixNano())
	}
	if err != nil {
		return nil, fmt.Errorf("updating stream %s: %w", streamID, err)
	}

	return events, nil
}

func filterTypes(events []*domain.Event, eventTypes []string) []*domain.Event {
	if len(eventTypes) == 0 {
		return events
	}
	var filtered []*domain.Event
	for _, e := range events {
		if slices.Contains(eventTypes, e.EventType) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
