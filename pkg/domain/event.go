package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTenant is the tenant id used when events or documents are not
// partitioned per tenant.
const DefaultTenant = "*DEFAULT*"

// StreamIdentity selects how streams are identified in a store.
type StreamIdentity int

const (
	// AsGuid identifies streams by UUID.
	AsGuid StreamIdentity = iota

	// AsString identifies streams by an arbitrary string key.
	AsString
)

func (s StreamIdentity) String() string {
	if s == AsString {
		return "string"
	}
	return "guid"
}

// Event is a persisted, immutable fact. Events are ordered globally by Sequence
// and per stream by Version.
type Event struct {
	// ID is the unique identifier of the event (ULID)
	ID string

	// Sequence is the store-wide position. Assigned on commit, never reused,
	// not guaranteed to be gapless.
	Sequence int64

	// StreamID is set when the store identifies streams by UUID
	StreamID uuid.UUID

	// StreamKey is set when the store identifies streams by string
	StreamKey string

	// Version is the position of the event within its stream, starting at 1
	Version int64

	// EventType is the type name of the payload (e.g., "users.UserCreated")
	EventType string

	// Data is the serialized payload
	Data []byte

	// ContentType tells Decode how Data was serialized
	ContentType string

	// Timestamp is when the event was committed
	Timestamp time.Time

	// TenantID is the tenant the event belongs to
	TenantID string

	// Metadata carries free-form headers (correlation, causation, user)
	Metadata map[string]string

	// payload caches the decoded payload for transformed events
	payload any
}

// Stream returns the stream reference of the event.
func (e *Event) Stream() StreamRef {
	if e.StreamKey != "" {
		return StreamByKey(e.StreamKey)
	}
	return StreamByID(e.StreamID)
}

// StreamIdentifier returns the stream id as a string regardless of the identity mode.
func (e *Event) StreamIdentifier() string {
	return e.Stream().String()
}

// Tenant returns the tenant of the event, falling back to DefaultTenant.
func (e *Event) Tenant() string {
	if e.TenantID == "" {
		return DefaultTenant
	}
	return e.TenantID
}

func (e *Event) String() string {
	return fmt.Sprintf("%s#%d(%s v%d)", e.EventType, e.Sequence, e.StreamIdentifier(), e.Version)
}

// StreamRef identifies an event stream by UUID or by string key.
type StreamRef struct {
	ID  uuid.UUID
	Key string
}

// StreamByID references a UUID-identified stream.
func StreamByID(id uuid.UUID) StreamRef {
	return StreamRef{ID: id}
}

// StreamByKey references a string-identified stream.
func StreamByKey(key string) StreamRef {
	return StreamRef{Key: key}
}

// IsKey reports whether the stream is identified by a string key.
func (r StreamRef) IsKey() bool {
	return r.Key != ""
}

// IsZero reports whether the reference is empty.
func (r StreamRef) IsZero() bool {
	return r.Key == "" && r.ID == uuid.Nil
}

func (r StreamRef) String() string {
	if r.Key != "" {
		return r.Key
	}
	return r.ID.String()
}
