package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewSortableID returns a ULID string. IDs generated by one process are
// strictly increasing, so ids created in the same millisecond still sort in
// creation order.
func NewSortableID() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustGenerateSortableID is NewSortableID that panics on entropy failure.
func MustGenerateSortableID() string {
	id, err := NewSortableID()
	if err != nil {
		panic(err)
	}
	return id
}

// Time extracts the creation time from an id produced by this package.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
