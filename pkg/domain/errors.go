package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when an append collides with an existing stream version.
	ErrConcurrencyConflict = errors.New("concurrency conflict: stream version mismatch")

	// ErrStreamExists is returned when starting a stream that already has events.
	ErrStreamExists = errors.New("stream already exists")

	// ErrUnknownEventType is returned when a payload has no resolvable event type.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidEvent is returned when an event cannot be appended as given.
	ErrInvalidEvent = errors.New("invalid event")
)

// ConcurrencyError provides detail about a rejected append.
type ConcurrencyError struct {
	Stream   StreamRef
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, actual %d",
		e.Stream, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}
