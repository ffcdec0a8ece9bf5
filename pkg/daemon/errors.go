package daemon

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("timed out waiting for shard")

	// ErrShardNotFound is returned for unknown shard or projection names.
	ErrShardNotFound = errors.New("shard not found")

	// ErrAlreadyRunning is returned when starting a running agent.
	ErrAlreadyRunning = errors.New("shard agent already running")
)

// TimeoutError reports a shard that did not reach a sequence in time.
type TimeoutError struct {
	Shard   string
	Target  int64
	Current int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shard %s did not reach sequence %d within %s (at %d)", e.Shard, e.Target, e.Timeout, e.Current)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ShardError reports a shard that stopped on an unrecoverable error.
type ShardError struct {
	Shard string
	Err   error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %s failed: %v", e.Shard, e.Err)
}

func (e *ShardError) Unwrap() error { return e.Err }
