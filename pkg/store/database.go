package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document or status row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransactionDone is returned when a committed or rolled back transaction is used.
	ErrTransactionDone = errors.New("transaction already finished")
)

// DeadLetter records an event a shard skipped because its projection failed on it.
type DeadLetter struct {
	ID        string
	ShardName string
	Sequence  int64
	EventID   string
	EventType string
	StreamID  string
	TenantID  string
	Message   string
	CreatedAt time.Time
}

// DeadLetterStore reads and purges dead letters.
type DeadLetterStore interface {
	// DeadLetters lists dead letters by ascending sequence. An empty shard name
	// lists all shards. A limit <= 0 means no limit.
	DeadLetters(ctx context.Context, shardName string, limit int) ([]DeadLetter, error)

	DeleteDeadLetter(ctx context.Context, id string) error
}

// Transaction groups the side effects of one batch with the new shard watermark.
// Either everything commits or nothing does.
type Transaction interface {
	DocumentSession

	SaveShardState(ctx context.Context, state ShardState) error
	DeleteShardState(ctx context.Context, shardName string) error
	RecordDeadLetter(ctx context.Context, letter DeadLetter) error

	Commit() error
	Rollback() error
}

// Database is everything the daemon needs from one physical database.
type Database interface {
	EventStore
	HighWaterSource
	DocumentReader
	ShardStateStore
	DeadLetterStore
	ProjectionStatusStore

	// Identifier names the database in shard names, logs and metrics.
	Identifier() string

	// Begin opens a transaction. Callers must Commit or Rollback.
	Begin(ctx context.Context) (Transaction, error)

	Close() error
}
