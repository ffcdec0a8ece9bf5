package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plaenen/eventdaemon/pkg/store"
)

// Tx is a store.Transaction over a SQLite transaction.
type Tx struct {
	documents
	tx   *sql.Tx
	done bool
}

var _ store.Transaction = (*Tx)(nil)

// Begin opens a transaction for a batch of projection writes.
func (s *EventStore) Begin(ctx context.Context) (store.Transaction, error) {
	return s.begin(ctx)
}

func (s *EventStore) begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{documents: documents{q: sqlTx}, tx: sqlTx}, nil
}

// SaveShardState records the shard's new watermark as part of the transaction.
func (t *Tx) SaveShardState(ctx context.Context, state store.ShardState) error {
	return saveShardState(ctx, t.tx, state)
}

// DeleteShardState removes a shard's watermark as part of the transaction.
func (t *Tx) DeleteShardState(ctx context.Context, shardName string) error {
	return deleteShardState(ctx, t.tx, shardName)
}

// RecordDeadLetter stores a skipped event as part of the transaction.
func (t *Tx) RecordDeadLetter(ctx context.Context, letter store.DeadLetter) error {
	return recordDeadLetter(ctx, t.tx, letter)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return store.ErrTransactionDone
	}
	t.done = true
	return t.tx.Commit()
}

// Rollback aborts the transaction. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
