package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// Rebuild tears down the projection's documents and watermark and replays
// every event up to the high-water mark captured at the start. A running
// agent is stopped first and restarted afterwards.
//
// When the replay fails the teardown is repeated, the status is FAILED and
// the agent stays stopped. Rebuilding again is safe.
func (a *ShardAgent) Rebuild(ctx context.Context) (err error) {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	wasRunning := a.Status().running()
	if wasRunning {
		if err := a.Stop(ctx); err != nil {
			return fmt.Errorf("stopping %s for rebuild: %w", a.name, err)
		}
	}

	started := time.Now()
	defer func() {
		a.cfg.metrics.RecordRebuild(context.WithoutCancel(ctx), a.db.Identifier(), a.name, time.Since(started), err)
	}()

	target, err := a.highWater(ctx)
	if err != nil {
		return fmt.Errorf("reading high-water mark for rebuild: %w", err)
	}

	a.mu.Lock()
	a.status = Rebuilding
	a.err = nil
	a.mu.Unlock()

	a.logger.Info("rebuilding projection", "target", target)
	progress := &store.RebuildProgress{TargetSequence: target, StartedAt: domain.Now()}
	a.saveStatus(ctx, store.ProjectionStatusRebuilding, "", progress)

	if err := a.replay(ctx, target, progress); err != nil {
		teardownErr := a.teardown(context.WithoutCancel(ctx))
		err = errors.Join(err, teardownErr)

		a.mu.Lock()
		a.status = Errored
		a.err = err
		a.mu.Unlock()

		a.logger.Error("rebuild failed", "error", err)
		a.saveStatus(context.WithoutCancel(ctx), store.ProjectionStatusFailed, err.Error(), progress)
		a.tracker.Fail(a.name, err)
		return fmt.Errorf("rebuilding %s: %w", a.name, err)
	}

	a.setStatus(Stopped)
	a.saveStatus(ctx, store.ProjectionStatusReady, "", nil)
	a.logger.Info("projection rebuilt",
		"target", target,
		"events", progress.EventsProcessed,
		"duration", time.Since(started))

	if wasRunning {
		return a.Start(ctx)
	}
	return nil
}

func (a *ShardAgent) replay(ctx context.Context, target int64, progress *store.RebuildProgress) error {
	if err := a.teardown(ctx); err != nil {
		return err
	}

	for position := int64(0); position < target; {
		r := &EventRange{
			ShardName:  a.name,
			Floor:      position,
			Ceiling:    min(target, position+int64(a.cfg.batchSize)),
			EventTypes: a.projection.EventTypes(),
		}
		if err := a.process(ctx, r, target); err != nil {
			return err
		}
		position = r.Ceiling
		progress.EventsProcessed += int64(len(r.Events))
		a.saveStatus(ctx, store.ProjectionStatusRebuilding, "", progress)
	}
	return nil
}

// teardown deletes the projection's documents and shard state in one
// transaction and resets the watermark to zero.
func (a *ShardAgent) teardown(ctx context.Context) error {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tearing down %s: %w", a.name, err)
	}
	defer tx.Rollback()

	for _, docType := range a.projection.DocumentTypes() {
		if err := tx.DeleteDocumentType(ctx, docType); err != nil {
			return fmt.Errorf("deleting %s documents: %w", docType, err)
		}
	}
	if err := tx.DeleteShardState(ctx, a.name); err != nil {
		return fmt.Errorf("deleting shard state of %s: %w", a.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tearing down %s: %w", a.name, err)
	}

	a.mu.Lock()
	a.position = 0
	a.mu.Unlock()
	a.tracker.Reset(a.name)
	return nil
}
