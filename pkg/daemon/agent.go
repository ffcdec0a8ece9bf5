package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/observability"
	"github.com/plaenen/eventdaemon/pkg/projection"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// AgentStatus is the state of a shard agent.
type AgentStatus int

const (
	Stopped AgentStatus = iota
	Starting
	Polling
	Fetching
	Applying
	Committing
	Paused
	Rebuilding
	Errored
)

func (s AgentStatus) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Polling:
		return "polling"
	case Fetching:
		return "fetching"
	case Applying:
		return "applying"
	case Committing:
		return "committing"
	case Paused:
		return "paused"
	case Rebuilding:
		return "rebuilding"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("AgentStatus(%d)", int(s))
	}
}

// running reports whether the agent's loop owns the shard in this status.
func (s AgentStatus) running() bool {
	return s != Stopped && s != Errored
}

const maxRetryBackoff = 30 * time.Second

// sliceRetryLimit bounds retries of slicing, which fails on undecodable
// payloads as well as on reads.
const sliceRetryLimit = 3

// UnresolvedMessage is the dead-letter message of events no grouper resolved.
const UnresolvedMessage = "no document identity resolved"

type agentConfig struct {
	batchSize            int
	pollInterval         time.Duration
	retryLimit           int
	retryBackoff         time.Duration
	skipApplyErrors      bool
	deadLetterUnresolved bool
	logger               *slog.Logger
	metrics              *observability.Metrics
	tracer               trace.Tracer
}

// ShardAgent runs the fetch, slice, apply and commit cycle of one projection.
// Each committed batch moves the shard watermark in the same transaction as
// the document writes, so a batch is either fully visible or not at all.
type ShardAgent struct {
	name       string
	projection projection.Projection
	db         store.Database
	fetcher    *Fetcher
	tracker    *Tracker
	highWater  func(ctx context.Context) (int64, error)
	cfg        agentConfig
	logger     *slog.Logger

	rebuildMu sync.Mutex

	mu       sync.Mutex
	status   AgentStatus
	position int64
	err      error
	paused   bool
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
}

func newShardAgent(p projection.Projection, db store.Database, tracker *Tracker, highWater func(context.Context) (int64, error), cfg agentConfig) *ShardAgent {
	name := projection.ShardName(p)
	return &ShardAgent{
		name:       name,
		projection: p,
		db:         db,
		fetcher:    NewFetcher(db),
		tracker:    tracker,
		highWater:  highWater,
		cfg:        cfg,
		logger:     cfg.logger.With("shard", name),
		wake:       make(chan struct{}, 1),
	}
}

// Name returns the shard name.
func (a *ShardAgent) Name() string { return a.name }

// Projection returns the projection the agent runs.
func (a *ShardAgent) Projection() projection.Projection { return a.projection }

// Status returns the current state.
func (a *ShardAgent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Position returns the last committed sequence.
func (a *ShardAgent) Position() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// Err returns the error that stopped the agent, if any.
func (a *ShardAgent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Start loads the persisted watermark and starts the cycle in the background.
func (a *ShardAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status.running() {
		a.mu.Unlock()
		return fmt.Errorf("%s: %w", a.name, ErrAlreadyRunning)
	}
	if a.cancel != nil {
		// left over from an errored loop that already exited
		a.cancel()
		a.cancel, a.done = nil, nil
	}
	a.status = Starting
	a.err = nil
	a.mu.Unlock()

	state, err := a.db.LoadShardState(ctx, a.name)
	if err != nil {
		a.setStatus(Stopped)
		return fmt.Errorf("loading shard state of %s: %w", a.name, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	a.mu.Lock()
	a.position = state.Sequence
	a.status = Polling
	a.paused = false
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	a.tracker.Reset(a.name)
	a.tracker.Publish(a.name, state.Sequence)
	a.saveStatus(ctx, store.ProjectionStatusReady, "", nil)

	go a.run(loopCtx, done)
	a.logger.Info("shard agent started", "position", state.Sequence)
	return nil
}

// Stop cancels the cycle and waits for the in-flight batch to finish or roll back.
func (a *ShardAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	if a.status != Errored {
		a.status = Stopped
	}
	a.paused = false
	a.mu.Unlock()

	a.logger.Info("shard agent stopped", "position", a.Position())
	return nil
}

// Pause halts the cycle after the in-flight batch. The watermark is kept.
func (a *ShardAgent) Pause(ctx context.Context) error {
	a.mu.Lock()
	if !a.status.running() {
		a.mu.Unlock()
		return fmt.Errorf("pausing %s: agent is %s", a.name, a.status)
	}
	a.paused = true
	a.mu.Unlock()

	a.signal()
	a.saveStatus(ctx, store.ProjectionStatusPaused, "", nil)
	return nil
}

// Resume continues a paused cycle.
func (a *ShardAgent) Resume(ctx context.Context) error {
	a.mu.Lock()
	if !a.paused {
		a.mu.Unlock()
		return nil
	}
	a.paused = false
	a.mu.Unlock()

	a.signal()
	a.saveStatus(ctx, store.ProjectionStatusReady, "", nil)
	return nil
}

func (a *ShardAgent) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *ShardAgent) isPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// setStatus updates the state unless the agent is rebuilding, which owns the
// status until it finishes.
func (a *ShardAgent) setStatus(status AgentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == Rebuilding && status != Stopped && status != Errored {
		return
	}
	a.status = status
}

func (a *ShardAgent) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	updates, unsubscribe := a.tracker.Subscribe(16)
	defer unsubscribe()

	ticker := time.NewTicker(a.cfg.pollInterval)
	defer ticker.Stop()

	for {
		if a.isPaused() {
			a.setStatus(Paused)
			select {
			case <-ctx.Done():
				return
			case <-a.wake:
				continue
			}
		}

		advanced, err := a.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.fail(ctx, err)
			return
		}
		if advanced {
			continue
		}

		a.setStatus(Polling)
		if !a.waitForWork(ctx, updates, ticker) {
			return
		}
	}
}

// waitForWork blocks until the high-water mark moves, the poll interval
// elapses or the agent is woken. It returns false when ctx is done.
func (a *ShardAgent) waitForWork(ctx context.Context, updates <-chan ShardUpdate, ticker *time.Ticker) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			return true
		case <-a.wake:
			return true
		case update, ok := <-updates:
			if !ok {
				return false
			}
			if update.Shard == HighWaterMarkName && update.Sequence > a.Position() {
				return true
			}
		}
	}
}

// cycle processes the next batch below the high-water mark. It reports
// whether the watermark moved.
func (a *ShardAgent) cycle(ctx context.Context) (bool, error) {
	highWater := a.tracker.HighWaterMark()
	floor := a.Position()
	if highWater <= floor {
		return false, nil
	}

	r := &EventRange{
		ShardName:  a.name,
		Floor:      floor,
		Ceiling:    min(highWater, floor+int64(a.cfg.batchSize)),
		EventTypes: a.projection.EventTypes(),
	}
	if err := a.process(ctx, r, highWater); err != nil {
		return false, err
	}
	return true, nil
}

// process runs one batch: fetch, slice, then apply and commit in a single
// transaction together with the new watermark.
func (a *ShardAgent) process(ctx context.Context, r *EventRange, highWater int64) (err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, a.cfg.tracer, "shard.batch",
		observability.WithAttributes(observability.BatchAttrs(a.db.Identifier(), a.name, r.Floor, r.Ceiling)...))
	defer func() { observability.EndSpan(span, err) }()

	a.setStatus(Fetching)
	if err := a.retry(ctx, "fetch", a.cfg.retryLimit, func() error { return a.fetcher.Load(ctx, r) }); err != nil {
		return err
	}

	a.setStatus(Applying)
	var group *projection.SliceGroup
	err = a.retry(ctx, "slice", sliceRetryLimit, func() error {
		var err error
		group, err = a.projection.Slice(ctx, a.db, r.Events)
		return err
	})
	if err != nil {
		return err
	}

	var letters []store.DeadLetter
	err = a.retry(ctx, "commit", a.cfg.retryLimit, func() error {
		var err error
		letters, err = a.commit(ctx, r, group)
		return err
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.position = r.Ceiling
	a.mu.Unlock()
	a.tracker.Publish(a.name, r.Ceiling)

	database := a.db.Identifier()
	a.cfg.metrics.RecordBatch(ctx, database, a.name, len(r.Events), group.EventCount(), time.Since(start), r.Ceiling, highWater)
	a.cfg.metrics.RecordDeadLetters(ctx, database, a.name, len(letters))
	a.cfg.metrics.RecordUnresolved(ctx, database, a.name, len(group.Unresolved))
	span.SetAttributes(observability.AttrEventCount.Int(len(r.Events)))

	for _, letter := range letters {
		a.logger.Warn("event dead-lettered",
			"sequence", letter.Sequence,
			"event_type", letter.EventType,
			"error", letter.Message)
	}
	a.logger.Debug("batch committed",
		"floor", r.Floor,
		"ceiling", r.Ceiling,
		"events", len(r.Events),
		"slices", len(group.Slices))
	return nil
}

func (a *ShardAgent) commit(ctx context.Context, r *EventRange, group *projection.SliceGroup) ([]store.DeadLetter, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var letters []store.DeadLetter
	var onFailure projection.FailureHandler
	if a.cfg.skipApplyErrors {
		onFailure = func(e *domain.Event, applyErr *projection.ApplyError) error {
			letters = append(letters, a.deadLetter(e, applyErr.Err.Error()))
			return nil
		}
	}

	if err := a.projection.Apply(ctx, tx, group, onFailure); err != nil {
		return nil, err
	}

	if a.cfg.deadLetterUnresolved {
		for _, e := range group.Unresolved {
			letters = append(letters, a.deadLetter(e, UnresolvedMessage))
		}
	}
	for _, letter := range letters {
		if err := tx.RecordDeadLetter(ctx, letter); err != nil {
			return nil, fmt.Errorf("recording dead letter: %w", err)
		}
	}

	a.setStatus(Committing)
	err = tx.SaveShardState(ctx, store.ShardState{
		ShardName:   a.name,
		Sequence:    r.Ceiling,
		LastUpdated: domain.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("saving shard state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return letters, nil
}

func (a *ShardAgent) deadLetter(e *domain.Event, message string) store.DeadLetter {
	return store.DeadLetter{
		ShardName: a.name,
		Sequence:  e.Sequence,
		EventID:   e.ID,
		EventType: e.EventType,
		StreamID:  e.StreamIdentifier(),
		TenantID:  e.Tenant(),
		Message:   message,
		CreatedAt: domain.Now(),
	}
}

// retry runs fn until it succeeds, ctx is done, limit retries are exhausted
// or the error is permanent. A limit of 0 retries until ctx is done. Apply
// failures are permanent: retrying the same events yields the same failure.
func (a *ShardAgent) retry(ctx context.Context, stage string, limit int, fn func() error) error {
	backoff := a.cfg.retryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, projection.ErrApply) || (limit > 0 && attempt >= limit) {
			a.cfg.metrics.RecordShardError(ctx, a.db.Identifier(), a.name, stage, err)
			return fmt.Errorf("%s: %w", stage, err)
		}

		a.cfg.metrics.RecordRetry(ctx, a.db.Identifier(), a.name, stage)
		a.logger.Warn("shard stage failed, retrying",
			"stage", stage,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// fail stops the agent on an unrecoverable error and releases its waiters.
func (a *ShardAgent) fail(ctx context.Context, err error) {
	a.mu.Lock()
	a.status = Errored
	a.err = err
	a.mu.Unlock()

	a.logger.Error("shard agent failed", "position", a.Position(), "error", err)
	a.saveStatus(context.WithoutCancel(ctx), store.ProjectionStatusFailed, err.Error(), nil)
	a.tracker.Fail(a.name, err)
}

func (a *ShardAgent) saveStatus(ctx context.Context, status store.ProjectionStatus, message string, progress *store.RebuildProgress) {
	err := a.db.SaveProjectionStatus(ctx, store.ProjectionState{
		ShardName: a.name,
		Status:    status,
		Message:   message,
		UpdatedAt: domain.Now(),
		Progress:  progress,
	})
	if err != nil {
		a.logger.Warn("saving projection status failed", "status", status, "error", err)
	}
}
