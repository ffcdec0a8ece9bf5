package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/observability"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// DefaultHighWaterWindow is the number of sequences read per scan query.
const DefaultHighWaterWindow = 1000

// HighWaterMark is the result of one high-water detection.
type HighWaterMark struct {
	// CurrentMark is the highest sequence with no gaps below it.
	CurrentMark int64

	// LastMark is the previously persisted mark.
	LastMark int64

	// HighestSequence is the highest sequence assigned by the store, which
	// may be beyond CurrentMark when gaps exist.
	HighestSequence int64

	LastUpdated time.Time

	// SafeZone is set when the mark was computed by skipping stale gaps.
	SafeZone bool
}

// Stale reports whether committed events exist beyond the mark.
func (m HighWaterMark) Stale() bool {
	return m.CurrentMark < m.HighestSequence
}

// HighWaterDetector computes the highest sequence below which every event is
// committed. Concurrent writers may commit sequences out of order, so the scan
// stops at the first missing sequence.
//
// The detector never persists anything.
type HighWaterDetector struct {
	source store.HighWaterSource
	states store.ShardStateStore
	window int
}

// NewHighWaterDetector creates a detector reading sequences in windows of the
// given size. A window <= 0 uses DefaultHighWaterWindow.
func NewHighWaterDetector(source store.HighWaterSource, states store.ShardStateStore, window int) *HighWaterDetector {
	if window <= 0 {
		window = DefaultHighWaterWindow
	}
	return &HighWaterDetector{source: source, states: states, window: window}
}

// Detect scans forward from the persisted mark until the first gap.
func (d *HighWaterDetector) Detect(ctx context.Context) (HighWaterMark, error) {
	last, highest, err := d.start(ctx)
	if err != nil {
		return HighWaterMark{}, err
	}

	current, err := d.scan(ctx, last)
	if err != nil {
		return HighWaterMark{}, err
	}

	return HighWaterMark{
		CurrentMark:     current,
		LastMark:        last,
		HighestSequence: max(highest, current),
		LastUpdated:     domain.Now(),
	}, nil
}

// DetectInSafeZone treats every sequence up to the newest event committed at
// or before safeTimestamp as settled: gaps older than that are permanent
// (rolled back or deleted) and no longer hold the mark back. Scanning then
// continues forward for contiguity. When no events exist beyond the mark at
// all, the trailing gap is settled as well and the mark moves to the highest
// sequence.
func (d *HighWaterDetector) DetectInSafeZone(ctx context.Context, safeTimestamp time.Time) (HighWaterMark, error) {
	last, highest, err := d.start(ctx)
	if err != nil {
		return HighWaterMark{}, err
	}

	settled, err := d.source.HighestSequenceBefore(ctx, safeTimestamp)
	if err != nil {
		return HighWaterMark{}, fmt.Errorf("reading settled sequence: %w", err)
	}

	current, err := d.scan(ctx, max(last, settled))
	if err != nil {
		return HighWaterMark{}, err
	}

	if current < highest {
		next, err := d.source.SequencesAfter(ctx, current, 1)
		if err != nil {
			return HighWaterMark{}, fmt.Errorf("reading sequences after %d: %w", current, err)
		}
		if len(next) == 0 {
			current = highest
		}
	}

	return HighWaterMark{
		CurrentMark:     current,
		LastMark:        last,
		HighestSequence: max(highest, current),
		LastUpdated:     domain.Now(),
		SafeZone:        true,
	}, nil
}

func (d *HighWaterDetector) start(ctx context.Context) (last, highest int64, err error) {
	state, err := d.states.LoadShardState(ctx, HighWaterMarkName)
	if err != nil {
		return 0, 0, fmt.Errorf("loading high-water mark: %w", err)
	}
	highest, err = d.source.HighestSequence(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("reading highest sequence: %w", err)
	}
	return state.Sequence, highest, nil
}

// scan returns the last sequence of the contiguous run starting after from.
func (d *HighWaterDetector) scan(ctx context.Context, from int64) (int64, error) {
	mark := from
	for {
		seqs, err := d.source.SequencesAfter(ctx, mark, d.window)
		if err != nil {
			return 0, fmt.Errorf("reading sequences after %d: %w", mark, err)
		}
		for _, seq := range seqs {
			if seq != mark+1 {
				return mark, nil
			}
			mark = seq
		}
		if len(seqs) < d.window {
			return mark, nil
		}
	}
}

type highWaterConfig struct {
	pollInterval   time.Duration
	staleThreshold time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics
}

// HighWaterAgent keeps the high-water mark current: it detects on every poll
// interval, append notification or nudge, persists the mark and publishes it
// to the Tracker. When the mark stays behind a gap for longer than the stale
// threshold it switches to safe-zone detection.
type HighWaterAgent struct {
	detector *HighWaterDetector
	states   store.ShardStateStore
	notifier store.AppendNotifier
	tracker  *Tracker
	database string
	cfg      highWaterConfig

	checkMu    sync.Mutex
	current    HighWaterMark
	stuckAt    int64
	staleSince time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	nudge  chan struct{}
}

func newHighWaterAgent(db store.Database, tracker *Tracker, window int, cfg highWaterConfig) *HighWaterAgent {
	a := &HighWaterAgent{
		detector: NewHighWaterDetector(db, db, window),
		states:   db,
		tracker:  tracker,
		database: db.Identifier(),
		cfg:      cfg,
		nudge:    make(chan struct{}, 1),
	}
	if notifier, ok := db.(store.AppendNotifier); ok {
		a.notifier = notifier
	}
	return a
}

// Current returns the last detected mark.
func (a *HighWaterAgent) Current() HighWaterMark {
	a.checkMu.Lock()
	defer a.checkMu.Unlock()
	return a.current
}

// CheckNow runs one detection synchronously, persists a changed mark and
// publishes it.
func (a *HighWaterAgent) CheckNow(ctx context.Context) (HighWaterMark, error) {
	a.checkMu.Lock()
	defer a.checkMu.Unlock()

	mark, err := a.detector.Detect(ctx)
	if err != nil {
		return HighWaterMark{}, err
	}

	now := domain.Now()
	switch {
	case !mark.Stale():
		a.staleSince = time.Time{}
	case a.staleSince.IsZero() || a.stuckAt != mark.CurrentMark:
		a.stuckAt = mark.CurrentMark
		a.staleSince = now
	case now.Sub(a.staleSince) >= a.cfg.staleThreshold:
		safe, err := a.detector.DetectInSafeZone(ctx, now.Add(-a.cfg.staleThreshold))
		if err != nil {
			return HighWaterMark{}, err
		}
		if safe.CurrentMark > mark.CurrentMark {
			a.cfg.logger.Warn("high-water mark skipped stale gap",
				"from", mark.CurrentMark,
				"to", safe.CurrentMark,
				"stale_for", now.Sub(a.staleSince))
			a.staleSince = time.Time{}
		}
		mark = safe
	}

	if mark.CurrentMark != mark.LastMark {
		err := a.states.SaveShardState(ctx, store.ShardState{
			ShardName:   HighWaterMarkName,
			Sequence:    mark.CurrentMark,
			LastUpdated: mark.LastUpdated,
		})
		if err != nil {
			return HighWaterMark{}, fmt.Errorf("saving high-water mark: %w", err)
		}
		a.cfg.logger.Debug("high-water mark advanced",
			"from", mark.LastMark,
			"to", mark.CurrentMark,
			"highest", mark.HighestSequence)
	}

	a.current = mark
	a.tracker.Publish(HighWaterMarkName, mark.CurrentMark)
	a.cfg.metrics.RecordHighWater(ctx, a.database, mark.CurrentMark, mark.HighestSequence, mark.SafeZone)
	return mark, nil
}

// Nudge requests a detection without waiting for the poll interval.
func (a *HighWaterAgent) Nudge() {
	select {
	case a.nudge <- struct{}{}:
	default:
	}
}

// Running reports whether the detection loop is active.
func (a *HighWaterAgent) Running() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.cancel != nil
}

// Start runs one detection and then keeps detecting in the background.
// Appends committed once Start begins are never missed: the subscription
// exists before the first detection.
func (a *HighWaterAgent) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return ErrAlreadyRunning
	}

	var appends <-chan int64
	unsubscribe := func() {}
	if a.notifier != nil {
		appends, unsubscribe = a.notifier.SubscribeAppends()
	}

	if _, err := a.CheckNow(ctx); err != nil {
		unsubscribe()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(loopCtx, appends, unsubscribe, a.done)

	a.cfg.logger.Info("high-water agent started", "poll_interval", a.cfg.pollInterval)
	return nil
}

// Stop ends the detection loop.
func (a *HighWaterAgent) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		a.cfg.logger.Info("high-water agent stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *HighWaterAgent) run(ctx context.Context, appends <-chan int64, unsubscribe func(), done chan struct{}) {
	defer close(done)
	defer unsubscribe()

	ticker := time.NewTicker(a.cfg.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.nudge:
		case _, ok := <-appends:
			if !ok {
				appends = nil
				continue
			}
		}

		if _, err := a.CheckNow(ctx); err != nil && ctx.Err() == nil {
			a.cfg.logger.Error("high-water detection failed", "error", err)
		}
	}
}
