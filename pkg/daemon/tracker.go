package daemon

import (
	"context"
	"maps"
	"sync"
	"time"
)

// HighWaterMarkName is the shard name under which the high-water mark is
// persisted and published.
const HighWaterMarkName = "HighWaterMark"

// ShardUpdate is one progress notification of the Tracker.
type ShardUpdate struct {
	Shard    string
	Sequence int64
	Err      error // set when the shard failed
	At       time.Time
}

type waiter struct {
	shard  string
	target int64
	done   chan error
}

// Tracker is the in-process registry of shard progress. Agents publish the
// sequence they committed; callers wait for a shard to reach a sequence
// without polling the database.
//
// Waiters are released in the order they registered.
type Tracker struct {
	mu      sync.Mutex
	states  map[string]int64
	errs    map[string]error
	waiters []*waiter
	subs    map[int]chan ShardUpdate
	nextSub int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]int64),
		errs:   make(map[string]error),
		subs:   make(map[int]chan ShardUpdate),
	}
}

// Publish records that shard reached sequence. Lower sequences than the
// current one are ignored; use Reset to move a shard back.
// A publish clears a previous failure of the shard.
func (t *Tracker) Publish(shard string, sequence int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.errs, shard)
	if current, ok := t.states[shard]; ok && sequence < current {
		return
	}
	t.states[shard] = sequence
	t.release(shard, func(w *waiter) (error, bool) {
		return nil, w.target <= sequence
	})
	t.broadcast(ShardUpdate{Shard: shard, Sequence: sequence, At: time.Now()})
}

// Reset moves a shard back to sequence 0, as done by a rebuild.
func (t *Tracker) Reset(shard string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.errs, shard)
	t.states[shard] = 0
	t.broadcast(ShardUpdate{Shard: shard, At: time.Now()})
}

// Fail marks a shard as failed and releases its waiters with a *ShardError.
func (t *Tracker) Fail(shard string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	shardErr := &ShardError{Shard: shard, Err: err}
	t.errs[shard] = shardErr
	t.release(shard, func(*waiter) (error, bool) {
		return shardErr, true
	})
	t.broadcast(ShardUpdate{Shard: shard, Sequence: t.states[shard], Err: err, At: time.Now()})
}

// Err returns the failure of a shard, nil if it is healthy.
func (t *Tracker) Err(shard string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errs[shard]
}

// Current returns the last published sequence of a shard.
func (t *Tracker) Current(shard string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.states[shard]
	return seq, ok
}

// HighWaterMark returns the last published high-water mark.
func (t *Tracker) HighWaterMark() int64 {
	seq, _ := t.Current(HighWaterMarkName)
	return seq
}

// Snapshot returns the last published sequence of every shard.
func (t *Tracker) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.states)
}

// WaitForShardState blocks until shard reaches sequence, the shard fails,
// ctx is done or timeout elapses. Timeouts return a *TimeoutError.
// A timeout <= 0 waits until ctx is done.
func (t *Tracker) WaitForShardState(ctx context.Context, shard string, sequence int64, timeout time.Duration) error {
	t.mu.Lock()
	if err := t.errs[shard]; err != nil {
		t.mu.Unlock()
		return err
	}
	if t.states[shard] >= sequence {
		t.mu.Unlock()
		return nil
	}
	w := &waiter{shard: shard, target: sequence, done: make(chan error, 1)}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		if t.remove(w) {
			return ctx.Err()
		}
		return <-w.done
	case <-expired:
		if t.remove(w) {
			current, _ := t.Current(shard)
			return &TimeoutError{Shard: shard, Target: sequence, Current: current, Timeout: timeout}
		}
		return <-w.done
	}
}

// WaitForHighWaterMark blocks until the high-water mark reaches sequence.
func (t *Tracker) WaitForHighWaterMark(ctx context.Context, sequence int64, timeout time.Duration) error {
	return t.WaitForShardState(ctx, HighWaterMarkName, sequence, timeout)
}

// Subscribe returns a channel receiving every update. Updates are dropped
// for subscribers that fall behind by more than buffer messages.
// The returned func unsubscribes and closes the channel.
func (t *Tracker) Subscribe(buffer int) (<-chan ShardUpdate, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	ch := make(chan ShardUpdate, max(buffer, 1))
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subs, id)
			close(ch)
		})
	}
}

// release resolves the waiters of shard for which decide returns true.
// Callers hold t.mu.
func (t *Tracker) release(shard string, decide func(*waiter) (error, bool)) {
	kept := t.waiters[:0]
	for _, w := range t.waiters {
		if w.shard == shard {
			if err, ok := decide(w); ok {
				w.done <- err
				continue
			}
		}
		kept = append(kept, w)
	}
	clear(t.waiters[len(kept):])
	t.waiters = kept
}

// remove drops a waiter that gave up. It returns false when the waiter was
// already released.
func (t *Tracker) remove(w *waiter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, candidate := range t.waiters {
		if candidate == w {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// broadcast is called with t.mu held.
func (t *Tracker) broadcast(update ShardUpdate) {
	for _, ch := range t.subs {
		select {
		case ch <- update:
		default:
		}
	}
}
