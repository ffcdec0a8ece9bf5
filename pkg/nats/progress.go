package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventdaemon/pkg/daemon"
	"github.com/plaenen/eventdaemon/pkg/observability"
	"github.com/plaenen/eventdaemon/pkg/runner"
)

// DefaultSubjectPrefix is the first subject token of every message.
const DefaultSubjectPrefix = "eventdaemon"

var (
	_ runner.Service = (*ProgressPublisher)(nil)
	_ runner.Service = (*ProgressFollower)(nil)
)

type bridgeConfig struct {
	prefix  string
	buffer  int
	logger  *slog.Logger
	metrics *observability.Metrics
}

func defaultBridgeConfig() bridgeConfig {
	return bridgeConfig{
		prefix: DefaultSubjectPrefix,
		buffer: 256,
		logger: slog.Default(),
	}
}

// Option configures publishers and followers.
type Option func(*bridgeConfig)

// WithSubjectPrefix replaces DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) Option {
	return func(c *bridgeConfig) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithBuffer sets how many tracker updates may queue before the publisher
// drops them.
func WithBuffer(n int) Option {
	return func(c *bridgeConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *bridgeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *bridgeConfig) { c.metrics = metrics }
}

func newBridgeConfig(opts []Option) bridgeConfig {
	cfg := defaultBridgeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ProgressMessage is the JSON body of a progress subject.
type ProgressMessage struct {
	Database string    `json:"database"`
	Shard    string    `json:"shard"`
	Sequence int64     `json:"sequence"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// subjectToken makes a name usable as a single subject token.
func subjectToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, name)
}

// ProgressSubject is <prefix>.progress.<database>.<shard>.
func ProgressSubject(prefix, database, shard string) string {
	return fmt.Sprintf("%s.progress.%s.%s", prefix, subjectToken(database), subjectToken(shard))
}

// ProgressPublisher mirrors the updates of a daemon's tracker onto NATS.
type ProgressPublisher struct {
	nc       *nats.Conn
	database string
	tracker  *daemon.Tracker
	cfg      bridgeConfig
	logger   *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
	done        chan struct{}
}

// NewProgressPublisher publishes the tracker of database.
func NewProgressPublisher(nc *nats.Conn, database string, tracker *daemon.Tracker, opts ...Option) *ProgressPublisher {
	cfg := newBridgeConfig(opts)
	return &ProgressPublisher{
		nc:       nc,
		database: database,
		tracker:  tracker,
		cfg:      cfg,
		logger:   cfg.logger.With("component", "progress-publisher", "database", database),
	}
}

func (p *ProgressPublisher) Name() string { return "nats-progress-publisher:" + p.database }

// Start publishes the current state of every shard, then every update.
func (p *ProgressPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil {
		return daemon.ErrAlreadyRunning
	}

	updates, unsubscribe := p.tracker.Subscribe(p.cfg.buffer)
	for shard, seq := range p.tracker.Snapshot() {
		update := daemon.ShardUpdate{Shard: shard, Sequence: seq, Err: p.tracker.Err(shard), At: time.Now()}
		if err := p.publish(ctx, update); err != nil {
			unsubscribe()
			return err
		}
	}

	p.unsubscribe = unsubscribe
	p.done = make(chan struct{})
	go p.run(updates, p.done)

	p.logger.Info("progress publisher started", "prefix", p.cfg.prefix)
	return nil
}

func (p *ProgressPublisher) run(updates <-chan daemon.ShardUpdate, done chan struct{}) {
	defer close(done)
	for update := range updates {
		if err := p.publish(context.Background(), update); err != nil {
			p.logger.Warn("publishing progress failed", "shard", update.Shard, "error", err)
		}
	}
}

func (p *ProgressPublisher) publish(ctx context.Context, update daemon.ShardUpdate) error {
	msg := ProgressMessage{
		Database: p.database,
		Shard:    update.Shard,
		Sequence: update.Sequence,
		At:       update.At,
	}
	if update.Err != nil {
		msg.Error = update.Err.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}

	subject := ProgressSubject(p.cfg.prefix, p.database, update.Shard)
	started := time.Now()
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	p.cfg.metrics.RecordNATSPublish(ctx, subject, time.Since(started), 1)
	return nil
}

// Stop drains queued updates and flushes the connection.
func (p *ProgressPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	unsubscribe, done := p.unsubscribe, p.done
	p.unsubscribe, p.done = nil, nil
	p.mu.Unlock()

	if unsubscribe == nil {
		return nil
	}
	unsubscribe()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := flush(ctx, p.nc); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("flushing progress: %w", err)
	}
	p.logger.Info("progress publisher stopped")
	return nil
}

// ProgressFollower applies the progress of a remote daemon to a local
// Tracker. Callers wait on Tracker() exactly as they would in the daemon's
// own process.
type ProgressFollower struct {
	nc       *nats.Conn
	database string
	tracker  *daemon.Tracker
	cfg      bridgeConfig
	logger   *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewProgressFollower follows database. A nil tracker creates one.
func NewProgressFollower(nc *nats.Conn, database string, tracker *daemon.Tracker, opts ...Option) *ProgressFollower {
	if tracker == nil {
		tracker = daemon.NewTracker()
	}
	cfg := newBridgeConfig(opts)
	return &ProgressFollower{
		nc:       nc,
		database: database,
		tracker:  tracker,
		cfg:      cfg,
		logger:   cfg.logger.With("component", "progress-follower", "database", database),
	}
}

func (f *ProgressFollower) Name() string { return "nats-progress-follower:" + f.database }

// Tracker returns the tracker fed by the follower.
func (f *ProgressFollower) Tracker() *daemon.Tracker { return f.tracker }

// Start subscribes and waits until the server registered the subscription.
func (f *ProgressFollower) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		return daemon.ErrAlreadyRunning
	}

	subject := fmt.Sprintf("%s.progress.%s.>", f.cfg.prefix, subjectToken(f.database))
	sub, err := f.nc.Subscribe(subject, f.handle)
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", subject, err)
	}
	if err := flush(ctx, f.nc); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("subscribing %s: %w", subject, err)
	}
	f.sub = sub
	f.logger.Info("following progress", "subject", subject)
	return nil
}

func (f *ProgressFollower) handle(m *nats.Msg) {
	f.cfg.metrics.RecordNATSReceive(context.Background(), m.Subject)

	var msg ProgressMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		f.logger.Warn("discarding malformed progress message", "subject", m.Subject, "error", err)
		return
	}

	switch {
	case msg.Error != "":
		f.tracker.Fail(msg.Shard, errors.New(msg.Error))
	case msg.Sequence == 0:
		// A rebuild moved the shard back.
		f.tracker.Reset(msg.Shard)
	default:
		f.tracker.Publish(msg.Shard, msg.Sequence)
	}
}

func (f *ProgressFollower) Stop(context.Context) error {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribing progress: %w", err)
	}
	return nil
}
