// Package daemon runs async projections continuously: it tracks the
// high-water mark of the event store and drives one shard agent per
// projection through fetch, slice, apply and commit cycles.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventdaemon/pkg/observability"
	"github.com/plaenen/eventdaemon/pkg/projection"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// daemonConfig holds internal configuration for the daemon.
type daemonConfig struct {
	// batchSize is the maximum number of sequences per shard batch
	batchSize int

	// pollInterval is how often agents and the high-water agent look for
	// work when no notification arrives
	pollInterval time.Duration

	// staleThreshold is how long the high-water mark may stay behind a gap
	// before safe-zone detection skips it
	staleThreshold time.Duration

	// highWaterWindow is the number of sequences read per detection query
	highWaterWindow int

	// retryLimit is the number of retries of a failing fetch or commit;
	// 0 retries until the shard is stopped
	retryLimit int

	// retryBackoff is the first retry delay; it doubles per attempt
	retryBackoff time.Duration

	// skipApplyErrors dead-letters events a projection fails on instead of
	// stopping the shard
	skipApplyErrors bool

	// deadLetterUnresolved dead-letters events no grouper resolved
	deadLetterUnresolved bool

	tracker *Tracker
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		batchSize:       500,
		pollInterval:    time.Second,
		staleThreshold:  3 * time.Second,
		highWaterWindow: DefaultHighWaterWindow,
		retryBackoff:    100 * time.Millisecond,
	}
}

// Option configures a Daemon.
type Option func(*daemonConfig)

// WithBatchSize sets the maximum number of sequences per batch.
func WithBatchSize(n int) Option {
	return func(c *daemonConfig) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithPollInterval sets the fallback polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *daemonConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithStaleSequenceThreshold sets how long a gap may hold back the
// high-water mark before it is considered permanent.
func WithStaleSequenceThreshold(d time.Duration) Option {
	return func(c *daemonConfig) {
		if d > 0 {
			c.staleThreshold = d
		}
	}
}

// WithHighWaterWindow sets the number of sequences read per detection query.
func WithHighWaterWindow(n int) Option {
	return func(c *daemonConfig) {
		c.highWaterWindow = n
	}
}

// WithRetryLimit sets how often a failing fetch or commit is retried before
// the shard goes Errored. The default 0 keeps retrying with capped backoff
// until the shard is stopped.
func WithRetryLimit(n int) Option {
	return func(c *daemonConfig) {
		if n >= 0 {
			c.retryLimit = n
		}
	}
}

// WithRetryBackoff sets the first retry delay.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *daemonConfig) {
		if d > 0 {
			c.retryBackoff = d
		}
	}
}

// WithSkipApplyErrors dead-letters events a projection fails on so the shard
// keeps moving. Without it the shard stops on the first failure.
func WithSkipApplyErrors(enabled bool) Option {
	return func(c *daemonConfig) {
		c.skipApplyErrors = enabled
	}
}

// WithDeadLetterUnresolved records events no grouper could resolve as dead
// letters. They are dropped from the batch either way.
func WithDeadLetterUnresolved(enabled bool) Option {
	return func(c *daemonConfig) {
		c.deadLetterUnresolved = enabled
	}
}

// WithTracker shares a tracker, for example one fed by other processes.
func WithTracker(t *Tracker) Option {
	return func(c *daemonConfig) {
		c.tracker = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *daemonConfig) {
		c.logger = logger
	}
}

// WithMetrics records daemon metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *daemonConfig) {
		c.metrics = m
	}
}

// WithTelemetry records metrics and batch spans of the telemetry stack.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(c *daemonConfig) {
		c.metrics = tel.Metrics
		c.tracer = tel.Tracer()
	}
}

// ShardProgress describes one shard for monitoring.
type ShardProgress struct {
	ShardName     string
	Projection    string
	Sequence      int64
	HighWaterMark int64
	Lag           int64
	Status        AgentStatus
	LastUpdated   time.Time
	Err           error
}

// Daemon runs the async projections of one database.
type Daemon struct {
	db        store.Database
	registry  *projection.Registry
	cfg       daemonConfig
	tracker   *Tracker
	highWater *HighWaterAgent
	logger    *slog.Logger

	mu     sync.Mutex
	agents map[string]*ShardAgent // by shard name
	order  []string
}

// New creates a daemon for the async projections of registry.
// Nothing runs until StartAll or StartShard is called.
func New(db store.Database, registry *projection.Registry, opts ...Option) *Daemon {
	cfg := defaultDaemonConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.tracer == nil {
		cfg.tracer = noop.NewTracerProvider().Tracer(observability.InstrumentationName)
	}
	if cfg.tracker == nil {
		cfg.tracker = NewTracker()
	}

	logger := cfg.logger.With("database", db.Identifier())
	d := &Daemon{
		db:       db,
		registry: registry,
		cfg:      cfg,
		tracker:  cfg.tracker,
		logger:   logger,
		agents:   make(map[string]*ShardAgent),
	}
	d.highWater = newHighWaterAgent(db, d.tracker, cfg.highWaterWindow, highWaterConfig{
		pollInterval:   cfg.pollInterval,
		staleThreshold: cfg.staleThreshold,
		logger:         logger.With("shard", HighWaterMarkName),
		metrics:        cfg.metrics,
	})

	for _, p := range registry.Async() {
		d.agentFor(p)
	}
	return d
}

// agentFor returns the agent of p, creating it on first use. Inline
// projections get an agent only to be rebuilt.
func (d *Daemon) agentFor(p projection.Projection) *ShardAgent {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := projection.ShardName(p)
	if agent, ok := d.agents[name]; ok {
		return agent
	}
	agent := newShardAgent(p, d.db, d.tracker, d.currentHighWater, agentConfig{
		batchSize:            d.cfg.batchSize,
		pollInterval:         d.cfg.pollInterval,
		retryLimit:           d.cfg.retryLimit,
		retryBackoff:         d.cfg.retryBackoff,
		skipApplyErrors:      d.cfg.skipApplyErrors,
		deadLetterUnresolved: d.cfg.deadLetterUnresolved,
		logger:               d.logger,
		metrics:              d.cfg.metrics,
		tracer:               d.cfg.tracer,
	})
	d.agents[name] = agent
	d.order = append(d.order, name)
	return agent
}

func (d *Daemon) currentHighWater(ctx context.Context) (int64, error) {
	mark, err := d.highWater.CheckNow(ctx)
	if err != nil {
		return 0, err
	}
	return mark.CurrentMark, nil
}

// Identifier names the daemon's database.
func (d *Daemon) Identifier() string { return d.db.Identifier() }

// Database returns the database the daemon projects.
func (d *Daemon) Database() store.Database { return d.db }

// Tracker returns the progress tracker.
func (d *Daemon) Tracker() *Tracker { return d.tracker }

// HighWater returns the high-water agent.
func (d *Daemon) HighWater() *HighWaterAgent { return d.highWater }

// Agent returns the agent of a shard or projection name.
func (d *Daemon) Agent(name string) (*ShardAgent, error) {
	d.mu.Lock()
	agent, ok := d.agents[name]
	d.mu.Unlock()
	if ok {
		return agent, nil
	}
	if p, ok := d.registry.Get(name); ok && p.Lifecycle() == projection.Async {
		return d.agentFor(p), nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrShardNotFound)
}

// Agents returns the async agents in registration order.
func (d *Daemon) Agents() []*ShardAgent {
	d.mu.Lock()
	defer d.mu.Unlock()

	agents := make([]*ShardAgent, 0, len(d.order))
	for _, name := range d.order {
		agent := d.agents[name]
		if agent.projection.Lifecycle() == projection.Async {
			agents = append(agents, agent)
		}
	}
	return agents
}

// StartAll starts the high-water agent and then every async shard, one at
// a time. If a shard fails to start, everything started is stopped again.
func (d *Daemon) StartAll(ctx context.Context) error {
	if !d.highWater.Running() {
		if err := d.highWater.Start(ctx); err != nil {
			return fmt.Errorf("starting high-water agent: %w", err)
		}
	}

	for _, agent := range d.Agents() {
		if agent.Status().running() {
			continue
		}
		if err := agent.Start(ctx); err != nil {
			return errors.Join(err, d.StopAll(context.WithoutCancel(ctx)))
		}
	}

	d.logger.Info("daemon started", "shards", len(d.Agents()))
	return nil
}

// StopAll stops every shard and then the high-water agent.
func (d *Daemon) StopAll(ctx context.Context) error {
	agents := d.Agents()
	slices.Reverse(agents)

	var errs []error
	for _, agent := range agents {
		if err := agent.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", agent.Name(), err))
		}
	}
	if err := d.highWater.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping high-water agent: %w", err))
	}

	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}

// StartShard starts one shard by shard or projection name. The high-water
// agent is started when needed.
func (d *Daemon) StartShard(ctx context.Context, name string) error {
	agent, err := d.Agent(name)
	if err != nil {
		return err
	}
	if !d.highWater.Running() {
		if err := d.highWater.Start(ctx); err != nil {
			return fmt.Errorf("starting high-water agent: %w", err)
		}
	}
	return agent.Start(ctx)
}

// StopShard stops one shard.
func (d *Daemon) StopShard(ctx context.Context, name string) error {
	agent, err := d.Agent(name)
	if err != nil {
		return err
	}
	return agent.Stop(ctx)
}

// PauseShard pauses one shard.
func (d *Daemon) PauseShard(ctx context.Context, name string) error {
	agent, err := d.Agent(name)
	if err != nil {
		return err
	}
	return agent.Pause(ctx)
}

// ResumeShard resumes a paused shard.
func (d *Daemon) ResumeShard(ctx context.Context, name string) error {
	agent, err := d.Agent(name)
	if err != nil {
		return err
	}
	return agent.Resume(ctx)
}

// RebuildProjection rebuilds a projection by name. Inline projections can be
// rebuilt as well; their agent never starts polling.
func (d *Daemon) RebuildProjection(ctx context.Context, name string) error {
	p, ok := d.registry.Get(name)
	if !ok {
		agent, err := d.Agent(name)
		if err != nil {
			return err
		}
		p = agent.Projection()
	}
	return d.agentFor(p).Rebuild(ctx)
}

// WaitForShardState waits until a shard reaches sequence.
func (d *Daemon) WaitForShardState(ctx context.Context, name string, sequence int64, timeout time.Duration) error {
	shard := name
	if name != HighWaterMarkName {
		agent, err := d.Agent(name)
		if err != nil {
			return err
		}
		shard = agent.Name()
	}
	return d.tracker.WaitForShardState(ctx, shard, sequence, timeout)
}

// WaitForNonStaleData waits until every async shard has processed the
// highest sequence assigned at the time of the call.
func (d *Daemon) WaitForNonStaleData(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	target, err := d.db.HighestSequence(ctx)
	if err != nil {
		return fmt.Errorf("reading highest sequence: %w", err)
	}
	if target == 0 {
		return nil
	}

	if d.highWater.Running() {
		d.highWater.Nudge()
	} else if _, err := d.highWater.CheckNow(ctx); err != nil {
		return err
	}

	for _, agent := range d.Agents() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			current, _ := d.tracker.Current(agent.Name())
			return &TimeoutError{Shard: agent.Name(), Target: target, Current: current, Timeout: timeout}
		}
		if err := d.tracker.WaitForShardState(ctx, agent.Name(), target, remaining); err != nil {
			var timeoutErr *TimeoutError
			if errors.As(err, &timeoutErr) {
				timeoutErr.Timeout = timeout
			}
			return err
		}
	}
	return nil
}

// Progress reports the persisted position of every async shard.
func (d *Daemon) Progress(ctx context.Context) ([]ShardProgress, error) {
	states, err := d.db.AllShardStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading shard states: %w", err)
	}
	byName := make(map[string]store.ShardState, len(states))
	for _, s := range states {
		byName[s.ShardName] = s
	}

	highWater := byName[HighWaterMarkName].Sequence
	agents := d.Agents()
	progress := make([]ShardProgress, 0, len(agents))
	for _, agent := range agents {
		state := byName[agent.Name()]
		progress = append(progress, ShardProgress{
			ShardName:     agent.Name(),
			Projection:    agent.Projection().Name(),
			Sequence:      state.Sequence,
			HighWaterMark: highWater,
			Lag:           max(highWater-state.Sequence, 0),
			Status:        agent.Status(),
			LastUpdated:   state.LastUpdated,
			Err:           agent.Err(),
		})
	}
	return progress, nil
}

// Statuses returns the state of every async agent.
func (d *Daemon) Statuses() map[string]AgentStatus {
	statuses := make(map[string]AgentStatus)
	for _, agent := range d.Agents() {
		statuses[agent.Name()] = agent.Status()
	}
	return statuses
}
