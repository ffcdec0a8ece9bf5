package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/projection"
	"github.com/plaenen/eventdaemon/pkg/store"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// EventStore is a SQLite-backed event store and document database.
// It implements store.Database and provides ACID guarantees with no CGo dependencies.
type EventStore struct {
	db       *sql.DB
	config   eventStoreConfig
	logger   *slog.Logger
	inline   []projection.Projection
	writeMu  sync.Mutex // serializes appends from this process
	subMu    sync.Mutex
	subs     map[int]chan int64
	nextSub  int
	closed   bool
	closedMu sync.RWMutex
}

var _ store.Database = (*EventStore)(nil)
var _ store.AppendNotifier = (*EventStore)(nil)

// eventStoreConfig holds internal configuration for the SQLite event store.
type eventStoreConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// identifier names the database in shard names and logs
	identifier string

	// maxOpenConns sets the maximum number of open connections
	maxOpenConns int

	// maxIdleConns sets the maximum number of idle connections
	maxIdleConns int

	// busyTimeout is how long a connection waits on a locked database
	busyTimeout time.Duration

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool

	// streamIdentity selects UUID or string stream ids
	streamIdentity domain.StreamIdentity

	// registry provides the inline projections applied on append
	registry *projection.Registry

	logger *slog.Logger
}

// defaultEventStoreConfig returns sensible defaults.
func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:            "eventstore.db",
		identifier:     "main",
		maxOpenConns:   25,
		maxIdleConns:   5,
		busyTimeout:    5 * time.Second,
		walMode:        true,
		autoMigrate:    true,
		streamIdentity: domain.AsGuid,
	}
}

// EventStoreOption is a function that configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithIdentifier names the database. Defaults to "main".
func WithIdentifier(id string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.identifier = id
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithBusyTimeout sets how long writers wait for a locked database file.
func WithBusyTimeout(d time.Duration) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.busyTimeout = d
	}
}

// WithWALMode enables write-ahead logging for better concurrency.
// This is recommended for production use but not available for :memory: databases.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate enables automatic migration on startup.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// WithStreamIdentity selects whether streams are identified by UUID or string.
func WithStreamIdentity(identity domain.StreamIdentity) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.streamIdentity = identity
	}
}

// WithInlineProjections applies the registry's inline projections inside
// every append transaction.
func WithInlineProjections(registry *projection.Registry) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.registry = registry
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.logger = logger
	}
}

// NewEventStore creates a new SQLite event store with the given options.
//
// Example usage:
//
//	// In-memory database for testing
//	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
//
//	// File database with string stream keys and inline projections
//	es, err := sqlite.NewEventStore(
//	    sqlite.WithDSN("/var/lib/app/events.db"),
//	    sqlite.WithStreamIdentity(domain.AsString),
//	    sqlite.WithInlineProjections(registry),
//	)
func NewEventStore(opts ...EventStoreOption) (*EventStore, error) {
	config := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.logger == nil {
		config.logger = slog.Default()
	}

	memory := config.dsn == ":memory:"
	dsn := config.dsn
	if !memory {
		dsn = withPragmas(dsn, config.busyTimeout)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// For :memory: databases, we need to ensure we use a single connection
	// Otherwise each connection gets its own isolated in-memory database
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &EventStore{
		db:     db,
		config: config,
		logger: config.logger.With("database", config.identifier),
		subs:   make(map[int]chan int64),
	}
	if config.registry != nil {
		s.inline = config.registry.Inline()
	}

	if config.walMode && !memory {
		if err := s.setWALMode(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if config.autoMigrate {
		if err := runMigrations(context.Background(), db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return s, nil
}

// withPragmas adds per-connection pragmas understood by modernc.org/sqlite.
func withPragmas(dsn string, busyTimeout time.Duration) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_txlock=immediate",
		dsn, sep, busyTimeout.Milliseconds())
}

// setWALMode configures the database for WAL mode.
func (s *EventStore) setWALMode() error {
	_, err := s.db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`)
	return err
}

// Identifier names this database.
func (s *EventStore) Identifier() string {
	return s.config.identifier
}

// StreamIdentity returns how this store identifies streams.
func (s *EventStore) StreamIdentity() domain.StreamIdentity {
	return s.config.streamIdentity
}

// DB exposes the underlying database handle for custom read models.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Close closes the database and all append subscriptions.
func (s *EventStore) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()

	return s.db.Close()
}

// SubscribeAppends implements store.AppendNotifier. The channel holds at most
// one pending value; a slow reader only sees the latest sequence.
func (s *EventStore) SubscribeAppends() (<-chan int64, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan int64, 1)
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *EventStore) notifyAppended(highest int64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- highest:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- highest
		}
	}
}
