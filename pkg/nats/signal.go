package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventdaemon/pkg/daemon"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// AppendSubject is <prefix>.appends.<database>.
func AppendSubject(prefix, database string) string {
	return fmt.Sprintf("%s.appends.%s", prefix, subjectToken(database))
}

// AppendSignal announces commits of a writer process so daemons in other
// processes detect the high-water mark without waiting for their poll.
// The body is the highest sequence in decimal.
type AppendSignal struct {
	nc       *nats.Conn
	database string
	notifier store.AppendNotifier
	cfg      bridgeConfig
	logger   *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
	done        chan struct{}
}

func NewAppendSignal(nc *nats.Conn, database string, notifier store.AppendNotifier, opts ...Option) *AppendSignal {
	cfg := newBridgeConfig(opts)
	return &AppendSignal{
		nc:       nc,
		database: database,
		notifier: notifier,
		cfg:      cfg,
		logger:   cfg.logger.With("component", "append-signal", "database", database),
	}
}

func (s *AppendSignal) Name() string { return "nats-append-signal:" + s.database }

func (s *AppendSignal) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return daemon.ErrAlreadyRunning
	}

	appends, unsubscribe := s.notifier.SubscribeAppends()
	s.unsubscribe = unsubscribe
	s.done = make(chan struct{})
	go s.run(appends, s.done)
	return nil
}

func (s *AppendSignal) run(appends <-chan int64, done chan struct{}) {
	defer close(done)
	subject := AppendSubject(s.cfg.prefix, s.database)
	for highest := range appends {
		if err := s.nc.Publish(subject, strconv.AppendInt(nil, highest, 10)); err != nil {
			s.logger.Warn("announcing append failed", "sequence", highest, "error", err)
			continue
		}
		s.cfg.metrics.RecordNATSPublish(context.Background(), subject, 0, 1)
	}
}

func (s *AppendSignal) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsubscribe, done := s.unsubscribe, s.done
	s.unsubscribe, s.done = nil, nil
	s.mu.Unlock()

	if unsubscribe == nil {
		return nil
	}
	unsubscribe()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Nudger is woken by announced appends; *daemon.HighWaterAgent is one.
type Nudger interface {
	Nudge()
}

// AppendListener nudges a high-water agent whenever a writer announces
// an append to its database.
type AppendListener struct {
	nc       *nats.Conn
	database string
	target   Nudger
	cfg      bridgeConfig

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewAppendListener(nc *nats.Conn, database string, target Nudger, opts ...Option) *AppendListener {
	return &AppendListener{
		nc:       nc,
		database: database,
		target:   target,
		cfg:      newBridgeConfig(opts),
	}
}

func (l *AppendListener) Name() string { return "nats-append-listener:" + l.database }

func (l *AppendListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return daemon.ErrAlreadyRunning
	}

	subject := AppendSubject(l.cfg.prefix, l.database)
	sub, err := l.nc.Subscribe(subject, func(m *nats.Msg) {
		l.cfg.metrics.RecordNATSReceive(context.Background(), m.Subject)
		l.target.Nudge()
	})
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", subject, err)
	}
	if err := flush(ctx, l.nc); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("subscribing %s: %w", subject, err)
	}
	l.sub = sub
	return nil
}

func (l *AppendListener) Stop(context.Context) error {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
