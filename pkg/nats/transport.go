// Package nats carries shard progress and append signals between daemon
// processes. A ProgressPublisher mirrors a daemon's tracker onto NATS, a
// ProgressFollower rebuilds it in another process so that process can
// wait for shard state without reading the database.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventdaemon/pkg/security/credentials"
)

// ConnConfig configures a NATS connection.
type ConnConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name identifies the client to the server
	Name string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// Credentials authenticate the connection (optional)
	Credentials credentials.Provider

	Logger *slog.Logger
}

// DefaultConnConfig returns reconnect settings suited to a long-running
// daemon.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		URL:           nats.DefaultURL,
		Name:          "eventdaemon",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect dials NATS with the configured credentials.
func Connect(ctx context.Context, config ConnConfig) (*nats.Conn, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("nats_url", config.URL)

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "server", nc.ConnectedUrl())
		}),
	}

	if config.Credentials != nil {
		creds, err := config.Credentials.GetCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading NATS credentials: %w", err)
		}
		credOpts, err := creds.NATSOptions()
		if err != nil {
			return nil, fmt.Errorf("NATS credentials: %w", err)
		}
		opts = append(opts, credOpts...)
		logger.Debug("connecting with credentials", "credentials", creds.String())
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// flushTimeout bounds a flush whose context carries no deadline.
const flushTimeout = 5 * time.Second

// flush round-trips to the server so earlier subscriptions and publishes are
// in effect. nats.go rejects contexts without a deadline, so one is added.
func flush(ctx context.Context, nc *nats.Conn) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return nc.FlushWithContext(ctx)
}
