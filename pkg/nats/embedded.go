package nats

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs a NATS server in-process, for single-node
// deployments and tests.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// EmbeddedOption configures an embedded server.
type EmbeddedOption func(*server.Options)

// WithServerPort listens on port instead of a random one.
func WithServerPort(port int) EmbeddedOption {
	return func(o *server.Options) { o.Port = port }
}

// WithServerToken requires token authentication.
func WithServerToken(token string) EmbeddedOption {
	return func(o *server.Options) { o.Authorization = token }
}

// WithServerUser requires user/password authentication.
func WithServerUser(user, password string) EmbeddedOption {
	return func(o *server.Options) {
		o.Username = user
		o.Password = password
	}
}

// WithServerNKey admits the user with the given public nkey.
func WithServerNKey(publicKey string) EmbeddedOption {
	return func(o *server.Options) {
		o.Nkeys = append(o.Nkeys, &server.NkeyUser{Nkey: publicKey})
	}
}

// StartEmbeddedServer starts a server on 127.0.0.1 and waits until it
// accepts connections.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	options := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}
	for _, opt := range opts {
		opt(options)
	}

	s, err := server.NewServer(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, errors.New("embedded NATS server not ready")
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server, waiting at most five seconds.
// Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("embedded NATS server shutdown timed out", "url", e.url)
		}
	})
}
