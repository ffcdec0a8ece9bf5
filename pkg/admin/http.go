package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/plaenen/eventdaemon/pkg/runner"
)

var _ runner.Service = (*HTTPService)(nil)

// HTTPService serves a handler as a runner service.
type HTTPService struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
	bound  string
	done   chan error
}

// NewHTTPService serves handler on addr, e.g. ":8089" or "127.0.0.1:0".
func NewHTTPService(addr string, handler http.Handler, logger *slog.Logger) *HTTPService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPService{addr: addr, handler: handler, logger: logger}
}

func (s *HTTPService) Name() string { return "admin-http" }

// Addr returns the bound address once started.
func (s *HTTPService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *HTTPService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("admin server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.bound = ln.Addr().String()
	s.done = make(chan error, 1)

	go func(server *http.Server, done chan<- error) {
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}(s.server, s.done)

	s.logger.Info("admin API listening", "addr", s.bound)
	return nil
}

func (s *HTTPService) Stop(ctx context.Context) error {
	s.mu.Lock()
	server, done := s.server, s.done
	s.server, s.done = nil, nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down admin API: %w", err)
	}
	return <-done
}
