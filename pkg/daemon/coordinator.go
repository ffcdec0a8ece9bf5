package daemon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/plaenen/eventdaemon/pkg/runner"
)

var _ runner.HealthChecker = (*Coordinator)(nil)

// Coordinator runs the daemons of several databases, one per tenant
// database. Every projection becomes one shard per database.
type Coordinator struct {
	daemons []*Daemon
	byID    map[string]*Daemon
}

// NewCoordinator groups daemons. Database identifiers must be unique.
func NewCoordinator(daemons ...*Daemon) (*Coordinator, error) {
	c := &Coordinator{byID: make(map[string]*Daemon, len(daemons))}
	for _, d := range daemons {
		id := d.Identifier()
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("duplicate database identifier %q", id)
		}
		c.byID[id] = d
		c.daemons = append(c.daemons, d)
	}
	return c, nil
}

// Daemon returns the daemon of a database.
func (c *Coordinator) Daemon(database string) (*Daemon, bool) {
	d, ok := c.byID[database]
	return d, ok
}

// Daemons returns all daemons in registration order.
func (c *Coordinator) Daemons() []*Daemon {
	return slices.Clone(c.daemons)
}

func (c *Coordinator) Name() string { return "eventdaemon-coordinator" }

// Start implements runner.Service.
func (c *Coordinator) Start(ctx context.Context) error { return c.StartAll(ctx) }

// Stop implements runner.Service.
func (c *Coordinator) Stop(ctx context.Context) error { return c.StopAll(ctx) }

// StartAll starts the daemons one database at a time. When one fails, the
// ones already started are stopped.
func (c *Coordinator) StartAll(ctx context.Context) error {
	for i, d := range c.daemons {
		if err := d.StartAll(ctx); err != nil {
			stopErr := c.stop(context.WithoutCancel(ctx), c.daemons[:i])
			return errors.Join(fmt.Errorf("starting %s: %w", d.Identifier(), err), stopErr)
		}
	}
	return nil
}

// StopAll stops every daemon.
func (c *Coordinator) StopAll(ctx context.Context) error {
	return c.stop(ctx, c.daemons)
}

func (c *Coordinator) stop(ctx context.Context, daemons []*Daemon) error {
	var errs []error
	for _, d := range slices.Backward(daemons) {
		if err := d.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", d.Identifier(), err))
		}
	}
	return errors.Join(errs...)
}

// RebuildProjection rebuilds a projection in every database.
func (c *Coordinator) RebuildProjection(ctx context.Context, name string) error {
	for _, d := range c.daemons {
		if err := d.RebuildProjection(ctx, name); err != nil {
			return fmt.Errorf("database %s: %w", d.Identifier(), err)
		}
	}
	return nil
}

// WaitForNonStaleData waits for every database within one shared timeout.
func (c *Coordinator) WaitForNonStaleData(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, d := range c.daemons {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &TimeoutError{Shard: d.Identifier(), Timeout: timeout}
		}
		if err := d.WaitForNonStaleData(ctx, remaining); err != nil {
			return fmt.Errorf("database %s: %w", d.Identifier(), err)
		}
	}
	return nil
}

// Progress reports the shards of every database keyed by database identifier.
func (c *Coordinator) Progress(ctx context.Context) (map[string][]ShardProgress, error) {
	out := make(map[string][]ShardProgress, len(c.daemons))
	for _, d := range c.daemons {
		progress, err := d.Progress(ctx)
		if err != nil {
			return nil, fmt.Errorf("database %s: %w", d.Identifier(), err)
		}
		out[d.Identifier()] = progress
	}
	return out, nil
}

// HealthCheck fails when any daemon has an errored shard.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, d := range c.daemons {
		if err := d.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database %s: %w", d.Identifier(), err))
		}
	}
	return errors.Join(errs...)
}
