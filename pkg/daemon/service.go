package daemon

import (
	"context"
	"errors"

	"github.com/plaenen/eventdaemon/pkg/runner"
)

var _ runner.HealthChecker = (*Daemon)(nil)

// Name implements runner.Service.
func (d *Daemon) Name() string {
	return "eventdaemon:" + d.db.Identifier()
}

// Start implements runner.Service by starting every shard.
func (d *Daemon) Start(ctx context.Context) error {
	return d.StartAll(ctx)
}

// Stop implements runner.Service by stopping every shard.
func (d *Daemon) Stop(ctx context.Context) error {
	return d.StopAll(ctx)
}

// HealthCheck fails when a shard stopped on an error.
func (d *Daemon) HealthCheck(context.Context) error {
	var errs []error
	for _, agent := range d.Agents() {
		if agent.Status() == Errored {
			errs = append(errs, &ShardError{Shard: agent.Name(), Err: agent.Err()})
		}
	}
	return errors.Join(errs...)
}
