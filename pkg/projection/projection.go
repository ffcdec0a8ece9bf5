// Package projection defines how events become read-model documents: the
// projection contract, identity resolution (slicing) and apply semantics.
package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// Lifecycle selects when a projection runs.
type Lifecycle int

const (
	// Async projections are run by the daemon after events are committed.
	Async Lifecycle = iota

	// Inline projections are applied inside the append transaction.
	Inline
)

func (l Lifecycle) String() string {
	if l == Inline {
		return "inline"
	}
	return "async"
}

// Tenancy selects how documents are partitioned across tenants.
type Tenancy int

const (
	// PerTenant keeps one document per (tenant, identity).
	PerTenant Tenancy = iota

	// Global keeps one document per identity under domain.DefaultTenant.
	Global
)

// Projection turns batches of events into document writes.
type Projection interface {
	Name() string
	Version() int
	Lifecycle() Lifecycle

	// EventTypes are the types fetched for this projection. Empty means all.
	EventTypes() []string

	// DocumentTypes are torn down when the projection is rebuilt.
	DocumentTypes() []string

	// Slice groups events by document identity. It may read existing documents
	// but must not write.
	Slice(ctx context.Context, reader store.DocumentReader, events []*domain.Event) (*SliceGroup, error)

	// Apply writes the documents for every slice of the group.
	// onFailure decides what happens when a handler fails on an event: a nil
	// return skips the event, an error aborts Apply. A nil onFailure aborts on
	// the first failure.
	Apply(ctx context.Context, session store.DocumentSession, group *SliceGroup, onFailure FailureHandler) error
}

// FailureHandler is consulted when a projection fails on a single event.
type FailureHandler func(event *domain.Event, err *ApplyError) error

// ErrApply matches every *ApplyError.
var ErrApply = errors.New("projection apply failed")

// ApplyError reports a handler failure on one event.
type ApplyError struct {
	Projection string
	Identity   string
	Event      *domain.Event
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("projection %s failed on %s (identity %q): %v", e.Projection, e.Event, e.Identity, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

func (e *ApplyError) Is(target error) bool { return target == ErrApply }

// ShardName returns the progress-tracking name of a projection.
func ShardName(p Projection) string {
	if p.Version() > 1 {
		return fmt.Sprintf("%s:V%d:All", p.Name(), p.Version())
	}
	return p.Name() + ":All"
}

// ApplyInline slices and applies events within an existing transaction.
// Any failure aborts.
func ApplyInline(ctx context.Context, p Projection, session store.DocumentSession, events []*domain.Event) error {
	group, err := p.Slice(ctx, session, events)
	if err != nil {
		return fmt.Errorf("slicing: %w", err)
	}
	return p.Apply(ctx, session, group, nil)
}

// config holds options shared by all projection kinds.
type config struct {
	version   int
	lifecycle Lifecycle
	tenancy   Tenancy
}

func defaultConfig() config {
	return config{version: 1, lifecycle: Async, tenancy: PerTenant}
}

// Option configures a projection.
type Option func(*config)

// WithVersion sets the projection version. Versions above 1 get their own
// shard, so a changed projection can be rebuilt beside the old one.
func WithVersion(v int) Option {
	return func(c *config) {
		if v > 0 {
			c.version = v
		}
	}
}

// AsInline applies the projection inside the append transaction instead of the daemon.
func AsInline() Option {
	return func(c *config) {
		c.lifecycle = Inline
	}
}

// WithTenancy selects per-tenant or global documents. Defaults to PerTenant.
func WithTenancy(t Tenancy) Option {
	return func(c *config) {
		c.tenancy = t
	}
}

func (c config) tenantOf(e *domain.Event) string {
	if c.tenancy == Global {
		return domain.DefaultTenant
	}
	return e.Tenant()
}
