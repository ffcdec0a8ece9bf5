package projection

import (
	"errors"
	"fmt"
	"slices"
)

// Registry is the immutable set of projections known to a store and its daemon.
// Build a new registry to reconfigure.
type Registry struct {
	all    []Projection
	byName map[string]Projection
}

// NewRegistry validates and indexes projections. Names must be unique.
func NewRegistry(projections ...Projection) (*Registry, error) {
	r := &Registry{byName: make(map[string]Projection, len(projections))}

	var errs []error
	for _, p := range projections {
		if p == nil {
			errs = append(errs, errors.New("nil projection"))
			continue
		}
		if v, ok := p.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if _, dup := r.byName[p.Name()]; dup {
			errs = append(errs, fmt.Errorf("duplicate projection name %q", p.Name()))
			continue
		}
		r.byName[p.Name()] = p
		r.all = append(r.all, p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error.
func MustRegistry(projections ...Projection) *Registry {
	r, err := NewRegistry(projections...)
	if err != nil {
		panic(err)
	}
	return r
}

// All returns every projection in registration order.
func (r *Registry) All() []Projection { return slices.Clone(r.all) }

// Async returns the projections run by the daemon.
func (r *Registry) Async() []Projection { return r.filter(Async) }

// Inline returns the projections applied on append.
func (r *Registry) Inline() []Projection { return r.filter(Inline) }

// Get looks up a projection by name.
func (r *Registry) Get(name string) (Projection, bool) {
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) filter(l Lifecycle) []Projection {
	var out []Projection
	for _, p := range r.all {
		if p.Lifecycle() == l {
			out = append(out, p)
		}
	}
	return out
}
