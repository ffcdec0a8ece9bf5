package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// IdentityFunc resolves the document identity of an event.
type IdentityFunc func(e *domain.Event) (string, error)

// IdentitiesFunc resolves every document an event contributes to.
type IdentitiesFunc func(e *domain.Event) ([]string, error)

type customGrouper struct {
	grouper    Grouper
	eventTypes []string
}

// Aggregation builds one document of type D per identity by folding the
// events of its slice through registered handlers.
//
// Single-stream aggregations use the stream id as identity. Multi-stream
// aggregations resolve identity per event type through Identity, Identities,
// RollUpByTenant or CustomGrouping.
type Aggregation[D any] struct {
	name     string
	docType  string
	types    documentTypes
	cfg      config
	single   bool
	rollup   bool
	idents   map[string]IdentitiesFunc
	groupers []customGrouper
	handlers map[string]handler[D]
	order    []string
	setID    func(doc *D, identity string)
	logger   *slog.Logger
	errs     []error
}

var _ Projection = (*Aggregation[struct{}])(nil)

// NewSingleStream creates an aggregation with one document per stream.
func NewSingleStream[D any](name string, opts ...Option) *Aggregation[D] {
	a := newAggregation[D](name, opts)
	a.single = true
	return a
}

// NewMultiStream creates an aggregation whose identities are resolved from
// event contents.
func NewMultiStream[D any](name string, opts ...Option) *Aggregation[D] {
	return newAggregation[D](name, opts)
}

func newAggregation[D any](name string, opts []Option) *Aggregation[D] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	base := store.DocumentType[D]()
	a := &Aggregation[D]{
		name:     name,
		docType:  VersionedDocumentType(base, cfg.version),
		types:    newDocumentTypes(cfg.version, base),
		cfg:      cfg,
		idents:   make(map[string]IdentitiesFunc),
		handlers: make(map[string]handler[D]),
		logger:   slog.Default(),
	}
	if name == "" {
		a.errs = append(a.errs, errors.New("projection name is required"))
	}
	return a
}

// Identity resolves a single document identity for events of eventType.
func (a *Aggregation[D]) Identity(eventType string, fn IdentityFunc) *Aggregation[D] {
	if fn == nil {
		a.errs = append(a.errs, fmt.Errorf("identity for %q: nil function", eventType))
		return a
	}
	return a.Identities(eventType, func(e *domain.Event) ([]string, error) {
		id, err := fn(e)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	})
}

// Identities fans events of eventType out to several documents.
func (a *Aggregation[D]) Identities(eventType string, fn IdentitiesFunc) *Aggregation[D] {
	switch {
	case eventType == "":
		a.errs = append(a.errs, errors.New("identity registered without an event type"))
	case fn == nil:
		a.errs = append(a.errs, fmt.Errorf("identities for %q: nil function", eventType))
	default:
		a.idents[eventType] = fn
		a.track(eventType)
	}
	return a
}

// RollUpByTenant keeps one document per tenant, identified by the tenant id.
// Documents are stored globally.
func (a *Aggregation[D]) RollUpByTenant() *Aggregation[D] {
	a.rollup = true
	a.cfg.tenancy = Global
	return a
}

// CustomGrouping hands events of the given types to g. Without event types,
// g receives every event no other strategy resolved.
func (a *Aggregation[D]) CustomGrouping(g Grouper, eventTypes ...string) *Aggregation[D] {
	if g == nil {
		a.errs = append(a.errs, errors.New("custom grouping: nil grouper"))
		return a
	}
	a.groupers = append(a.groupers, customGrouper{grouper: g, eventTypes: eventTypes})
	for _, t := range eventTypes {
		a.track(t)
	}
	return a
}

// WithIdentitySetter assigns the slice identity to documents the aggregation creates.
func (a *Aggregation[D]) WithIdentitySetter(fn func(doc *D, identity string)) *Aggregation[D] {
	a.setID = fn
	return a
}

// WithLogger sets the logger used to report unresolved events.
func (a *Aggregation[D]) WithLogger(logger *slog.Logger) *Aggregation[D] {
	a.logger = logger
	return a
}

func (a *Aggregation[D]) track(eventType string) {
	if !slices.Contains(a.order, eventType) {
		a.order = append(a.order, eventType)
	}
}

func (a *Aggregation[D]) register(eventType string, h handler[D]) {
	if eventType == "" {
		a.errs = append(a.errs, fmt.Errorf("projection %s: handler registered for an event without a type", a.name))
		return
	}
	if _, exists := a.handlers[eventType]; exists {
		a.errs = append(a.errs, fmt.Errorf("projection %s: duplicate handler for %s", a.name, eventType))
		return
	}
	a.handlers[eventType] = h
	a.track(eventType)
}

// Name returns the projection name.
func (a *Aggregation[D]) Name() string { return a.name }

// Version returns the projection version.
func (a *Aggregation[D]) Version() int { return a.cfg.version }

// Lifecycle returns when the projection runs.
func (a *Aggregation[D]) Lifecycle() Lifecycle { return a.cfg.lifecycle }

// DocumentTypes returns the single document type the aggregation writes,
// suffixed by VersionedDocumentType above version 1.
func (a *Aggregation[D]) DocumentTypes() []string { return []string{a.docType} }

// EventTypes returns every event type with a handler or identity strategy.
// A custom grouper without declared types widens the filter to all events.
func (a *Aggregation[D]) EventTypes() []string {
	for _, g := range a.groupers {
		if len(g.eventTypes) == 0 {
			return nil
		}
	}
	return slices.Clone(a.order)
}

// Validate reports configuration errors collected while building.
func (a *Aggregation[D]) Validate() error {
	errs := slices.Clone(a.errs)
	if len(a.handlers) == 0 {
		errs = append(errs, fmt.Errorf("projection %s: no handlers registered", a.name))
	}
	return errors.Join(errs...)
}

// Slice groups events by document identity.
func (a *Aggregation[D]) Slice(ctx context.Context, reader store.DocumentReader, events []*domain.Event) (*SliceGroup, error) {
	group := NewSliceGroup()
	custom := make([][]*domain.Event, len(a.groupers))
	var leftovers []*domain.Event

	for _, e := range events {
		tenant := a.cfg.tenantOf(e)

		if a.rollup {
			group.AddEvent(tenant, e.Tenant(), e)
			continue
		}

		if fn, ok := a.idents[e.EventType]; ok {
			ids, err := fn(e)
			if err != nil {
				return nil, fmt.Errorf("resolving identity of %s: %w", e, err)
			}
			for _, id := range ids {
				group.AddEvent(tenant, id, e)
			}
			if len(ids) == 0 {
				group.Unresolved = append(group.Unresolved, e)
			}
			continue
		}

		if i := a.grouperFor(e.EventType); i >= 0 {
			custom[i] = append(custom[i], e)
			continue
		}

		if a.single {
			group.AddEvent(tenant, e.StreamIdentifier(), e)
			continue
		}

		leftovers = append(leftovers, e)
	}

	for i, g := range a.groupers {
		batch := custom[i]
		if len(g.eventTypes) == 0 {
			batch = append(batch, leftovers...)
			leftovers = nil
		}
		if len(batch) == 0 {
			continue
		}
		grouping := newGrouping(group, a.cfg)
		if err := g.grouper.Group(ctx, a.types.reader(reader), batch, grouping); err != nil {
			return nil, fmt.Errorf("custom grouping: %w", err)
		}
		group.Unresolved = append(group.Unresolved, grouping.unresolved(batch)...)
	}
	for _, e := range leftovers {
		if _, handled := a.handlers[e.EventType]; handled {
			group.Unresolved = append(group.Unresolved, e)
		}
	}

	group.normalize()
	if n := len(group.Unresolved); n > 0 {
		a.logger.WarnContext(ctx, "events without a resolvable identity were dropped",
			"projection", a.name, "count", n, "first_sequence", group.Unresolved[0].Sequence)
	}
	return group, nil
}

// grouperFor returns the index of the grouper that declared eventType, or -1.
func (a *Aggregation[D]) grouperFor(eventType string) int {
	for i, g := range a.groupers {
		if slices.Contains(g.eventTypes, eventType) {
			return i
		}
	}
	return -1
}

// Apply folds every slice into its document and writes the result.
func (a *Aggregation[D]) Apply(ctx context.Context, session store.DocumentSession, group *SliceGroup, onFailure FailureHandler) error {
	for _, slice := range group.Slices {
		if err := a.applySlice(ctx, session, slice, onFailure); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregation[D]) applySlice(ctx context.Context, session store.DocumentSession, slice *EventSlice, onFailure FailureHandler) error {
	doc, err := a.load(ctx, session, slice)
	if err != nil {
		return err
	}
	slice.IsNew = doc == nil

	for _, e := range slice.Events {
		h, ok := a.handlers[e.EventType]
		if !ok {
			continue
		}

		before, err := snapshot(doc)
		if err != nil {
			return err
		}

		next, err := a.invoke(ctx, h, doc, slice, e)
		if err == nil {
			doc = next
			continue
		}

		applyErr := &ApplyError{Projection: a.name, Identity: slice.Identity, Event: e, Err: err}
		if onFailure == nil {
			return applyErr
		}
		if err := onFailure(e, applyErr); err != nil {
			return err
		}
		if doc, err = restore[D](before); err != nil {
			return err
		}
	}

	switch {
	case doc != nil:
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", a.docType, slice.Identity, err)
		}
		return session.StoreDocument(ctx, a.docType, slice.TenantID, slice.Identity, data)
	case !slice.IsNew:
		return session.DeleteDocument(ctx, a.docType, slice.TenantID, slice.Identity)
	default:
		return nil
	}
}

func (a *Aggregation[D]) load(ctx context.Context, session store.DocumentSession, slice *EventSlice) (*D, error) {
	data, err := session.LoadDocument(ctx, a.docType, slice.TenantID, slice.Identity)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc := new(D)
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", a.docType, slice.Identity, err)
	}
	return doc, nil
}

// invoke runs one handler and returns the resulting document, nil when deleted.
// A panicking handler is reported as an error.
func (a *Aggregation[D]) invoke(ctx context.Context, h handler[D], doc *D, slice *EventSlice, e *domain.Event) (next *D, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch {
	case h.create != nil:
		if doc != nil {
			return doc, nil
		}
		created, err := h.create(ctx, e)
		if err != nil || created == nil {
			return nil, err
		}
		if a.setID != nil {
			a.setID(created, slice.Identity)
		}
		return created, nil

	case h.apply != nil:
		if doc == nil {
			doc = new(D)
			if a.setID != nil {
				a.setID(doc, slice.Identity)
			}
		}
		if err := h.apply(ctx, doc, e); err != nil {
			return nil, err
		}
		return doc, nil

	case h.shouldDelete != nil:
		if doc == nil {
			return nil, nil
		}
		remove, err := h.shouldDelete(ctx, doc, e)
		if err != nil {
			return nil, err
		}
		if remove {
			return nil, nil
		}
		return doc, nil
	}
	return doc, nil
}

func snapshot[D any](doc *D) ([]byte, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("snapshotting document: %w", err)
	}
	return data, nil
}

func restore[D any](data []byte) (*D, error) {
	if data == nil {
		return nil, nil
	}
	doc := new(D)
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("restoring document: %w", err)
	}
	return doc, nil
}
