package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/plaenen/eventdaemon/pkg/domain"
	"github.com/plaenen/eventdaemon/pkg/store"
)

// EventHandler handles one event of an EventProjection.
type EventHandler func(ctx context.Context, ops *Operations, event *domain.Event) error

// EventProjection runs a handler per event and lets it write any documents
// through Operations. It suits lookup tables and flat read models that do not
// fold a stream into a single document.
type EventProjection struct {
	name     string
	cfg      config
	docTypes []string
	types    documentTypes
	handlers map[string]EventHandler
	order    []string
	errs     []error
}

var _ Projection = (*EventProjection)(nil)

// NewEventProjection creates an event projection writing the given document types.
func NewEventProjection(name string, docTypes []string, opts ...Option) *EventProjection {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &EventProjection{
		name:     name,
		cfg:      cfg,
		docTypes: docTypes,
		types:    newDocumentTypes(cfg.version, docTypes...),
		handlers: make(map[string]EventHandler),
	}
	if name == "" {
		p.errs = append(p.errs, errors.New("projection name is required"))
	}
	return p
}

// On registers a raw handler for an event type.
func (p *EventProjection) On(eventType string, h EventHandler) *EventProjection {
	if _, exists := p.handlers[eventType]; exists {
		p.errs = append(p.errs, fmt.Errorf("projection %s: duplicate handler for %s", p.name, eventType))
		return p
	}
	p.handlers[eventType] = h
	p.order = append(p.order, eventType)
	return p
}

// Project registers a typed handler for events of type E.
func Project[E any](p *EventProjection, fn func(ctx context.Context, ops *Operations, payload E, event *domain.Event) error) *EventProjection {
	eventType, err := eventTypeOf[E]()
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("projection %s: %w", p.name, err))
		return p
	}
	return p.On(eventType, func(ctx context.Context, ops *Operations, e *domain.Event) error {
		payload, err := decodeFor[E](e)
		if err != nil {
			return err
		}
		return fn(ctx, ops, payload, e)
	})
}

func (p *EventProjection) Name() string         { return p.name }
func (p *EventProjection) Version() int         { return p.cfg.version }
func (p *EventProjection) Lifecycle() Lifecycle { return p.cfg.lifecycle }
func (p *EventProjection) EventTypes() []string { return slices.Clone(p.order) }

// DocumentTypes returns the stored types of the projection's version.
func (p *EventProjection) DocumentTypes() []string {
	out := make([]string, len(p.docTypes))
	for i, docType := range p.docTypes {
		out[i] = p.types.of(docType)
	}
	return out
}

// Validate reports configuration errors collected while building.
func (p *EventProjection) Validate() error {
	errs := slices.Clone(p.errs)
	if len(p.handlers) == 0 {
		errs = append(errs, fmt.Errorf("projection %s: no handlers registered", p.name))
	}
	return errors.Join(errs...)
}

// Slice puts each tenant's events in one slice, preserving sequence order.
func (p *EventProjection) Slice(_ context.Context, _ store.DocumentReader, events []*domain.Event) (*SliceGroup, error) {
	group := NewSliceGroup()
	for _, e := range events {
		if _, ok := p.handlers[e.EventType]; ok {
			group.AddEvent(p.cfg.tenantOf(e), "", e)
		}
	}
	group.normalize()
	return group, nil
}

// Apply runs the handler of every event. Writes of a handler are only
// flushed when it returns without error.
func (p *EventProjection) Apply(ctx context.Context, session store.DocumentSession, group *SliceGroup, onFailure FailureHandler) error {
	for _, slice := range group.Slices {
		for _, e := range slice.Events {
			ops := &Operations{session: session, tenantID: slice.TenantID, types: p.types}
			err := p.invoke(ctx, ops, e)
			if err == nil {
				err = ops.check(ctx)
			}
			if err == nil {
				err = ops.flush(ctx)
				if err != nil {
					return err
				}
				continue
			}

			applyErr := &ApplyError{Projection: p.name, Event: e, Err: err}
			if onFailure == nil {
				return applyErr
			}
			if err := onFailure(e, applyErr); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *EventProjection) invoke(ctx context.Context, ops *Operations, e *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handlers[e.EventType](ctx, ops, e)
}

type opKind int

const (
	opStore opKind = iota
	opDelete
	opPatch
)

type pendingOp struct {
	kind    opKind
	docType string
	id      string
	data    []byte
	path    string
	value   any
}

// Operations buffers the document writes of one event handler for the
// event's tenant.
type Operations struct {
	session  store.DocumentSession
	tenantID string
	types    documentTypes
	pending  []pendingOp
}

// TenantID returns the tenant the handler writes to.
func (o *Operations) TenantID() string { return o.tenantID }

// Reader gives read access to committed and already flushed documents of
// the projection's version.
func (o *Operations) Reader() store.DocumentReader { return o.types.reader(o.session) }

// Store upserts doc under id. The document type is taken from doc.
func (o *Operations) Store(id string, doc any) error {
	docType := o.types.of(store.DocumentTypeOf(doc))
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", docType, id, err)
	}
	o.pending = append(o.pending, pendingOp{kind: opStore, docType: docType, id: id, data: data})
	return nil
}

// Delete removes a document.
func (o *Operations) Delete(docType, id string) {
	o.pending = append(o.pending, pendingOp{kind: opDelete, docType: o.types.of(docType), id: id})
}

// Patch sets a JSON path of an existing document.
func (o *Operations) Patch(docType, id, path string, value any) {
	o.pending = append(o.pending, pendingOp{kind: opPatch, docType: o.types.of(docType), id: id, path: path, value: value})
}

// check verifies that every patch targets a document that exists at that
// point of the buffered writes, so flush only fails on storage errors.
func (o *Operations) check(ctx context.Context) error {
	type docKey struct{ docType, id string }
	exists := make(map[docKey]bool)
	for _, op := range o.pending {
		key := docKey{op.docType, op.id}
		switch op.kind {
		case opStore:
			exists[key] = true
		case opDelete:
			exists[key] = false
		case opPatch:
			found, known := exists[key]
			if !known {
				_, err := o.session.LoadDocument(ctx, op.docType, o.tenantID, op.id)
				switch {
				case errors.Is(err, store.ErrNotFound):
					found = false
				case err != nil:
					return err
				default:
					found = true
				}
				exists[key] = found
			}
			if !found {
				return fmt.Errorf("patching %s %s: %w", op.docType, op.id, store.ErrNotFound)
			}
		}
	}
	return nil
}

func (o *Operations) flush(ctx context.Context) error {
	for _, op := range o.pending {
		var err error
		switch op.kind {
		case opStore:
			err = o.session.StoreDocument(ctx, op.docType, o.tenantID, op.id, op.data)
		case opDelete:
			err = o.session.DeleteDocument(ctx, op.docType, o.tenantID, op.id)
		case opPatch:
			err = o.session.PatchDocument(ctx, op.docType, o.tenantID, op.id, op.path, op.value)
		}
		if err != nil {
			return err
		}
	}
	o.pending = nil
	return nil
}
