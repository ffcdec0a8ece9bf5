package projection

import (
	"context"
	"fmt"

	"github.com/plaenen/eventdaemon/pkg/domain"
)

// handler is the closure registered for one (projection, event type) pair.
// Exactly one field is set.
type handler[D any] struct {
	create       func(ctx context.Context, e *domain.Event) (*D, error)
	apply        func(ctx context.Context, doc *D, e *domain.Event) error
	shouldDelete func(ctx context.Context, doc *D, e *domain.Event) (bool, error)
}

// eventTypeOf returns the event type name of payload type E.
func eventTypeOf[E any]() (string, error) {
	var zero E
	return domain.TypeOf(any(zero))
}

func decodeFor[E any](e *domain.Event) (E, error) {
	payload, err := domain.Decode[E](e)
	if err != nil {
		return payload, fmt.Errorf("decoding payload: %w", err)
	}
	return payload, nil
}

// Create registers a handler that builds the document from an event of type E.
// It only runs when the document does not exist yet.
//
// Example:
//
//	projection.Create(accounts, func(ctx context.Context, e AccountOpened, event *domain.Event) (*Account, error) {
//	    return &Account{ID: e.AccountID, Owner: e.Owner}, nil
//	})
func Create[D, E any](a *Aggregation[D], fn func(ctx context.Context, payload E, event *domain.Event) (*D, error)) *Aggregation[D] {
	eventType, err := eventTypeOf[E]()
	if err != nil {
		a.errs = append(a.errs, fmt.Errorf("projection %s: %w", a.name, err))
		return a
	}
	a.register(eventType, handler[D]{
		create: func(ctx context.Context, e *domain.Event) (*D, error) {
			payload, err := decodeFor[E](e)
			if err != nil {
				return nil, err
			}
			return fn(ctx, payload, e)
		},
	})
	return a
}

// Apply registers a handler that mutates the document for events of type E.
// When the document does not exist a zero document is created first.
func Apply[D, E any](a *Aggregation[D], fn func(ctx context.Context, doc *D, payload E, event *domain.Event) error) *Aggregation[D] {
	eventType, err := eventTypeOf[E]()
	if err != nil {
		a.errs = append(a.errs, fmt.Errorf("projection %s: %w", a.name, err))
		return a
	}
	a.register(eventType, handler[D]{
		apply: func(ctx context.Context, doc *D, e *domain.Event) error {
			payload, err := decodeFor[E](e)
			if err != nil {
				return err
			}
			return fn(ctx, doc, payload, e)
		},
	})
	return a
}

// Delete registers event type E as deleting the document.
func Delete[D, E any](a *Aggregation[D]) *Aggregation[D] {
	return DeleteIf(a, func(context.Context, *D, E, *domain.Event) (bool, error) {
		return true, nil
	})
}

// DeleteIf registers a predicate deciding whether an event of type E deletes the document.
func DeleteIf[D, E any](a *Aggregation[D], fn func(ctx context.Context, doc *D, payload E, event *domain.Event) (bool, error)) *Aggregation[D] {
	eventType, err := eventTypeOf[E]()
	if err != nil {
		a.errs = append(a.errs, fmt.Errorf("projection %s: %w", a.name, err))
		return a
	}
	a.register(eventType, handler[D]{
		shouldDelete: func(ctx context.Context, doc *D, e *domain.Event) (bool, error) {
			payload, err := decodeFor[E](e)
			if err != nil {
				return false, err
			}
			return fn(ctx, doc, payload, e)
		},
	})
	return a
}

// IdentityOf adapts a typed identity function for Aggregation.Identity:
//
//	users.Identity(projection.IdentityOf(func(e UserRegistered) string { return e.UserID }))
func IdentityOf[E any](fn func(payload E) string) (string, IdentityFunc) {
	eventType, err := eventTypeOf[E]()
	if err != nil {
		return "", nil
	}
	return eventType, func(e *domain.Event) (string, error) {
		payload, err := decodeFor[E](e)
		if err != nil {
			return "", err
		}
		return fn(payload), nil
	}
}

// IdentitiesOf adapts a typed fan-out function for Aggregation.Identities.
func IdentitiesOf[E any](fn func(payload E) []string) (string, IdentitiesFunc) {
	eventType, err := eventTypeOf[E]()
	if err != nil {
		return "", nil
	}
	return eventType, func(e *domain.Event) ([]string, error) {
		payload, err := decodeFor[E](e)
		if err != nil {
			return nil, err
		}
		return fn(payload), nil
	}
}
