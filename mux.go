package syncq

import (
	"context"
	"fmt"
)

// Middleware wraps an Executor to provide cross-cutting concerns.
type Middleware func(Executor) Executor

// Mux routes items to executors by kind.
type Mux struct {
	handlers    map[Kind]Executor
	middlewares []Middleware
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[Kind]Executor),
		middlewares: []Middleware{},
	}
}

// Handle registers the executor for one kind. The last registration wins.
func (m *Mux) Handle(kind Kind, fn Executor) {
	m.handlers[kind] = fn
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.middlewares = append(m.middlewares, mw)
}

// Executor returns the routing executor to pass to Flush. Items of a kind with
// no handler fail with ErrNoHandler, which is not a connectivity failure.
func (m *Mux) Executor() Executor {
	return m.wrap(func(ctx context.Context, it Item) error {
		h, ok := m.handlers[it.Kind]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoHandler, it.Kind)
		}
		return h(ctx, it)
	})
}

func (m *Mux) wrap(h Executor) Executor {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}

// PayloadType is the set of concrete payload types a typed handler can take.
type PayloadType interface {
	ReportPayload | DeliveryNotePayload | PhotoNotePayload
	Payload
}

// HandleKind registers a typed handler for the kind of P.
// Items whose payload is not a P fail with ErrInvalidPayload.
func HandleKind[P PayloadType](m *Mux, fn func(ctx context.Context, it Item, p P) error) {
	var zero P
	m.Handle(zero.Kind(), func(ctx context.Context, it Item) error {
		p, ok := it.Payload.(P)
		if !ok {
			return fmt.Errorf("%w: %s item %s carries %T", ErrInvalidPayload, it.Kind, it.ID, it.Payload)
		}
		return fn(ctx, it, p)
	})
}
