// Package events provides a minimal named-event registry with exactly one
// handler per event name.
//
// Registering a handler for a name that already has one replaces it; there
// is no fan-out. Emitting an event nobody registered for is a programming
// error and is reported as [ErrNoHandler].
package events

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoHandler is returned by [Registry.Emit] when no handler was ever
// registered for the event name.
var ErrNoHandler = errors.New("no handler registered")

// Handler receives an emitted value. A returned error is passed back to the
// emitter unchanged.
type Handler[T any] func(T) error

// Registry maps event names to a single handler each.
//
// The zero value is ready to use. All methods are safe for concurrent use.
type Registry[T any] struct {
	mu       sync.RWMutex
	handlers map[string]Handler[T]
}

// NewRegistry creates an empty [Registry].
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{handlers: make(map[string]Handler[T])}
}

// On registers h as the handler for name, replacing any earlier handler.
// A nil handler removes the registration.
func (r *Registry[T]) On(name string, h Handler[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers == nil {
		r.handlers = make(map[string]Handler[T])
	}
	if h == nil {
		delete(r.handlers, name)
		return
	}
	r.handlers[name] = h
}

// Emit invokes the handler registered for name with v.
//
// The handler runs on the caller's goroutine, outside the registry lock, so
// it may itself call On or Emit.
func (r *Registry[T]) Emit(name string, v T) error {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("emit %q: %w", name, ErrNoHandler)
	}
	return h(v)
}

// Has reports whether a handler is registered for name.
func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}
