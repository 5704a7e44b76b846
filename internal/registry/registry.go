// Package registry maps event types to their synchronization handlers.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/campusops/syncengine/internal/observability"
	"github.com/campusops/syncengine/internal/schema"
)

// Handler processes one delivered event envelope.
type Handler func(ctx context.Context, env schema.Envelope) error

// Registry tracks the handler registered for each event type. Registration
// happens during startup; lookups dominate afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Handler
}

// NewRegistry constructs an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Handler)}
}

// Register associates an event type with a handler. Overwriting an existing
// registration is a startup configuration error and is surfaced in logs;
// the last registration wins.
func (r *Registry) Register(eventType string, handler Handler) {
	if eventType == "" || handler == nil {
		return
	}
	r.mu.Lock()
	if _, exists := r.entries[eventType]; exists {
		observability.Log().Error("handler registration overwritten",
			observability.Field{Key: "event_type", Value: eventType})
	}
	r.entries[eventType] = handler
	r.mu.Unlock()
}

// Lookup returns the handler registered for the event type.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	handler, ok := r.entries[eventType]
	r.mu.RUnlock()
	return handler, ok
}

// Types lists the registered event types in stable order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	r.mu.RUnlock()
	sort.Strings(types)
	return types
}
