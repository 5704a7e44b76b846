// Package adapters fans synchronization operations out to downstream services.
package adapters

import (
	"context"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/campusops/syncengine/internal/observability"
)

// ServiceAdapter exposes the sync operations one downstream service accepts.
// Implementations are registered once at process start and treated as
// immutable for the process lifetime.
type ServiceAdapter interface {
	Name() string
	SyncCreate(ctx context.Context, entityType, entityID string, payload json.RawMessage) error
	SyncUpdate(ctx context.Context, entityType, entityID string, payload json.RawMessage) error
	SyncDelete(ctx context.Context, entityType, entityID string, payload json.RawMessage) error
}

// Registry holds the named downstream adapters used during fan-out.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ServiceAdapter
	order   []string
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]ServiceAdapter)}
}

// Register adds an adapter under its service name. Re-registering a name is a
// startup configuration error surfaced in logs; the last registration wins.
func (r *Registry) Register(adapter ServiceAdapter) {
	if adapter == nil || adapter.Name() == "" {
		return
	}
	name := adapter.Name()
	r.mu.Lock()
	if _, exists := r.entries[name]; exists {
		observability.Log().Error("adapter registration overwritten",
			observability.Field{Key: "service", Value: name})
	} else {
		r.order = append(r.order, name)
	}
	r.entries[name] = adapter
	r.mu.Unlock()
}

// All returns the registered adapters in registration order.
func (r *Registry) All() []ServiceAdapter {
	r.mu.RLock()
	out := make([]ServiceAdapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	r.mu.RUnlock()
	return out
}

// Names lists the registered service names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
