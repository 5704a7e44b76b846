package adapters

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"

	"github.com/campusops/syncengine/internal/schema"
)

// Result captures the outcome of one adapter call within a fan-out.
type Result struct {
	Service  string
	Duration time.Duration
	Err      error
}

// SyncError aggregates per-adapter failures from a single fan-out pass.
type SyncError struct {
	Operation      schema.OperationType
	EntityType     string
	EntityID       string
	FailedServices []string
	Errors         []error
}

// Error returns a descriptive summary naming the failing services.
func (e *SyncError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{"sync fan-out"}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Operation))
	}
	if e.EntityType != "" {
		parts = append(parts, fmt.Sprintf("entity_type=%s", e.EntityType))
	}
	if e.EntityID != "" {
		parts = append(parts, fmt.Sprintf("entity_id=%s", e.EntityID))
	}
	if len(e.FailedServices) > 0 {
		parts = append(parts, fmt.Sprintf("failed_services=%v", e.FailedServices))
	}
	for _, err := range e.Errors {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying adapter errors for errors.Is/As compatibility.
func (e *SyncError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return append([]error(nil), e.Errors...)
}

// Fanout invokes the same sync operation against every registered adapter.
// Each adapter call is isolated: one adapter's failure never prevents the
// others from being attempted.
type Fanout struct {
	registry   *Registry
	maxWorkers int
}

// NewFanout constructs a fan-out executor over the adapter registry.
func NewFanout(registry *Registry, maxWorkers int) *Fanout {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Fanout{registry: registry, maxWorkers: maxWorkers}
}

// Targets returns the service names the next fan-out will address.
func (f *Fanout) Targets() []string {
	return f.registry.Names()
}

// Sync runs the operation against all adapters concurrently and returns the
// per-adapter result list plus an aggregate *SyncError when any call failed.
func (f *Fanout) Sync(ctx context.Context, op schema.OperationType, entityType, entityID string, payload json.RawMessage) ([]Result, error) {
	targets := f.registry.All()
	results := make([]Result, len(targets))
	if len(targets) == 0 {
		return results, nil
	}
	workerLimit := f.maxWorkers
	if workerLimit > len(targets) {
		workerLimit = len(targets)
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(workerLimit)
	for idx, adapter := range targets {
		i, target := idx, adapter
		p.Go(func() {
			start := time.Now()
			err := invoke(ctx, target, op, entityType, entityID, payload)
			mu.Lock()
			results[i] = Result{Service: target.Name(), Duration: time.Since(start), Err: err}
			mu.Unlock()
		})
	}
	p.Wait()

	var failedServices []string
	var failures []error
	for _, res := range results {
		if res.Err != nil {
			failedServices = append(failedServices, res.Service)
			failures = append(failures, fmt.Errorf("%s: %w", res.Service, res.Err))
		}
	}
	if len(failures) == 0 {
		return results, nil
	}
	return results, &SyncError{
		Operation:      op,
		EntityType:     entityType,
		EntityID:       entityID,
		FailedServices: failedServices,
		Errors:         failures,
	}
}

func invoke(ctx context.Context, adapter ServiceAdapter, op schema.OperationType, entityType, entityID string, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter %s panic: %v", adapter.Name(), r)
		}
	}()
	switch op {
	case schema.OperationCreated:
		return adapter.SyncCreate(ctx, entityType, entityID, payload)
	case schema.OperationUpdated:
		return adapter.SyncUpdate(ctx, entityType, entityID, payload)
	case schema.OperationDeleted:
		return adapter.SyncDelete(ctx, entityType, entityID, payload)
	default:
		return fmt.Errorf("unsupported sync operation %q", op)
	}
}
