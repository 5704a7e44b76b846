package history

import (
	"context"
	"time"

	"github.com/campusops/syncengine/internal/schema"
)

// NullStore satisfies the durable-store contract with no-op writes and empty
// reads. It is injected when durable history is disabled so the service never
// branches on an enabled flag.
type NullStore struct{}

// NewNullStore constructs the inert durable store.
func NewNullStore() NullStore { return NullStore{} }

// InsertBatch discards the batch.
func (NullStore) InsertBatch(context.Context, []schema.OperationLog) error { return nil }

// Query returns no rows.
func (NullStore) Query(context.Context, Filter) ([]schema.OperationLog, error) { return nil, nil }

// EntityHistory returns no rows.
func (NullStore) EntityHistory(context.Context, string, int) ([]schema.OperationLog, error) {
	return nil, nil
}

// EventHistory returns no rows.
func (NullStore) EventHistory(context.Context, string) ([]schema.OperationLog, error) {
	return nil, nil
}

// Stats returns zeroed aggregates.
func (NullStore) Stats(context.Context) (schema.OperationStats, error) {
	return schema.NewOperationStats(), nil
}

// StatsFor returns zeroed aggregates.
func (NullStore) StatsFor(context.Context, Filter) (schema.OperationStats, error) {
	return schema.NewOperationStats(), nil
}

// Purge deletes nothing.
func (NullStore) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

// Close is a no-op.
func (NullStore) Close() {}

var _ Store = NullStore{}
