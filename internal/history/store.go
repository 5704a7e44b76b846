// Package history maintains the queryable audit trail of synchronization attempts.
package history

import (
	"context"
	"strings"
	"time"

	"github.com/campusops/syncengine/internal/schema"
)

// MaxQueryLimit caps the page size of any history query.
const MaxQueryLimit = 500

// DefaultQueryLimit applies when a caller does not request a page size.
const DefaultQueryLimit = 100

// Filter narrows history queries. Zero values mean "no constraint".
type Filter struct {
	EventType     string // substring match
	Operation     schema.OperationType
	Status        schema.Status
	Start         time.Time
	End           time.Time
	EntityID      string
	SourceService string
	TargetService string
	Limit         int
	Offset        int
}

// Normalized clamps pagination to the supported bounds.
func (f Filter) Normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether the log satisfies every set constraint.
func (f Filter) Matches(log schema.OperationLog) bool {
	if f.EventType != "" && !containsFold(log.EventType, f.EventType) {
		return false
	}
	if f.Operation != "" && log.Operation != f.Operation {
		return false
	}
	if f.Status != "" && log.Status != f.Status {
		return false
	}
	if !f.Start.IsZero() && log.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && log.Timestamp.After(f.End) {
		return false
	}
	if f.EntityID != "" && log.EntityID != f.EntityID {
		return false
	}
	if f.SourceService != "" && log.SourceService != f.SourceService {
		return false
	}
	if f.TargetService != "" {
		found := false
		for _, target := range log.TargetServices {
			if target == f.TargetService {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// Store is the durable-tier contract. The null implementation keeps the
// service's write and read paths unconditional when persistence is disabled.
type Store interface {
	InsertBatch(ctx context.Context, logs []schema.OperationLog) error
	Query(ctx context.Context, f Filter) ([]schema.OperationLog, error)
	EntityHistory(ctx context.Context, entityID string, limit int) ([]schema.OperationLog, error)
	EventHistory(ctx context.Context, eventID string) ([]schema.OperationLog, error)
	Stats(ctx context.Context) (schema.OperationStats, error)
	// StatsFor aggregates every row matching the filter; pagination fields
	// are ignored.
	StatsFor(ctx context.Context, f Filter) (schema.OperationStats, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
	Close()
}
