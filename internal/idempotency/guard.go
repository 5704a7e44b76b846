// Package idempotency suppresses duplicate processing of broker events.
package idempotency

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/campusops/syncengine/internal/schema"
)

const (
	keyPrefix = "sync:events:processed:"

	// Retention bounds the dedup window. An event redelivered after this
	// window is reprocessed; handlers must tolerate that.
	Retention = 7 * 24 * time.Hour
)

// Record is the processed-event marker stored in the cache tier. The checksum
// keeps the original decision auditable even if a replayed payload mutates.
type Record struct {
	EventID      string    `json:"eventId"`
	EventType    string    `json:"eventType"`
	ProcessedAt  time.Time `json:"processedAt"`
	DataChecksum string    `json:"dataChecksum"`
}

// Guard checks and marks event identifiers against the cache store.
type Guard struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewGuard constructs a Guard over the provided redis client.
func NewGuard(rdb redis.Cmdable) *Guard {
	return &Guard{rdb: rdb, ttl: Retention}
}

// IsDuplicate reports whether the event identifier was already processed.
// The check has no side effect; the race with MarkProcessed is accepted.
func (g *Guard) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, keyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: exists %s: %w", eventID, err)
	}
	return n > 0, nil
}

// MarkProcessed records the event as handled with a payload checksum and TTL.
func (g *Guard) MarkProcessed(ctx context.Context, env schema.Envelope) error {
	record := Record{
		EventID:      env.EventID,
		EventType:    env.EventType,
		ProcessedAt:  time.Now().UTC(),
		DataChecksum: env.Checksum(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record %s: %w", env.EventID, err)
	}
	if err := g.rdb.Set(ctx, keyPrefix+env.EventID, raw, g.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: mark %s: %w", env.EventID, err)
	}
	return nil
}
