package idempotency

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/campusops/syncengine/internal/schema"
)

type fakeRedis struct {
	redis.Cmdable
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func TestGuardFirstSightThenDuplicate(t *testing.T) {
	rdb := newFakeRedis()
	guard := NewGuard(rdb)
	ctx := context.Background()
	env, err := schema.ParseEnvelope([]byte(`{"eventId":"evt-1","eventType":"user.created","data":{"id":"u1"}}`))
	if err != nil {
		t.Fatal(err)
	}

	dup, err := guard.IsDuplicate(ctx, env.EventID)
	if err != nil || dup {
		t.Fatalf("fresh event must not be duplicate: dup=%v err=%v", dup, err)
	}
	if err := guard.MarkProcessed(ctx, env); err != nil {
		t.Fatalf("mark: %v", err)
	}
	dup, err = guard.IsDuplicate(ctx, env.EventID)
	if err != nil || !dup {
		t.Fatalf("marked event must be duplicate: dup=%v err=%v", dup, err)
	}
}

func TestGuardRecordContents(t *testing.T) {
	rdb := newFakeRedis()
	guard := NewGuard(rdb)
	env, _ := schema.ParseEnvelope([]byte(`{"eventId":"evt-2","eventType":"space.updated","data":{"id":"s7"}}`))
	if err := guard.MarkProcessed(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	raw, ok := rdb.values[keyPrefix+"evt-2"]
	if !ok {
		t.Fatal("expected record under the processed key prefix")
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		t.Fatalf("record must be JSON: %v", err)
	}
	if record.EventType != "space.updated" || record.DataChecksum != env.Checksum() {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.ProcessedAt.IsZero() {
		t.Fatal("processedAt must be stamped")
	}
	if ttl := rdb.ttls[keyPrefix+"evt-2"]; ttl != Retention {
		t.Fatalf("expected 7d retention, got %v", ttl)
	}
}
