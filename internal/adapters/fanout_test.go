package adapters

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/campusops/syncengine/internal/schema"
)

type scriptedAdapter struct {
	name  string
	err   error
	panic bool
	calls atomic.Int64
}

func (s *scriptedAdapter) Name() string { return s.name }

func (s *scriptedAdapter) sync() error {
	s.calls.Add(1)
	if s.panic {
		panic("adapter exploded")
	}
	return s.err
}

func (s *scriptedAdapter) SyncCreate(context.Context, string, string, json.RawMessage) error {
	return s.sync()
}

func (s *scriptedAdapter) SyncUpdate(context.Context, string, string, json.RawMessage) error {
	return s.sync()
}

func (s *scriptedAdapter) SyncDelete(context.Context, string, string, json.RawMessage) error {
	return s.sync()
}

func TestFanoutIsolation(t *testing.T) {
	okAdapter := &scriptedAdapter{name: "user-service"}
	badAdapter := &scriptedAdapter{name: "equipment-service", err: errors.New("boom")}

	reg := NewRegistry()
	reg.Register(okAdapter)
	reg.Register(badAdapter)
	fanout := NewFanout(reg, 4)

	results, err := fanout.Sync(context.Background(), schema.OperationCreated, "user", "u1", json.RawMessage(`{"id":"u1"}`))
	if okAdapter.calls.Load() != 1 || badAdapter.calls.Load() != 1 {
		t.Fatalf("both adapters must be attempted exactly once: ok=%d bad=%d",
			okAdapter.calls.Load(), badAdapter.calls.Load())
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected *SyncError, got %v", err)
	}
	if len(syncErr.FailedServices) != 1 || syncErr.FailedServices[0] != "equipment-service" {
		t.Fatalf("aggregate must name the failing service: %v", syncErr.FailedServices)
	}
	if !strings.Contains(err.Error(), "equipment-service") {
		t.Fatalf("error message must mention failing service: %v", err)
	}
	if !errors.Is(err, badAdapter.err) {
		t.Fatal("aggregate must unwrap to the adapter error")
	}
}

func TestFanoutAllSucceed(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&scriptedAdapter{name: "user-service"})
	reg.Register(&scriptedAdapter{name: "space-service"})
	fanout := NewFanout(reg, 0)

	results, err := fanout.Sync(context.Background(), schema.OperationUpdated, "user", "u1", nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected per-adapter error: %+v", r)
		}
	}
}

func TestFanoutRecoversPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&scriptedAdapter{name: "flaky-service", panic: true})
	reg.Register(&scriptedAdapter{name: "user-service"})
	fanout := NewFanout(reg, 2)

	_, err := fanout.Sync(context.Background(), schema.OperationDeleted, "space", "s1", nil)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected aggregate error, got %v", err)
	}
	if len(syncErr.FailedServices) != 1 || syncErr.FailedServices[0] != "flaky-service" {
		t.Fatalf("panicking adapter must be reported: %v", syncErr.FailedServices)
	}
}

func TestFanoutUnsupportedOperation(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&scriptedAdapter{name: "user-service"})
	fanout := NewFanout(reg, 1)

	_, err := fanout.Sync(context.Background(), schema.OperationSynced, "user", "u1", nil)
	if err == nil {
		t.Fatal("expected unsupported-operation error")
	}
}

func TestFanoutNoAdapters(t *testing.T) {
	fanout := NewFanout(NewRegistry(), 4)
	results, err := fanout.Sync(context.Background(), schema.OperationCreated, "user", "u1", nil)
	if err != nil || len(results) != 0 {
		t.Fatalf("empty registry must be a no-op: results=%v err=%v", results, err)
	}
}
