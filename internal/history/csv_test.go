package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/campusops/syncengine/internal/schema"
)

func TestCSVRoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	svc := NewService(rdb, &fakeStore{}, Options{BatchSize: 100, FlushInterval: time.Hour})
	defer svc.Stop(context.Background())

	ctx := context.Background()
	svc.LogOperation(ctx, successEntry("evt-csv-1", "u1"))
	failed := successEntry("evt-csv-2", "u2")
	failed.Status = schema.StatusFailed
	failed.ErrorMessage = `equipment-service: sync call returned 502, with "quotes"`
	svc.LogOperation(ctx, failed)

	filter := Filter{}
	var buf bytes.Buffer
	if err := svc.ExportCSV(ctx, &buf, filter); err != nil {
		t.Fatalf("export: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	if records[0][0] != "ID" || records[0][12] != "Timestamp" {
		t.Fatalf("unexpected header: %v", records[0])
	}

	type tuple struct{ id, eventID, status string }
	exported := make(map[tuple]bool)
	for _, row := range records[1:] {
		exported[tuple{id: row[0], eventID: row[1], status: row[8]}] = true
	}

	logs, err := svc.Query(ctx, filter)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != len(exported) {
		t.Fatalf("row count mismatch: csv=%d query=%d", len(exported), len(logs))
	}
	for _, log := range logs {
		if !exported[tuple{id: log.ID, eventID: log.EventID, status: string(log.Status)}] {
			t.Fatalf("log %s missing from export", log.ID)
		}
	}
}
