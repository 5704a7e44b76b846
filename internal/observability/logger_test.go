package observability

import (
	"errors"
	"strings"
	"testing"
)

type captureLogger struct {
	entries []string
	fields  [][]Field
}

func (c *captureLogger) Debug(msg string, fields ...Field) { c.record("debug "+msg, fields) }
func (c *captureLogger) Info(msg string, fields ...Field)  { c.record("info "+msg, fields) }
func (c *captureLogger) Warn(msg string, fields ...Field)  { c.record("warn "+msg, fields) }
func (c *captureLogger) Error(msg string, fields ...Field) { c.record("error "+msg, fields) }

func (c *captureLogger) record(entry string, fields []Field) {
	c.entries = append(c.entries, entry)
	c.fields = append(c.fields, fields)
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	capture := &captureLogger{}
	SetLogger(capture)
	t.Cleanup(func() { SetLogger(nil) })

	Log().Info("hello")
	if len(capture.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(capture.entries))
	}

	SetLogger(nil)
	Log().Info("dropped")
	if len(capture.entries) != 1 {
		t.Fatalf("noop logger must not forward entries")
	}
}

func TestAggregateErrors(t *testing.T) {
	capture := &captureLogger{}
	SetLogger(capture)
	t.Cleanup(func() { SetLogger(nil) })

	errA := errors.New("equipment-service unreachable")
	err := AggregateErrors("fan-out", []error{nil, errA})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(err, errA) {
		t.Fatal("aggregate must wrap the original error")
	}
	if !strings.Contains(err.Error(), "fan-out failed") {
		t.Fatalf("unexpected message: %v", err)
	}
	if len(capture.entries) != 1 || capture.entries[0] != "error operation errors" {
		t.Fatalf("expected one error log entry, got %v", capture.entries)
	}
}

func TestAggregateErrorsAllNil(t *testing.T) {
	if err := AggregateErrors("noop", []error{nil, nil}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
