package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/campusops/syncengine"

var (
	instrumentsOnce sync.Once

	eventsConsumed metric.Int64Counter
	eventsDup      metric.Int64Counter
	eventsRetried  metric.Int64Counter
	eventsDead     metric.Int64Counter
	historyFlushes metric.Int64Counter
	syncDuration   metric.Float64Histogram
)

// instruments lazily creates the engine's instruments against the installed
// meter provider. Init must run before the first event for metrics to export.
func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(meterName)
		eventsConsumed, _ = meter.Int64Counter("sync.events.consumed",
			metric.WithDescription("Events pulled from the main queue"))
		eventsDup, _ = meter.Int64Counter("sync.events.duplicate",
			metric.WithDescription("Events skipped by the idempotence guard"))
		eventsRetried, _ = meter.Int64Counter("sync.events.retried",
			metric.WithDescription("Events parked on the delayed retry queue"))
		eventsDead, _ = meter.Int64Counter("sync.events.deadlettered",
			metric.WithDescription("Events rejected into the dead-letter queue"))
		historyFlushes, _ = meter.Int64Counter("sync.history.flushes",
			metric.WithDescription("History batches written to the durable store"))
		syncDuration, _ = meter.Float64Histogram("sync.operation.duration",
			metric.WithDescription("End-to-end handler duration"), metric.WithUnit("ms"))
	})
}

func eventTypeAttr(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("event_type", eventType))
}

// EventConsumed counts one delivery pulled from the main queue.
func EventConsumed(ctx context.Context, eventType string) {
	instruments()
	eventsConsumed.Add(ctx, 1, eventTypeAttr(eventType))
}

// EventDuplicate counts one delivery skipped by the idempotence guard.
func EventDuplicate(ctx context.Context, eventType string) {
	instruments()
	eventsDup.Add(ctx, 1, eventTypeAttr(eventType))
}

// EventRetried counts one delivery parked on the retry queue.
func EventRetried(ctx context.Context, eventType string) {
	instruments()
	eventsRetried.Add(ctx, 1, eventTypeAttr(eventType))
}

// EventDeadLettered counts one delivery rejected into the DLQ.
func EventDeadLettered(ctx context.Context, eventType string) {
	instruments()
	eventsDead.Add(ctx, 1, eventTypeAttr(eventType))
}

// HistoryFlushed counts one batch written to the durable history store.
func HistoryFlushed(ctx context.Context, batchSize int) {
	instruments()
	historyFlushes.Add(ctx, 1, metric.WithAttributes(attribute.Int("batch_size", batchSize)))
}

// SyncCompleted records the handler duration labelled with the final status.
func SyncCompleted(ctx context.Context, eventType, status string, elapsed time.Duration) {
	instruments()
	syncDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("status", status),
		))
}
