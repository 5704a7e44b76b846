// Package handlers binds domain event types to the downstream fan-out and the
// audit trail.
package handlers

import (
	"context"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/campusops/syncengine/errs"
	"github.com/campusops/syncengine/internal/adapters"
	"github.com/campusops/syncengine/internal/broker"
	"github.com/campusops/syncengine/internal/history"
	"github.com/campusops/syncengine/internal/observability"
	"github.com/campusops/syncengine/internal/registry"
	"github.com/campusops/syncengine/internal/schema"
	"github.com/campusops/syncengine/internal/telemetry"
)

// EventTypes enumerates the domain events the engine synchronizes.
var EventTypes = []string{
	"user.created", "user.updated", "user.deleted",
	"equipment.created", "equipment.updated", "equipment.deleted",
	"space.created", "space.updated", "space.deleted",
}

// entityPayload is the minimal shape every domain payload shares.
type entityPayload struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

// Syncer processes domain events: it fans each one out to every registered
// downstream adapter and records the attempt in the operation history.
type Syncer struct {
	fanout  *adapters.Fanout
	history *history.Service
	source  string
}

// NewSyncer constructs a Syncer recording operations under the given source
// service name.
func NewSyncer(fanout *adapters.Fanout, hist *history.Service, source string) *Syncer {
	return &Syncer{fanout: fanout, history: hist, source: source}
}

// RegisterAll installs the Syncer as the handler for every supported event type.
func (s *Syncer) RegisterAll(reg *registry.Registry) {
	for _, eventType := range EventTypes {
		reg.Register(eventType, s.Handle)
	}
}

// Handle runs one synchronization pass for the event. The returned error
// drives the broker retry flow; the attempt is recorded in the history either
// way.
func (s *Syncer) Handle(ctx context.Context, env schema.Envelope) error {
	entityType, action, ok := splitEventType(env.EventType)
	if !ok {
		return errs.New("handlers", errs.CodeInvalid,
			errs.WithMessage("event type " + env.EventType + " is not entity.action"))
	}
	op, ok := operationFor(action)
	if !ok {
		return errs.New("handlers", errs.CodeInvalid,
			errs.WithMessage("unsupported action " + action))
	}

	var payload entityPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return errs.New("handlers", errs.CodeMalformed,
			errs.WithMessage("decode payload for " + env.EventID), errs.WithCause(err))
	}
	if payload.ID == "" {
		return errs.New("handlers", errs.CodeMalformed,
			errs.WithMessage("payload for " + env.EventID + " missing entity id"))
	}

	retries := broker.RetryCountFrom(ctx)
	start := time.Now()
	results, err := s.fanout.Sync(ctx, op, entityType, payload.ID, env.Data)
	elapsed := time.Since(start)

	status := schema.StatusSuccess
	errorMessage := ""
	var metadata map[string]any
	if err != nil {
		status = schema.StatusFailed
		errorMessage = err.Error()
		metadata = failureMetadata(results)
	}

	loggedOp := op
	if retries > 0 {
		loggedOp = schema.OperationRetried
	}
	s.history.LogOperation(ctx, history.Entry{
		EventID:        env.EventID,
		EventType:      env.EventType,
		Operation:      loggedOp,
		SourceService:  s.source,
		TargetServices: s.fanout.Targets(),
		EntityType:     entityType,
		EntityID:       payload.ID,
		Status:         status,
		Duration:       elapsed,
		ErrorMessage:   errorMessage,
		RetryCount:     retries,
		UserID:         payload.UserID,
		Metadata:       metadata,
	})
	telemetry.SyncCompleted(ctx, env.EventType, string(status), elapsed)

	if err != nil {
		observability.Log().Error("sync fan-out failed",
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "event_type", Value: env.EventType},
			observability.Field{Key: "entity_id", Value: payload.ID},
			observability.Field{Key: "retries", Value: retries},
			observability.Field{Key: "error", Value: err.Error()})
		return err
	}
	observability.Log().Info("sync completed",
		observability.Field{Key: "event_id", Value: env.EventID},
		observability.Field{Key: "event_type", Value: env.EventType},
		observability.Field{Key: "entity_id", Value: payload.ID},
		observability.Field{Key: "duration_ms", Value: elapsed.Milliseconds()})
	return nil
}

func splitEventType(eventType string) (entityType, action string, ok bool) {
	entityType, action, found := strings.Cut(eventType, ".")
	if !found || entityType == "" || action == "" {
		return "", "", false
	}
	return entityType, action, true
}

func operationFor(action string) (schema.OperationType, bool) {
	switch action {
	case "created":
		return schema.OperationCreated, true
	case "updated":
		return schema.OperationUpdated, true
	case "deleted":
		return schema.OperationDeleted, true
	default:
		return "", false
	}
}

func failureMetadata(results []adapters.Result) map[string]any {
	var failed []string
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.Service)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return map[string]any{"failedServices": failed}
}
