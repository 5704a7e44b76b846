package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/campusops/syncengine/internal/history"
	pgstore "github.com/campusops/syncengine/internal/history/postgres"
	"github.com/campusops/syncengine/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "syncengine"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/syncengine?sslmode=disable", host, port.Port())

	if err := pgstore.Migrate(dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgstore.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func operationRow(eventID, eventType, entityID string, status schema.Status, age time.Duration) schema.OperationLog {
	return schema.OperationLog{
		ID:             uuid.NewString(),
		EventID:        eventID,
		EventType:      eventType,
		Operation:      schema.OperationCreated,
		SourceService:  "sync-engine",
		TargetServices: []string{"equipment-service", "space-service"},
		EntityType:     "user",
		EntityID:       entityID,
		Status:         status,
		DurationMillis: 12,
		RetryCount:     0,
		Timestamp:      time.Now().UTC().Add(-age),
		Metadata:       map[string]any{"source": "integration-test"},
	}
}

func TestHistoryStoreRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewStore(testPool)

	failed := operationRow("evt-hist-2", "user.updated", "user-1", schema.StatusFailed, 2*time.Hour)
	failed.ErrorMessage = "equipment-service: sync call returned 502"
	failed.RetryCount = 2
	failed.Operation = schema.OperationRetried

	rows := []schema.OperationLog{
		operationRow("evt-hist-1", "user.created", "user-1", schema.StatusSuccess, time.Hour),
		failed,
		operationRow("evt-hist-3", "user.deleted", "user-2", schema.StatusSuccess, 30*24*time.Hour),
	}
	if err := store.InsertBatch(ctx, rows); err != nil {
		t.Fatalf("insert batch: %v", err)
	}

	all, err := store.Query(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.After(all[i-1].Timestamp) {
			t.Fatalf("rows not ordered newest first")
		}
	}
	if all[0].Metadata["source"] != "integration-test" {
		t.Fatalf("metadata round trip failed: %v", all[0].Metadata)
	}

	failedRows, err := store.Query(ctx, history.Filter{Status: schema.StatusFailed})
	if err != nil {
		t.Fatalf("query failed rows: %v", err)
	}
	if len(failedRows) != 1 || failedRows[0].EventID != "evt-hist-2" {
		t.Fatalf("failed filter returned %v", failedRows)
	}
	if failedRows[0].RetryCount != 2 || failedRows[0].Operation != schema.OperationRetried {
		t.Fatalf("retry fields lost: %+v", failedRows[0])
	}

	targeted, err := store.Query(ctx, history.Filter{TargetService: "space-service"})
	if err != nil {
		t.Fatalf("query by target: %v", err)
	}
	if len(targeted) != 3 {
		t.Fatalf("target filter returned %d rows, want 3", len(targeted))
	}

	substring, err := store.Query(ctx, history.Filter{EventType: "USER"})
	if err != nil {
		t.Fatalf("query by event type: %v", err)
	}
	if len(substring) != 3 {
		t.Fatalf("case-insensitive event type match returned %d rows", len(substring))
	}

	entityRows, err := store.EntityHistory(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("entity history: %v", err)
	}
	if len(entityRows) != 2 {
		t.Fatalf("entity history returned %d rows, want 2", len(entityRows))
	}

	eventRows, err := store.EventHistory(ctx, "evt-hist-2")
	if err != nil {
		t.Fatalf("event history: %v", err)
	}
	if len(eventRows) != 1 || eventRows[0].ErrorMessage == "" {
		t.Fatalf("event history returned %v", eventRows)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByOperation[schema.OperationCreated] != 2 {
		t.Fatalf("operation breakdown = %v", stats.ByOperation)
	}

	svcStats, err := store.StatsFor(ctx, history.Filter{TargetService: "space-service"})
	if err != nil {
		t.Fatalf("stats by target service: %v", err)
	}
	if svcStats.Total != 3 || svcStats.Succeeded != 2 || svcStats.Failed != 1 {
		t.Fatalf("target service stats = %+v", svcStats)
	}

	opStats, err := store.StatsFor(ctx, history.Filter{Operation: schema.OperationCreated})
	if err != nil {
		t.Fatalf("stats by operation: %v", err)
	}
	if opStats.Total != 2 || opStats.Succeeded != 2 {
		t.Fatalf("operation stats = %+v", opStats)
	}
	if opStats.ByStatus[schema.StatusSuccess] != 2 {
		t.Fatalf("operation status breakdown = %v", opStats.ByStatus)
	}

	removed, err := store.Purge(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("purge removed %d rows, want 1", removed)
	}
	remaining, err := store.Query(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("query after purge: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 rows after purge, got %d", len(remaining))
	}
}
