// Package postgres persists the operation history in the durable relational tier.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusops/syncengine/internal/history"
	"github.com/campusops/syncengine/internal/schema"
)

// Store is the pgx-backed implementation of the durable history contract.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const insertChunkSize = 100

const insertColumns = `id, event_id, event_type, operation_type, source_service, target_services,
entity_type, entity_id, status, duration_ms, error_message, retry_count, occurred_at, user_id, metadata`

const selectColumns = insertColumns

const eventHistorySQL = `
SELECT ` + selectColumns + `
FROM sync_operations
WHERE event_id = $1
ORDER BY occurred_at DESC;
`

const statsTotalsSQL = `
SELECT
    COUNT(*),
    COUNT(*) FILTER (WHERE status = 'SUCCESS'),
    COUNT(*) FILTER (WHERE status = 'FAILED'),
    COUNT(*) FILTER (WHERE status = 'PENDING'),
    COALESCE(AVG(duration_ms), 0),
    MAX(occurred_at),
    MIN(occurred_at)
FROM sync_operations`

const statsByOperationSQL = `SELECT operation_type, COUNT(*) FROM sync_operations`

const statsByStatusSQL = `SELECT status, COUNT(*) FROM sync_operations`

const purgeSQL = `
DELETE FROM sync_operations WHERE occurred_at < $1;
`

// InsertBatch appends the logs in chunked multi-row statements.
func (s *Store) InsertBatch(ctx context.Context, logs []schema.OperationLog) error {
	if s.pool == nil {
		return fmt.Errorf("history store: nil pool")
	}
	for start := 0; start < len(logs); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(logs) {
			end = len(logs)
		}
		if err := s.insertChunk(ctx, logs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertChunk(ctx context.Context, logs []schema.OperationLog) error {
	const columnCount = 15
	var sb strings.Builder
	sb.WriteString("INSERT INTO sync_operations (")
	sb.WriteString(insertColumns)
	sb.WriteString(") VALUES ")
	args := make([]any, 0, len(logs)*columnCount)
	for i, log := range logs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 0; c < columnCount; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*columnCount+c+1)
		}
		sb.WriteString(")")
		metadata, err := encodeMetadata(log.Metadata)
		if err != nil {
			return fmt.Errorf("history store: encode metadata %s: %w", log.ID, err)
		}
		args = append(args,
			log.ID, log.EventID, log.EventType, string(log.Operation), log.SourceService,
			log.TargetServices, log.EntityType, log.EntityID, string(log.Status),
			log.DurationMillis, log.ErrorMessage, log.RetryCount, log.Timestamp,
			log.UserID, metadata,
		)
	}
	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("history store: insert batch: %w", err)
	}
	return nil
}

// Query returns filtered, paginated history rows, newest first.
func (s *Store) Query(ctx context.Context, f history.Filter) ([]schema.OperationLog, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("history store: nil pool")
	}
	f = f.Normalized()
	var args []any
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(selectColumns)
	sb.WriteString(" FROM sync_operations")
	sb.WriteString(filterWhere(f, &args))
	sb.WriteString(" ORDER BY occurred_at DESC")
	args = append(args, f.Limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	args = append(args, f.Offset)
	fmt.Fprintf(&sb, " OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("history store: query: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// EntityHistory lists attempts for one entity, newest first.
func (s *Store) EntityHistory(ctx context.Context, entityID string, limit int) ([]schema.OperationLog, error) {
	return s.Query(ctx, history.Filter{EntityID: entityID, Limit: limit})
}

// EventHistory lists every processing pass recorded for one event.
func (s *Store) EventHistory(ctx context.Context, eventID string) ([]schema.OperationLog, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("history store: nil pool")
	}
	rows, err := s.pool.Query(ctx, eventHistorySQL, eventID)
	if err != nil {
		return nil, fmt.Errorf("history store: event history: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// Stats computes the aggregate view across all rows, with uptime derived from
// the earliest row.
func (s *Store) Stats(ctx context.Context) (schema.OperationStats, error) {
	return s.StatsFor(ctx, history.Filter{})
}

// StatsFor computes the aggregate over every row matching the filter in a
// single scan; the pagination fields are ignored.
func (s *Store) StatsFor(ctx context.Context, f history.Filter) (schema.OperationStats, error) {
	if s.pool == nil {
		return schema.OperationStats{}, fmt.Errorf("history store: nil pool")
	}
	var args []any
	where := filterWhere(f, &args)

	stats := schema.NewOperationStats()
	var last, first pgtype.Timestamptz
	row := s.pool.QueryRow(ctx, statsTotalsSQL+where, args...)
	if err := row.Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &stats.Pending,
		&stats.AvgDurationMillis, &last, &first); err != nil {
		return schema.OperationStats{}, fmt.Errorf("history store: stats totals: %w", err)
	}
	if last.Valid {
		stats.LastOperationAt = last.Time
	}
	if first.Valid {
		stats.UptimeSeconds = time.Since(first.Time).Seconds()
	}
	if stats.Total > 0 {
		stats.FailureRate = float64(stats.Failed) / float64(stats.Total)
	}

	opCounts, err := s.groupedCounts(ctx, statsByOperationSQL+where+" GROUP BY operation_type", args)
	if err != nil {
		return schema.OperationStats{}, fmt.Errorf("history store: stats by operation: %w", err)
	}
	for op, count := range opCounts {
		stats.ByOperation[schema.OperationType(op)] = count
	}

	statusCounts, err := s.groupedCounts(ctx, statsByStatusSQL+where+" GROUP BY status", args)
	if err != nil {
		return schema.OperationStats{}, fmt.Errorf("history store: stats by status: %w", err)
	}
	for status, count := range statusCounts {
		stats.ByStatus[schema.Status(status)] = count
	}
	return stats, nil
}

func (s *Store) groupedCounts(ctx context.Context, sql string, args []any) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Purge deletes rows older than the cutoff and reports how many were removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("history store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, purgeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("history store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// filterWhere renders the WHERE clause for every set filter constraint,
// appending the bind arguments to args. Returns "" for an empty filter.
func filterWhere(f history.Filter, args *[]any) string {
	arg := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", len(*args))
	}
	var clauses []string
	if f.EventType != "" {
		clauses = append(clauses, fmt.Sprintf("event_type ILIKE '%%' || %s || '%%'", arg(f.EventType)))
	}
	if f.Operation != "" {
		clauses = append(clauses, fmt.Sprintf("operation_type = %s", arg(string(f.Operation))))
	}
	if f.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = %s", arg(string(f.Status))))
	}
	if !f.Start.IsZero() {
		clauses = append(clauses, fmt.Sprintf("occurred_at >= %s", arg(f.Start)))
	}
	if !f.End.IsZero() {
		clauses = append(clauses, fmt.Sprintf("occurred_at <= %s", arg(f.End)))
	}
	if f.EntityID != "" {
		clauses = append(clauses, fmt.Sprintf("entity_id = %s", arg(f.EntityID)))
	}
	if f.SourceService != "" {
		clauses = append(clauses, fmt.Sprintf("source_service = %s", arg(f.SourceService)))
	}
	if f.TargetService != "" {
		clauses = append(clauses, fmt.Sprintf("%s = ANY(target_services)", arg(f.TargetService)))
	}
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

type rowScanner interface {
	Scan(dest ...any) error
	Next() bool
	Err() error
}

func scanLogs(rows rowScanner) ([]schema.OperationLog, error) {
	var logs []schema.OperationLog
	for rows.Next() {
		var (
			log          schema.OperationLog
			op, status   string
			metadataJSON []byte
		)
		if err := rows.Scan(
			&log.ID, &log.EventID, &log.EventType, &op, &log.SourceService,
			&log.TargetServices, &log.EntityType, &log.EntityID, &status,
			&log.DurationMillis, &log.ErrorMessage, &log.RetryCount, &log.Timestamp,
			&log.UserID, &metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("history store: scan row: %w", err)
		}
		log.Operation = schema.OperationType(op)
		log.Status = schema.Status(status)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &log.Metadata); err != nil {
				return nil, fmt.Errorf("history store: decode metadata %s: %w", log.ID, err)
			}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history store: iterate rows: %w", err)
	}
	return logs, nil
}

func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	return json.Marshal(metadata)
}

var _ history.Store = (*Store)(nil)
