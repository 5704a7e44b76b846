package history

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/campusops/syncengine/errs"
	"github.com/campusops/syncengine/internal/observability"
	"github.com/campusops/syncengine/internal/schema"
	"github.com/campusops/syncengine/internal/telemetry"
)

const (
	hotKeyPrefix = "sync:history:op:"
	hotIndexKey  = "sync:history:index"

	// MinPurgeDays is the retention floor enforced before any deletion.
	MinPurgeDays = 7

	flushTimeout = 15 * time.Second
)

// Entry describes one synchronization attempt to be recorded. The service
// assigns the id and timestamp.
type Entry struct {
	EventID        string
	EventType      string
	Operation      schema.OperationType
	SourceService  string
	TargetServices []string
	EntityType     string
	EntityID       string
	Status         schema.Status
	Duration       time.Duration
	ErrorMessage   string
	RetryCount     int
	UserID         string
	Metadata       map[string]any
}

// Options sizes the history pipeline.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	HotWindow     int
	HotTTL        time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.HotWindow <= 0 {
		o.HotWindow = 1000
	}
	if o.HotTTL <= 0 {
		o.HotTTL = 24 * time.Hour
	}
	return o
}

// Service owns the two-tier audit trail: a synchronous, size-bounded cache
// tier and a buffered, batched durable tier. The buffer is owned exclusively
// by this service and is only mutated by its write and flush methods.
type Service struct {
	rdb   redis.Cmdable
	store Store
	opts  Options

	mu     sync.Mutex
	buffer []schema.OperationLog

	statsMu     sync.Mutex
	stats       schema.OperationStats
	durationSum int64
	statsLoaded bool

	startedAt time.Time
	stopping  atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewService constructs the history service and starts its periodic flush timer.
func NewService(rdb redis.Cmdable, store Store, opts Options) *Service {
	s := &Service{
		rdb:       rdb,
		store:     store,
		opts:      opts.withDefaults(),
		stats:     schema.NewOperationStats(),
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

func (s *Service) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flushPending(context.Background())
		}
	}
}

// LogOperation records one synchronization attempt: synchronous cache-tier
// write, incremental stats update, then durable-tier buffering. Cache-tier
// failures are logged and absorbed; the log is always returned to the caller.
func (s *Service) LogOperation(ctx context.Context, entry Entry) *schema.OperationLog {
	log := schema.OperationLog{
		ID:             uuid.NewString(),
		EventID:        entry.EventID,
		EventType:      entry.EventType,
		Operation:      entry.Operation,
		SourceService:  entry.SourceService,
		TargetServices: entry.TargetServices,
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
		Status:         entry.Status,
		DurationMillis: entry.Duration.Milliseconds(),
		ErrorMessage:   entry.ErrorMessage,
		RetryCount:     entry.RetryCount,
		Timestamp:      time.Now().UTC(),
		UserID:         entry.UserID,
		Metadata:       entry.Metadata,
	}

	if err := s.writeHot(ctx, log); err != nil {
		observability.Log().Warn("history cache-tier write failed",
			observability.Field{Key: "log_id", Value: log.ID},
			observability.Field{Key: "event_id", Value: log.EventID},
			observability.Field{Key: "error", Value: err.Error()})
	}
	s.recordStats(log)

	s.mu.Lock()
	s.buffer = append(s.buffer, log)
	var batch []schema.OperationLog
	if len(s.buffer) >= s.opts.BatchSize {
		batch = s.buffer
		s.buffer = nil
	}
	s.mu.Unlock()

	if batch != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.flushBatch(context.Background(), batch)
		}()
	}
	return &log
}

func (s *Service) writeHot(ctx context.Context, log schema.OperationLog) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, hotKeyPrefix+log.ID, raw, s.opts.HotTTL).Err(); err != nil {
		return err
	}
	member := redis.Z{Score: float64(log.Timestamp.UnixMilli()), Member: log.ID}
	if err := s.rdb.ZAdd(ctx, hotIndexKey, member).Err(); err != nil {
		return err
	}
	return s.trimHot(ctx)
}

// trimHot evicts the oldest index entries beyond the hot window and drops
// their value keys. The durable tier retains evicted entries.
func (s *Service) trimHot(ctx context.Context) error {
	stop := int64(-(s.opts.HotWindow + 1))
	evicted, err := s.rdb.ZRange(ctx, hotIndexKey, 0, stop).Result()
	if err != nil {
		return err
	}
	if len(evicted) == 0 {
		return nil
	}
	keys := make([]string, 0, len(evicted))
	for _, id := range evicted {
		keys = append(keys, hotKeyPrefix+id)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return err
	}
	return s.rdb.ZRemRangeByRank(ctx, hotIndexKey, 0, stop).Err()
}

// flushPending drains the whole buffer and writes it durably.
func (s *Service) flushPending(ctx context.Context) {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	s.flushBatch(ctx, batch)
}

// flushBatch writes one batch to the durable store. On failure the batch is
// re-queued at the front of the buffer unless the service is shutting down;
// buffered audit data is never silently discarded.
func (s *Service) flushBatch(ctx context.Context, batch []schema.OperationLog) {
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	err := s.store.InsertBatch(flushCtx, batch)
	if err == nil {
		telemetry.HistoryFlushed(ctx, len(batch))
		return
	}
	fields := []observability.Field{
		{Key: "batch_size", Value: len(batch)},
		{Key: "error", Value: err.Error()},
	}
	if s.stopping.Load() {
		observability.Log().Error("history flush failed during shutdown, entries lost", fields...)
		return
	}
	observability.Log().Warn("history flush failed, re-queueing batch", fields...)
	s.mu.Lock()
	s.buffer = append(batch, s.buffer...)
	s.mu.Unlock()
}

// Stop halts the periodic timer, waits for in-flight flushes, and performs one
// final synchronous flush of any buffered entries.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.done)
		s.wg.Wait()
		s.flushPending(ctx)
	})
}

// hotLogs returns every entry currently in the cache tier, newest first.
func (s *Service) hotLogs(ctx context.Context) ([]schema.OperationLog, error) {
	ids, err := s.rdb.ZRevRange(ctx, hotIndexKey, 0, -1).Result()
	if err != nil {
		return nil, errs.New("history", errs.CodeStorage, errs.WithMessage("read hot index"), errs.WithCause(err))
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, hotKeyPrefix+id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.New("history", errs.CodeStorage, errs.WithMessage("read hot entries"), errs.WithCause(err))
	}
	logs := make([]schema.OperationLog, 0, len(values))
	for _, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		var log schema.OperationLog
		if err := json.Unmarshal([]byte(text), &log); err != nil {
			continue
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// Query serves filtered, paginated history. The cache tier answers alone only
// when it can fill the whole page; otherwise the durable tier is consulted and
// the tiers merged by id, newest first.
func (s *Service) Query(ctx context.Context, f Filter) ([]schema.OperationLog, error) {
	f = f.Normalized()
	hot, err := s.hotLogs(ctx)
	if err != nil {
		return s.store.Query(ctx, f)
	}
	matched := filterLogs(hot, f)
	if len(matched) >= f.Offset+f.Limit {
		return paginate(matched, f), nil
	}
	durableFilter := f
	durableFilter.Offset = 0
	durableFilter.Limit = f.Offset + f.Limit + len(matched)
	if durableFilter.Limit > MaxQueryLimit {
		durableFilter.Limit = MaxQueryLimit
	}
	durable, err := s.store.Query(ctx, durableFilter)
	if err != nil {
		if len(matched) > 0 {
			return paginate(matched, f), nil
		}
		return nil, err
	}
	return paginate(mergeLogs(matched, durable), f), nil
}

// EntityHistory lists attempts touching one entity, newest first.
func (s *Service) EntityHistory(ctx context.Context, entityID string, limit int) ([]schema.OperationLog, error) {
	return s.Query(ctx, Filter{EntityID: entityID, Limit: limit})
}

// EventHistory lists every processing pass recorded for one event.
func (s *Service) EventHistory(ctx context.Context, eventID string) ([]schema.OperationLog, error) {
	var matched []schema.OperationLog
	hot, hotErr := s.hotLogs(ctx)
	if hotErr == nil {
		for _, log := range hot {
			if log.EventID == eventID {
				matched = append(matched, log)
			}
		}
	}
	durable, err := s.store.EventHistory(ctx, eventID)
	if err != nil {
		if len(matched) > 0 {
			return matched, nil
		}
		return nil, err
	}
	return mergeLogs(matched, durable), nil
}

func (s *Service) recordStats(log schema.OperationLog) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Total++
	switch log.Status {
	case schema.StatusSuccess:
		s.stats.Succeeded++
	case schema.StatusFailed:
		s.stats.Failed++
	case schema.StatusPending:
		s.stats.Pending++
	}
	s.stats.ByOperation[log.Operation]++
	s.stats.ByStatus[log.Status]++
	s.durationSum += log.DurationMillis
	s.stats.LastOperationAt = log.Timestamp
	s.statsLoaded = true
}

// Stats returns the cached aggregate view, recomputed from the durable tier
// on cold start.
func (s *Service) Stats(ctx context.Context) (schema.OperationStats, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if !s.statsLoaded {
		durable, err := s.store.Stats(ctx)
		if err != nil {
			return schema.OperationStats{}, err
		}
		if durable.ByOperation == nil {
			durable.ByOperation = make(map[schema.OperationType]int64)
		}
		if durable.ByStatus == nil {
			durable.ByStatus = make(map[schema.Status]int64)
		}
		s.stats = durable
		s.durationSum = int64(durable.AvgDurationMillis * float64(durable.Total))
		s.statsLoaded = true
	}
	out := s.stats
	out.ByOperation = cloneCounts(s.stats.ByOperation)
	out.ByStatus = cloneCounts(s.stats.ByStatus)
	if out.Total > 0 {
		out.AvgDurationMillis = float64(s.durationSum) / float64(out.Total)
		out.FailureRate = float64(out.Failed) / float64(out.Total)
	}
	out.UptimeSeconds = time.Since(s.startedAt).Seconds()
	return out, nil
}

// ServiceStats computes the aggregate restricted to one target service.
func (s *Service) ServiceStats(ctx context.Context, service string) (schema.OperationStats, error) {
	return s.filteredStats(ctx, Filter{TargetService: service})
}

// TypeStats computes the aggregate restricted to one operation type.
func (s *Service) TypeStats(ctx context.Context, op schema.OperationType) (schema.OperationStats, error) {
	return s.filteredStats(ctx, Filter{Operation: op})
}

// filteredStats asks the durable tier for a full-scan aggregate. When it has
// no matching rows (persistence disabled, or nothing flushed yet) the hot tier
// is folded instead.
func (s *Service) filteredStats(ctx context.Context, f Filter) (schema.OperationStats, error) {
	durable, err := s.store.StatsFor(ctx, f)
	if err != nil {
		return schema.OperationStats{}, err
	}
	if durable.Total > 0 {
		return durable, nil
	}
	hot, err := s.hotLogs(ctx)
	if err != nil {
		// Cache-tier outage degrades to the (empty) durable view.
		return durable, nil
	}
	return foldStats(filterLogs(hot, f)), nil
}

// Purge deletes durable rows older than daysOld days, enforcing the 7-day floor.
func (s *Service) Purge(ctx context.Context, daysOld int) (int64, error) {
	if daysOld < MinPurgeDays {
		return 0, errs.New("history", errs.CodeInvalid, errs.WithHTTP(400),
			errs.WithMessage("purge retention must be at least 7 days"))
	}
	olderThan := time.Now().UTC().AddDate(0, 0, -daysOld)
	return s.store.Purge(ctx, olderThan)
}

// Healthy reports cache-tier connectivity.
func (s *Service) Healthy(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return errs.New("history", errs.CodeUnavailable, errs.WithMessage("cache tier unreachable"), errs.WithCause(err))
	}
	return nil
}

func filterLogs(logs []schema.OperationLog, f Filter) []schema.OperationLog {
	matched := make([]schema.OperationLog, 0, len(logs))
	for _, log := range logs {
		if f.Matches(log) {
			matched = append(matched, log)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	return matched
}

// mergeLogs combines both tiers newest first, dropping durable rows that are
// still present in the hot slice.
func mergeLogs(hot, durable []schema.OperationLog) []schema.OperationLog {
	seen := make(map[string]struct{}, len(hot))
	for _, log := range hot {
		seen[log.ID] = struct{}{}
	}
	merged := append([]schema.OperationLog(nil), hot...)
	for _, log := range durable {
		if _, ok := seen[log.ID]; ok {
			continue
		}
		merged = append(merged, log)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged
}

func paginate(logs []schema.OperationLog, f Filter) []schema.OperationLog {
	if f.Offset >= len(logs) {
		return nil
	}
	logs = logs[f.Offset:]
	if len(logs) > f.Limit {
		logs = logs[:f.Limit]
	}
	return logs
}

func foldStats(logs []schema.OperationLog) schema.OperationStats {
	stats := schema.NewOperationStats()
	var durationSum int64
	for _, log := range logs {
		stats.Total++
		switch log.Status {
		case schema.StatusSuccess:
			stats.Succeeded++
		case schema.StatusFailed:
			stats.Failed++
		case schema.StatusPending:
			stats.Pending++
		}
		stats.ByOperation[log.Operation]++
		stats.ByStatus[log.Status]++
		durationSum += log.DurationMillis
		if log.Timestamp.After(stats.LastOperationAt) {
			stats.LastOperationAt = log.Timestamp
		}
	}
	if stats.Total > 0 {
		stats.AvgDurationMillis = float64(durationSum) / float64(stats.Total)
		stats.FailureRate = float64(stats.Failed) / float64(stats.Total)
	}
	return stats
}

func cloneCounts[K comparable](src map[K]int64) map[K]int64 {
	out := make(map[K]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
