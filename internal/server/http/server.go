// Package httpserver exposes the read-only HTTP surface over the operation history.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/campusops/syncengine/errs"
	"github.com/campusops/syncengine/internal/history"
	"github.com/campusops/syncengine/internal/observability"
	"github.com/campusops/syncengine/internal/schema"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownGrace     = 10 * time.Second
)

type httpServer struct {
	history *history.Service
}

// NewHandler builds the history API handler.
func NewHandler(hist *history.Service) http.Handler {
	server := &httpServer{history: hist}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /history", server.listHistory)
	mux.HandleFunc("GET /history/entity/{id}", server.entityHistory)
	mux.HandleFunc("GET /history/event/{id}", server.eventHistory)
	mux.HandleFunc("GET /history/stats", server.stats)
	mux.HandleFunc("GET /history/stats/service/{name}", server.serviceStats)
	mux.HandleFunc("GET /history/stats/type/{type}", server.typeStats)
	mux.HandleFunc("GET /history/export/csv", server.exportCSV)
	mux.HandleFunc("POST /history/purge", server.purge)
	mux.HandleFunc("GET /history/health", server.health)

	return withCORS(mux)
}

// Server owns the HTTP listener lifecycle.
type Server struct {
	srv *http.Server
}

// NewServer constructs a Server bound to addr.
func NewServer(addr string, hist *history.Service) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewHandler(hist),
		ReadHeaderTimeout: readHeaderTimeout,
	}}
}

// Start serves until Shutdown is called. http.ErrServerClosed is swallowed.
func (s *Server) Start() error {
	observability.Log().Info("http server listening",
		observability.Field{Key: "addr", Value: s.srv.Addr})
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *httpServer) listHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.history.Query(r.Context(), filter)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": emptyAsList(logs), "count": len(logs)})
}

func (s *httpServer) entityHistory(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")
	limit := intQuery(r, "limit", 0)
	logs, err := s.history.EntityHistory(r.Context(), entityID, limit)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entityId":   entityID,
		"operations": emptyAsList(logs),
		"count":      len(logs),
	})
}

func (s *httpServer) eventHistory(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	logs, err := s.history.EventHistory(r.Context(), eventID)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eventId":    eventID,
		"operations": emptyAsList(logs),
		"count":      len(logs),
	})
}

func (s *httpServer) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.Stats(r.Context())
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *httpServer) serviceStats(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	stats, err := s.history.ServiceStats(r.Context(), name)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": name, "stats": stats})
}

func (s *httpServer) typeStats(w http.ResponseWriter, r *http.Request) {
	opType := schema.OperationType(strings.ToUpper(r.PathValue("type")))
	stats, err := s.history.TypeStats(r.Context(), opType)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operationType": opType, "stats": stats})
}

func (s *httpServer) exportCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="sync-operations.csv"`)
	if err := s.history.ExportCSV(r.Context(), w, filter); err != nil {
		observability.Log().Error("csv export failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (s *httpServer) purge(w http.ResponseWriter, r *http.Request) {
	daysOld := intQuery(r, "daysOld", 0)
	removed, err := s.history.Purge(r.Context(), daysOld)
	if err != nil {
		if errs.HasCode(err, errs.CodeInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "removed": removed, "daysOld": daysOld})
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func filterFromQuery(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	filter := history.Filter{
		EventType:     strings.TrimSpace(q.Get("eventType")),
		Operation:     schema.OperationType(strings.ToUpper(strings.TrimSpace(q.Get("operationType")))),
		Status:        schema.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		EntityID:      strings.TrimSpace(q.Get("entityId")),
		SourceService: strings.TrimSpace(q.Get("sourceService")),
		TargetService: strings.TrimSpace(q.Get("targetService")),
		Limit:         intQuery(r, "limit", 0),
		Offset:        intQuery(r, "offset", 0),
	}
	if raw := strings.TrimSpace(q.Get("startDate")); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return history.Filter{}, errors.New("startDate must be RFC 3339")
		}
		filter.Start = start
	}
	if raw := strings.TrimSpace(q.Get("endDate")); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return history.Filter{}, errors.New("endDate must be RFC 3339")
		}
		filter.End = end
	}
	return filter, nil
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// emptyAsList keeps empty result sets rendering as [] instead of null.
func emptyAsList(logs []schema.OperationLog) []schema.OperationLog {
	if logs == nil {
		return []schema.OperationLog{}
	}
	return logs
}

// writeQueryError hides storage details from API consumers; the cause lands in
// the logs instead.
func writeQueryError(w http.ResponseWriter, err error) {
	observability.Log().Error("history query failed",
		observability.Field{Key: "error", Value: err.Error()})
	writeError(w, http.StatusBadRequest, "history query failed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
