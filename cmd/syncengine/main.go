// Command syncengine launches the event synchronization engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/campusops/syncengine/internal/adapters"
	"github.com/campusops/syncengine/internal/broker"
	"github.com/campusops/syncengine/internal/config"
	"github.com/campusops/syncengine/internal/handlers"
	"github.com/campusops/syncengine/internal/history"
	"github.com/campusops/syncengine/internal/history/postgres"
	"github.com/campusops/syncengine/internal/idempotency"
	"github.com/campusops/syncengine/internal/observability"
	"github.com/campusops/syncengine/internal/registry"
	httpserver "github.com/campusops/syncengine/internal/server/http"
	"github.com/campusops/syncengine/internal/telemetry"
)

const (
	defaultConfigPath        = "config/syncengine.yaml"
	consumerShutdownTimeout  = 15 * time.Second
	serverShutdownTimeout    = 10 * time.Second
	historyShutdownTimeout   = 20 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "path to the configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	observability.SetLogger(observability.NewSlogLogger(logger))

	if err := run(*cfgPath); err != nil {
		observability.Log().Error("engine exited",
			observability.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	observability.Log().Info("configuration loaded",
		observability.Field{Key: "environment", Value: cfg.Environment},
		observability.Field{Key: "http_addr", Value: cfg.HTTPAddr},
		observability.Field{Key: "postgres_history", Value: cfg.Postgres.Enabled})

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	store, err := buildHistoryStore(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer store.Close()

	hist := history.NewService(rdb, store, history.Options{
		BatchSize:     cfg.History.BatchSize,
		FlushInterval: cfg.History.FlushInterval,
		HotWindow:     cfg.History.HotWindow,
		HotTTL:        cfg.History.HotTTL,
	})

	adapterRegistry := adapters.NewRegistry()
	for _, ac := range cfg.Adapters {
		opts := []adapters.HTTPOption{adapters.WithTimeout(cfg.AdapterTimeout)}
		if ac.RPS > 0 {
			opts = append(opts, adapters.WithRateLimit(ac.RPS))
		}
		adapterRegistry.Register(adapters.NewHTTPAdapter(ac.Name, ac.BaseURL, opts...))
	}
	observability.Log().Info("downstream adapters registered",
		observability.Field{Key: "services", Value: adapterRegistry.Names()})

	fanout := adapters.NewFanout(adapterRegistry, cfg.Broker.Prefetch)
	syncer := handlers.NewSyncer(fanout, hist, cfg.SourceService)
	handlerRegistry := registry.NewRegistry()
	syncer.RegisterAll(handlerRegistry)

	guard := idempotency.NewGuard(rdb)
	consumer := broker.NewConsumer(cfg.Broker, handlerRegistry, guard)
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	server := httpserver.NewServer(cfg.HTTPAddr, hist)
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.Start(); err != nil {
			observability.Log().Error("http server failed",
				observability.Field{Key: "error", Value: err.Error()})
			cancel()
		}
	})

	observability.Log().Info("sync engine started")
	<-ctx.Done()
	observability.Log().Info("shutdown signal received")

	shutdown(consumer, server, hist, shutdownTelemetry)
	lifecycle.Wait()
	observability.Log().Info("shutdown completed")
	return nil
}

func buildHistoryStore(ctx context.Context, cfg config.PostgresConfig) (history.Store, error) {
	if !cfg.Enabled {
		observability.Log().Info("durable history disabled, using null store")
		return history.NewNullStore(), nil
	}
	if err := postgres.Migrate(cfg.DSN); err != nil {
		return nil, err
	}
	pool, err := postgres.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return postgres.NewStore(pool), nil
}

// shutdown stops intake first so the history drain sees every in-flight
// operation, then flushes the audit trail before storage goes away.
func shutdown(consumer *broker.Consumer, server *httpserver.Server, hist *history.Service, shutdownTelemetry func(context.Context) error) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			observability.Log().Warn("shutdown step failed",
				observability.Field{Key: "step", Value: name},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}

	step("broker consumer", consumerShutdownTimeout, consumer.Stop)
	step("http server", serverShutdownTimeout, server.Shutdown)
	step("history drain", historyShutdownTimeout, func(ctx context.Context) error {
		hist.Stop(ctx)
		return nil
	})
	step("telemetry", telemetryShutdownTimeout, shutdownTelemetry)
}
