package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.History.BatchSize != 50 {
		t.Fatalf("expected default batch size, got %d", cfg.History.BatchSize)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	body := []byte("history:\n  batchSize: 25\npostgres:\n  enabled: true\n  dsn: postgres://file/db\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HISTORY_BATCH_SIZE", "75")
	t.Setenv("HISTORY_FLUSH_INTERVAL", "1500")
	t.Setenv("POSTGRES_HISTORY_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.History.BatchSize != 75 {
		t.Fatalf("environment must win over file, got %d", cfg.History.BatchSize)
	}
	if cfg.History.FlushInterval != 1500*time.Millisecond {
		t.Fatalf("flush interval env is milliseconds, got %v", cfg.History.FlushInterval)
	}
	if cfg.Postgres.Enabled {
		t.Fatal("environment must be able to disable postgres history")
	}
	if cfg.Postgres.DSN != "postgres://file/db" {
		t.Fatalf("file dsn must survive, got %q", cfg.Postgres.DSN)
	}
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	cfg := Default()
	cfg.Broker.Prefetch = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected prefetch validation error")
	}

	cfg = Default()
	cfg.Postgres.Enabled = true
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected dsn validation error")
	}

	cfg = Default()
	cfg.Adapters = []AdapterConfig{{Name: "user-service"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected adapter validation error")
	}
}
