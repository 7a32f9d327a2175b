package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"escrowflow/pricing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"ESCROW_HTTP_ADDR", "ESCROW_GRPC_ADDR", "DATABASE_URL", "ESCROW_STORAGE_DRIVER",
		"ESCROW_DB_MAX_CONNS", "ESCROW_MIGRATE", "REDIS_URL", "KAFKA_BROKERS",
		"ESCROW_OUTBOX_BATCH_SIZE", "ESCROW_OUTBOX_MAX_ATTEMPTS", "JWT_SECRET",
		"ESCROW_ADMIN_EMAIL", "ESCROW_ADMIN_NAME", "ESCROW_ADMIN_PASSWORD",
		"ESCROW_IDEMPOTENCY_TTL", "ESCROW_OUTBOX_POLL_INTERVAL", "ESCROW_OUTBOX_CLAIM_TTL",
		"ESCROW_TOKEN_TTL", "ESCROW_FEE_TIER", "ESCROW_LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageDriver != DriverMemory || cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":9090" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.FeeTier.Name != pricing.Standard.Name {
		t.Fatalf("expected standard tier, got %s", cfg.FeeTier.Name)
	}
	if cfg.LogLevel != slog.LevelInfo || cfg.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
server:
  http_addr: ":7000"
storage:
  driver: postgres
  database_url: postgres://file/escrow
  max_conns: 7
  migrate: false
kafka:
  brokers: ["k1:9092"]
outbox:
  poll_interval: 500ms
  max_attempts: 9
auth:
  jwt_secret: from-file
  token_ttl: 2h
pricing:
  tier: premium
log:
  level: debug
`)
	t.Setenv("DATABASE_URL", "postgres://env/escrow")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("ESCROW_FEE_TIER", "basic")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7000" || cfg.StorageDriver != DriverPostgres || cfg.MaxDBConns != 7 || cfg.Migrate {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DatabaseURL != "postgres://env/escrow" {
		t.Fatalf("env should override file, got %s", cfg.DatabaseURL)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.OutboxPollInterval != 500*time.Millisecond || cfg.OutboxMaxAttempts != 9 || cfg.TokenTTL != 2*time.Hour {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.FeeTier.Name != "basic" || cfg.LogLevel != slog.LevelDebug || cfg.JWTSecret != "from-file" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "missing secret", want: "JWT_SECRET"},
		{name: "postgres without url", env: map[string]string{"JWT_SECRET": "x", "ESCROW_STORAGE_DRIVER": "postgres"}, want: "DATABASE_URL"},
		{name: "unknown driver", env: map[string]string{"JWT_SECRET": "x", "ESCROW_STORAGE_DRIVER": "mongo"}, want: "unknown storage driver"},
		{name: "unknown tier", env: map[string]string{"JWT_SECRET": "x", "ESCROW_FEE_TIER": "gold"}, want: "unknown tier"},
		{name: "bad duration", env: map[string]string{"JWT_SECRET": "x", "ESCROW_TOKEN_TTL": "soon"}, want: "ESCROW_TOKEN_TTL"},
		{name: "short admin password", env: map[string]string{"JWT_SECRET": "x", "ESCROW_ADMIN_EMAIL": "a@b.c", "ESCROW_ADMIN_PASSWORD": "short"}, want: "admin password"},
		{name: "malformed file", file: "storage: [", env: map[string]string{"JWT_SECRET": "x"}, want: "parse file"},
		{name: "bad file tier", file: "pricing:\n  tier: gold\n", env: map[string]string{"JWT_SECRET": "x"}, want: "pricing.tier"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.file != "" {
				path = writeFile(t, tc.file)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
