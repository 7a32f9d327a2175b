package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"escrowflow/pricing"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the resolved runtime configuration for the escrow API.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	StorageDriver string
	DatabaseURL   string
	MaxDBConns    int32
	Migrate       bool

	RedisURL       string
	IdempotencyTTL time.Duration

	KafkaBrokers []string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxClaimTTL     time.Duration
	OutboxMaxAttempts  int

	JWTSecret     string
	TokenTTL      time.Duration
	AdminEmail    string
	AdminName     string
	AdminPassword string

	FeeTier  pricing.Tier
	LogLevel slog.Level
}

// configFile mirrors the YAML schema. Durations are Go duration strings.
type configFile struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
	} `yaml:"server"`
	Storage struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		MaxConns    int32  `yaml:"max_conns"`
		Migrate     *bool  `yaml:"migrate"`
	} `yaml:"storage"`
	Redis struct {
		URL            string `yaml:"url"`
		IdempotencyTTL string `yaml:"idempotency_ttl"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
	} `yaml:"kafka"`
	Outbox struct {
		PollInterval string `yaml:"poll_interval"`
		BatchSize    int    `yaml:"batch_size"`
		ClaimTTL     string `yaml:"claim_ttl"`
		MaxAttempts  int    `yaml:"max_attempts"`
	} `yaml:"outbox"`
	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		TokenTTL      string `yaml:"token_ttl"`
		AdminEmail    string `yaml:"admin_email"`
		AdminName     string `yaml:"admin_name"`
		AdminPassword string `yaml:"admin_password"`
	} `yaml:"auth"`
	Pricing struct {
		Tier string `yaml:"tier"`
	} `yaml:"pricing"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func defaults() Config {
	return Config{
		HTTPAddr:           ":8080",
		GRPCAddr:           ":9090",
		StorageDriver:      DriverMemory,
		MaxDBConns:         20,
		Migrate:            true,
		IdempotencyTTL:     24 * time.Hour,
		OutboxPollInterval: 2 * time.Second,
		OutboxBatchSize:    100,
		OutboxClaimTTL:     30 * time.Second,
		OutboxMaxAttempts:  5,
		TokenTTL:           24 * time.Hour,
		AdminName:          "Escrow Admin",
		FeeTier:            pricing.Standard,
		LogLevel:           slog.LevelInfo,
	}
}

// Load resolves configuration in priority order: defaults -> file -> .env -> env.
// A missing file or .env is not an error; an unreadable or malformed one is.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}

	setString(&cfg.HTTPAddr, f.Server.HTTPAddr)
	setString(&cfg.GRPCAddr, f.Server.GRPCAddr)
	setString(&cfg.StorageDriver, f.Storage.Driver)
	setString(&cfg.DatabaseURL, f.Storage.DatabaseURL)
	if f.Storage.MaxConns > 0 {
		cfg.MaxDBConns = f.Storage.MaxConns
	}
	if f.Storage.Migrate != nil {
		cfg.Migrate = *f.Storage.Migrate
	}
	setString(&cfg.RedisURL, f.Redis.URL)
	if len(f.Kafka.Brokers) > 0 {
		cfg.KafkaBrokers = f.Kafka.Brokers
	}
	if f.Outbox.BatchSize > 0 {
		cfg.OutboxBatchSize = f.Outbox.BatchSize
	}
	if f.Outbox.MaxAttempts > 0 {
		cfg.OutboxMaxAttempts = f.Outbox.MaxAttempts
	}
	setString(&cfg.JWTSecret, f.Auth.JWTSecret)
	setString(&cfg.AdminEmail, f.Auth.AdminEmail)
	setString(&cfg.AdminName, f.Auth.AdminName)
	setString(&cfg.AdminPassword, f.Auth.AdminPassword)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"redis.idempotency_ttl", f.Redis.IdempotencyTTL, &cfg.IdempotencyTTL},
		{"outbox.poll_interval", f.Outbox.PollInterval, &cfg.OutboxPollInterval},
		{"outbox.claim_ttl", f.Outbox.ClaimTTL, &cfg.OutboxClaimTTL},
		{"auth.token_ttl", f.Auth.TokenTTL, &cfg.TokenTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.name, err)
		}
		*d.dst = v
	}

	if f.Pricing.Tier != "" {
		tier, err := pricing.ParseTier(f.Pricing.Tier)
		if err != nil {
			return fmt.Errorf("config: pricing.tier: %w", err)
		}
		cfg.FeeTier = tier
	}
	if f.Log.Level != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(f.Log.Level)); err != nil {
			return fmt.Errorf("config: log.level: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = envOrDefault("ESCROW_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envOrDefault("ESCROW_GRPC_ADDR", cfg.GRPCAddr)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(envOrDefault("ESCROW_STORAGE_DRIVER", cfg.StorageDriver)))
	cfg.MaxDBConns = int32(envInt("ESCROW_DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.Migrate = envBool("ESCROW_MIGRATE", cfg.Migrate)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.OutboxBatchSize = envInt("ESCROW_OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = envInt("ESCROW_OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.AdminEmail = envOrDefault("ESCROW_ADMIN_EMAIL", cfg.AdminEmail)
	cfg.AdminName = envOrDefault("ESCROW_ADMIN_NAME", cfg.AdminName)
	cfg.AdminPassword = envOrDefault("ESCROW_ADMIN_PASSWORD", cfg.AdminPassword)

	var err error
	if cfg.IdempotencyTTL, err = envDuration("ESCROW_IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return err
	}
	if cfg.OutboxPollInterval, err = envDuration("ESCROW_OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval); err != nil {
		return err
	}
	if cfg.OutboxClaimTTL, err = envDuration("ESCROW_OUTBOX_CLAIM_TTL", cfg.OutboxClaimTTL); err != nil {
		return err
	}
	if cfg.TokenTTL, err = envDuration("ESCROW_TOKEN_TTL", cfg.TokenTTL); err != nil {
		return err
	}

	if raw := os.Getenv("ESCROW_FEE_TIER"); raw != "" {
		tier, err := pricing.ParseTier(raw)
		if err != nil {
			return fmt.Errorf("config: ESCROW_FEE_TIER: %w", err)
		}
		cfg.FeeTier = tier
	}
	if raw := os.Getenv("ESCROW_LOG_LEVEL"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("config: ESCROW_LOG_LEVEL: %w", err)
		}
	}
	return nil
}

func (c Config) validate() error {
	var errs []error
	switch c.StorageDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("missing DATABASE_URL for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("missing JWT_SECRET"))
	}
	if c.AdminEmail != "" && len(c.AdminPassword) < 8 {
		errs = append(errs, fmt.Errorf("admin password must be at least 8 characters"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, fmt.Errorf("idempotency ttl must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt keeps the fallback on empty or malformed values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return v, nil
}

// envCSV splits a comma-separated list, dropping empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
