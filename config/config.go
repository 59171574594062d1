package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config holds all process configuration.
type Config struct {
	Env       string
	HTTP      HTTPConfig
	Ledger    LedgerConfig
	Auth      AuthConfig
	Notify    NotifyConfig
	Payment   PaymentConfig
	Outbox    OutboxConfig
	Reconcile ReconcileConfig
	OTel      OTelConfig
	NodeID    int64
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LedgerConfig selects the store backend and its transaction retry budget.
type LedgerConfig struct {
	Driver         string
	DatabaseURL    string
	MaxConns       int32
	TxMaxAttempts  int
	TxInitialDelay time.Duration
	TxMaxDelay     time.Duration
}

type AuthConfig struct {
	JWTSecret     string
	TokenTTL      time.Duration
	DirectoryFile string
}

// NotifyConfig selects where domain events are published.
type NotifyConfig struct {
	Sink        string
	KafkaBroker []string
	KafkaTopic  string
	RedisURL    string
	RedisStream string
}

type PaymentConfig struct {
	GatewayURL  string
	Timeout     time.Duration
	MaxAttempts int
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

type ReconcileConfig struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
	MinAge      time.Duration
}

type OTelConfig struct {
	Endpoint    string
	ServiceName string
	Version     string
}

// Enabled reports whether traces should be exported.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// Load reads configuration from the environment. In development a .env file
// in the working directory is loaded first when present.
func Load() (*Config, error) {
	if getEnv("APP_ENV", EnvDevelopment) == EnvDevelopment {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Env: getEnv("APP_ENV", EnvDevelopment),
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:     getDurationEnv("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationEnv("HTTP_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getDurationEnv("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Ledger: LedgerConfig{
			Driver:         getEnv("LEDGER_DRIVER", "postgres"),
			DatabaseURL:    getEnv("DATABASE_URL", ""),
			MaxConns:       int32(getIntEnv("DB_MAX_CONNS", 10)),
			TxMaxAttempts:  getIntEnv("TX_MAX_ATTEMPTS", 8),
			TxInitialDelay: getDurationEnv("TX_INITIAL_BACKOFF", 10*time.Millisecond),
			TxMaxDelay:     getDurationEnv("TX_MAX_BACKOFF", 500*time.Millisecond),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			TokenTTL:      getDurationEnv("JWT_TTL", 24*time.Hour),
			DirectoryFile: getEnv("ROLE_DIRECTORY_FILE", ""),
		},
		Notify: NotifyConfig{
			Sink:        getEnv("NOTIFY_SINK", "log"),
			KafkaBroker: getSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
			KafkaTopic:  getEnv("KAFKA_TOPIC", "slotshare.events"),
			RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
			RedisStream: getEnv("REDIS_STREAM", "slotshare_events"),
		},
		Payment: PaymentConfig{
			GatewayURL:  getEnv("PAYMENT_GATEWAY_URL", ""),
			Timeout:     getDurationEnv("PAYMENT_TIMEOUT", 10*time.Second),
			MaxAttempts: getIntEnv("PAYMENT_MAX_ATTEMPTS", 10),
		},
		Outbox: OutboxConfig{
			PollInterval: getDurationEnv("OUTBOX_POLL_INTERVAL", time.Second),
			BatchSize:    getIntEnv("OUTBOX_BATCH", 50),
			Lease:        getDurationEnv("OUTBOX_LEASE", 30*time.Second),
		},
		Reconcile: ReconcileConfig{
			Interval:    getDurationEnv("RECONCILE_INTERVAL", 30*time.Second),
			Concurrency: getIntEnv("RECONCILE_CONCURRENCY", 4),
			BatchSize:   getIntEnv("RECONCILE_BATCH", 100),
			MinAge:      getDurationEnv("RECONCILE_MIN_AGE", time.Minute),
		},
		OTel: OTelConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "slotshare"),
			Version:     getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		NodeID: int64(getIntEnv("SNOWFLAKE_NODE", 1)),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV must be 'development', 'production', or 'test', got '%s'", c.Env))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}

	switch c.Ledger.Driver {
	case "postgres":
		if c.Ledger.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when LEDGER_DRIVER is postgres"))
		}
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("LEDGER_DRIVER memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_DRIVER must be 'postgres' or 'memory', got '%s'", c.Ledger.Driver))
	}
	if c.Ledger.MaxConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be positive"))
	}
	if c.Ledger.TxMaxAttempts <= 0 {
		errs = append(errs, errors.New("TX_MAX_ATTEMPTS must be positive"))
	}
	if c.Ledger.TxInitialDelay <= 0 || c.Ledger.TxMaxDelay < c.Ledger.TxInitialDelay {
		errs = append(errs, errors.New("TX_INITIAL_BACKOFF must be positive and not exceed TX_MAX_BACKOFF"))
	}

	if c.Auth.JWTSecret == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
	} else if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	if c.Ledger.Driver == "memory" && c.Auth.DirectoryFile == "" {
		errs = append(errs, errors.New("ROLE_DIRECTORY_FILE is required when LEDGER_DRIVER is memory"))
	}

	switch c.Notify.Sink {
	case "log":
	case "kafka":
		if len(c.Notify.KafkaBroker) == 0 || c.Notify.KafkaTopic == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required when NOTIFY_SINK is kafka"))
		}
	case "redis":
		if c.Notify.RedisURL == "" || c.Notify.RedisStream == "" {
			errs = append(errs, errors.New("REDIS_URL and REDIS_STREAM are required when NOTIFY_SINK is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("NOTIFY_SINK must be 'log', 'kafka', or 'redis', got '%s'", c.Notify.Sink))
	}

	if c.IsProduction() && c.Payment.GatewayURL == "" {
		errs = append(errs, errors.New("PAYMENT_GATEWAY_URL is required in production"))
	}
	if c.Payment.MaxAttempts <= 0 {
		errs = append(errs, errors.New("PAYMENT_MAX_ATTEMPTS must be positive"))
	}
	if c.Outbox.PollInterval <= 0 || c.Outbox.Lease <= 0 || c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL, OUTBOX_LEASE and OUTBOX_BATCH must be positive"))
	}
	if c.Reconcile.Interval <= 0 || c.Reconcile.Concurrency <= 0 || c.Reconcile.BatchSize <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL, RECONCILE_CONCURRENCY and RECONCILE_BATCH must be positive"))
	}
	if c.Reconcile.MinAge <= 0 {
		errs = append(errs, errors.New("RECONCILE_MIN_AGE must be positive"))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("SNOWFLAKE_NODE must be between 0 and 1023, got %d", c.NodeID))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func getSliceEnv(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
