package config

import (
	"strings"
	"testing"
	"time"
)

func validBaseConfig() *Config {
	return &Config{
		Env:  EnvTest,
		HTTP: HTTPConfig{Addr: ":8080"},
		Ledger: LedgerConfig{
			Driver:         "postgres",
			DatabaseURL:    "postgres://localhost:5432/slotshare",
			MaxConns:       10,
			TxMaxAttempts:  8,
			TxInitialDelay: 10 * time.Millisecond,
			TxMaxDelay:     500 * time.Millisecond,
		},
		Notify:    NotifyConfig{Sink: "log"},
		Payment:   PaymentConfig{MaxAttempts: 10},
		Outbox:    OutboxConfig{PollInterval: time.Second, BatchSize: 50, Lease: 30 * time.Second},
		Reconcile: ReconcileConfig{Interval: 30 * time.Second, Concurrency: 4, BatchSize: 100, MinAge: time.Minute},
		NodeID:    1,
	}
}

func TestConfig_Validate_ValidConfig(t *testing.T) {
	if err := validBaseConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestConfig_Validate_Failures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		mention string
	}{
		{"invalid env", func(c *Config) { c.Env = "staging" }, "APP_ENV"},
		{"missing addr", func(c *Config) { c.HTTP.Addr = "" }, "HTTP_ADDR"},
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "sqlite" }, "LEDGER_DRIVER"},
		{"postgres without url", func(c *Config) { c.Ledger.DatabaseURL = "" }, "DATABASE_URL"},
		{"zero attempts", func(c *Config) { c.Ledger.TxMaxAttempts = 0 }, "TX_MAX_ATTEMPTS"},
		{"inverted backoff", func(c *Config) { c.Ledger.TxMaxDelay = time.Millisecond }, "TX_INITIAL_BACKOFF"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "JWT_SECRET"},
		{"memory without directory", func(c *Config) { c.Ledger.Driver = "memory" }, "ROLE_DIRECTORY_FILE"},
		{"unknown sink", func(c *Config) { c.Notify.Sink = "sns" }, "NOTIFY_SINK"},
		{"kafka without topic", func(c *Config) { c.Notify.Sink = "kafka"; c.Notify.KafkaBroker = nil }, "KAFKA_BROKERS"},
		{"node out of range", func(c *Config) { c.NodeID = 4096 }, "SNOWFLAKE_NODE"},
		{"zero reconcile age", func(c *Config) { c.Reconcile.MinAge = 0 }, "RECONCILE_MIN_AGE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error mentioning %s", tc.mention)
			}
			if !strings.Contains(err.Error(), tc.mention) {
				t.Errorf("expected error to mention %s, got: %v", tc.mention, err)
			}
		})
	}
}

func TestConfig_Validate_ProductionRequirements(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Env = EnvProduction
	cfg.Ledger.Driver = "memory"
	cfg.Auth.DirectoryFile = "roles.yaml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected production validation errors")
	}
	for _, want := range []string{"memory is not allowed", "JWT_SECRET", "PAYMENT_GATEWAY_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", EnvTest)
	t.Setenv("LEDGER_DRIVER", "memory")
	t.Setenv("ROLE_DIRECTORY_FILE", "roles.yaml")
	t.Setenv("NOTIFY_SINK", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TX_MAX_ATTEMPTS", "3")
	t.Setenv("RECONCILE_INTERVAL", "5s")
	t.Setenv("RECONCILE_MIN_AGE", "90s")
	t.Setenv("OUTBOX_BATCH", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.Driver != "memory" || cfg.Ledger.TxMaxAttempts != 3 {
		t.Fatalf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if got := cfg.Notify.KafkaBroker; len(got) != 2 || got[0] != "k1:9092" || got[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
	if cfg.Reconcile.Interval != 5*time.Second {
		t.Fatalf("expected 5s reconcile interval, got %s", cfg.Reconcile.Interval)
	}
	if cfg.Reconcile.MinAge != 90*time.Second {
		t.Fatalf("expected 90s reconcile min age, got %s", cfg.Reconcile.MinAge)
	}
	if cfg.Outbox.BatchSize != 50 {
		t.Fatalf("expected fallback batch size 50, got %d", cfg.Outbox.BatchSize)
	}
	if cfg.OTel.Enabled() {
		t.Fatal("expected tracing disabled without endpoint")
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	t.Setenv("APP_ENV", EnvTest)
	t.Setenv("LEDGER_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}
