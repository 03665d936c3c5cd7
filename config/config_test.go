package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseEnv_Defaults(t *testing.T) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.StoreDriver != "memory" || cfg.BrokerType != "memory" {
		t.Errorf("drivers = %q, %q", cfg.StoreDriver, cfg.BrokerType)
	}
	if cfg.Outbox.PollInterval != time.Second || cfg.Outbox.BatchSize != 100 {
		t.Errorf("outbox = %+v", cfg.Outbox)
	}
}

func TestParseEnv_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/events")
	t.Setenv("MESSAGE_BROKER_TYPE", "kafka")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "5")
	t.Setenv("REDIS_DB", "3")

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.PostgresDSN != "postgres://localhost/events" || cfg.KafkaBrokers != "kafka-1:9092,kafka-2:9092" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Outbox.PollInterval != 250*time.Millisecond || cfg.Outbox.MaxAttempts != 5 || cfg.RedisDB != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParseEnv_InvalidValue(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "many")
	var cfg Config
	err := ParseEnv(&cfg)
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{StoreDriver: "memory", BrokerType: "memory", Outbox: Outbox{BatchSize: 1}}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres without dsn", func(c *Config) { c.StoreDriver = "postgres" }, "POSTGRES_DSN"},
		{"unknown store", func(c *Config) { c.StoreDriver = "mongo" }, "STORE_DRIVER"},
		{"unknown broker", func(c *Config) { c.BrokerType = "nats" }, "MESSAGE_BROKER_TYPE"},
		{"zero batch", func(c *Config) { c.Outbox.BatchSize = 0 }, "OUTBOX_BATCH_SIZE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_LayersDotEnvFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write(".env", "ENVIRONMENT=staging\nSTORE_DRIVER=sqlite\nSQLITE_PATH=base.db\nREDIS_ADDR=redis:6379\n")
	write(".env.staging", "SQLITE_PATH=staging.db\nMESSAGE_BROKER_TYPE=redis\n")

	cfg, err := load(dir, []string{"REDIS_ADDR=cache:6379"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "staging" || cfg.StoreDriver != "sqlite" || cfg.BrokerType != "redis" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SQLitePath != "staging.db" {
		t.Errorf("sqlite path = %q, want the environment file to win", cfg.SQLitePath)
	}
	if cfg.RedisAddr != "cache:6379" {
		t.Errorf("redis addr = %q, want the process environment to win", cfg.RedisAddr)
	}
}

func TestLoad_MissingFiles(t *testing.T) {
	cfg, err := load(t.TempDir(), []string{"ENVIRONMENT=test"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "test" || cfg.StoreDriver != "memory" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_InvalidSelection(t *testing.T) {
	if _, err := load(t.TempDir(), []string{"STORE_DRIVER=cassandra"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
