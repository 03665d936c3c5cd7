// Package config loads relay settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every setting of the outbox relay.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"outbox-relay"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// StoreDriver is one of postgres, sqlite or memory.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"events.db"`

	// BrokerType is one of kafka, redis or memory.
	BrokerType    string `env:"MESSAGE_BROKER_TYPE" envDefault:"memory"`
	KafkaBrokers  string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	Outbox Outbox

	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SampleRatio  float64 `env:"OTEL_SAMPLING_RATIO" envDefault:"1"`
}

// Outbox tunes the dispatcher.
type Outbox struct {
	PollInterval   time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	BatchSize      int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	MaxAttempts    int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"0"`
	PublishTimeout time.Duration `env:"OUTBOX_PUBLISH_TIMEOUT" envDefault:"10s"`
}

// Load parses the process environment layered over .env and
// .env.<ENVIRONMENT> in the working directory. The environment-specific file
// overrides the base file and real variables override both. Missing files
// are ignored.
func Load() (Config, error) {
	return load(".", os.Environ())
}

func load(dir string, environ []string) (Config, error) {
	vars, err := readDotEnv(filepath.Join(dir, ".env"))
	if err != nil {
		return Config{}, err
	}
	process := env.ToMap(environ)

	environment := process["ENVIRONMENT"]
	if environment == "" {
		environment = vars["ENVIRONMENT"]
	}
	if environment == "" {
		environment = "development"
	}
	overlay, err := readDotEnv(filepath.Join(dir, ".env."+environment))
	if err != nil {
		return Config{}, err
	}
	maps.Copy(vars, overlay)
	maps.Copy(vars, process)

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the driver and broker selections.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres store")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.BrokerType {
	case "kafka", "redis", "memory":
	default:
		return fmt.Errorf("unknown MESSAGE_BROKER_TYPE %q", c.BrokerType)
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", c.Outbox.BatchSize)
	}
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return vars, nil
}
