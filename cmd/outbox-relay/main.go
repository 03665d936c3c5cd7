// Command outbox-relay publishes committed outbox messages to the configured
// broker until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tccloudgames/eventsourcing/config"
	"github.com/tccloudgames/eventsourcing/logging"
	esotel "github.com/tccloudgames/eventsourcing/otel"
	"github.com/tccloudgames/eventsourcing/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("outbox relay failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdown, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	broker, err := openBroker(cfg)
	if err != nil {
		return err
	}
	broker = logging.WithBrokerLogging(newBrokerLogger(cfg), broker)
	broker = esotel.WithBrokerTelemetry(broker, esotel.WithOperation("outbox.publish"))
	defer broker.Close()

	d := outbox.NewDispatcher(store, broker, outbox.Config{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		PublishTimeout: cfg.Outbox.PublishTimeout,
	}, outbox.WithLogger(logger))

	logger.Info("outbox relay starting",
		"store", cfg.StoreDriver,
		"broker", cfg.BrokerType,
		"environment", cfg.Environment,
	)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", cfg.ServiceName)
}

func newBrokerLogger(cfg config.Config) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		l.SetLevel(level)
	}
	return l.WithField("service", cfg.ServiceName)
}
