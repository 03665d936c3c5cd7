package main

import (
	"context"
	"fmt"

	es "github.com/tccloudgames/eventsourcing"
	"github.com/tccloudgames/eventsourcing/config"
	"github.com/tccloudgames/eventsourcing/eventbus/memory"
	"github.com/tccloudgames/eventsourcing/eventstore/postgres"
	"github.com/tccloudgames/eventsourcing/eventstore/sqlite"
	"github.com/tccloudgames/eventsourcing/outbox"
	"github.com/tccloudgames/eventsourcing/outbox/kafka"
	"github.com/tccloudgames/eventsourcing/outbox/redis"
)

// relayStore is a store the dispatcher can drain.
type relayStore interface {
	es.Store
	outbox.Source
}

// openStore opens the store named by STORE_DRIVER. The relay runs in its own
// process, so the memory store is refused: no writer could ever reach it.
func openStore(ctx context.Context, cfg config.Config) (relayStore, error) {
	switch cfg.StoreDriver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "memory":
		return nil, fmt.Errorf("store driver %q is in-process only; the relay needs postgres or sqlite", cfg.StoreDriver)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func openBroker(cfg config.Config) (es.Broker, error) {
	switch cfg.BrokerType {
	case "kafka":
		brokers := kafka.SplitBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, fmt.Errorf("no kafka brokers configured")
		}
		return kafka.NewBroker(kafka.NewWriter(brokers)), nil
	case "redis":
		client := redis.NewClient(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return redis.NewBroker(client), nil
	case "memory":
		return memory.NewEventBus(), nil
	}
	return nil, fmt.Errorf("unknown broker type %q", cfg.BrokerType)
}
