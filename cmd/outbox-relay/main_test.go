package main

import (
	"path/filepath"
	"testing"

	"github.com/tccloudgames/eventsourcing/config"
)

func TestOpenStore(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{"memory is refused", config.Config{StoreDriver: "memory"}, true},
		{"sqlite", config.Config{StoreDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "relay.db")}, false},
		{"unknown", config.Config{StoreDriver: "mongo"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(t.Context(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if store != nil {
				_ = store.Close()
			}
		})
	}
}

func TestOpenBroker(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{"memory", config.Config{BrokerType: "memory"}, false},
		{"kafka", config.Config{BrokerType: "kafka", KafkaBrokers: "localhost:9092"}, false},
		{"kafka without brokers", config.Config{BrokerType: "kafka", KafkaBrokers: " , "}, true},
		{"redis", config.Config{BrokerType: "redis", RedisAddr: "localhost:6379"}, false},
		{"unknown", config.Config{BrokerType: "nats"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker, err := openBroker(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if broker != nil {
				_ = broker.Close()
			}
		})
	}
}

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := setupTracing(t.Context(), config.Config{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(t.Context()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
