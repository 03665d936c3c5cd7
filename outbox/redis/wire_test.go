package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	es "github.com/tccloudgames/eventsourcing"
)

func TestChannelPattern(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"game.gamecreated", "events:game.gamecreated"},
		{"game.*", "events:game*"},
		{"game.#", "events:game*"},
		{"#", "events:*"},
		{"game.*.changed", "events:game*"},
	}
	for _, tt := range tests {
		if got := channelPattern(DefaultChannelPrefix, tt.pattern); got != tt.want {
			t.Errorf("channelPattern(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}

func TestWireRoundTrip(t *testing.T) {
	msg := es.OutboxMessage{
		ID:          uuid.New(),
		MessageType: "EventContextGameCreatedIntegrationEvent",
		RoutingKey:  "game.gamecreated",
		AggregateID: uuid.New(),
		Headers:     map[string]string{es.HeaderCorrelationID: "corr-1"},
		Payload:     []byte(`{"eventData":{}}`),
	}
	data, err := encode(msg, map[string]string{"traceparent": "tp"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != msg.ID || got.RoutingKey != msg.RoutingKey || string(got.Payload) != string(msg.Payload) {
		t.Errorf("got %+v", got)
	}
	if got.Headers[es.HeaderMessageID] != msg.ID.String() || got.Headers[es.HeaderCorrelationID] != "corr-1" {
		t.Errorf("headers = %v", got.Headers)
	}
	if got.Trace["traceparent"] != "tp" {
		t.Errorf("trace = %v", got.Trace)
	}

	if _, err := decode([]byte("not json")); !errors.Is(err, es.ErrSerialization) {
		t.Errorf("decode garbage: %v", err)
	}
}

type receiverFunc func(ctx context.Context, msg es.OutboxMessage) error

func (f receiverFunc) Deliver(ctx context.Context, msg es.OutboxMessage) error { return f(ctx, msg) }

func TestSubscriptionDeliver(t *testing.T) {
	var delivered []string
	var reported []error
	boom := errors.New("boom")
	sub := subscription{
		name:    "projector",
		pattern: "game.*",
		prefix:  DefaultChannelPrefix,
		receiver: receiverFunc(func(_ context.Context, msg es.OutboxMessage) error {
			delivered = append(delivered, msg.RoutingKey)
			if msg.RoutingKey == "game.failed" {
				return boom
			}
			return es.ErrSkippedMessage
		}),
		report: func(err error) { reported = append(reported, err) },
	}

	payload := func(key string) string {
		data, _ := encode(es.OutboxMessage{ID: uuid.New(), RoutingKey: key}, nil)
		return string(data)
	}
	sub.deliver(t.Context(), &goredis.Message{Channel: "events:game.created", Payload: payload("game.created")})
	sub.deliver(t.Context(), &goredis.Message{Channel: "events:game.price.changed", Payload: payload("game.price.changed")})
	sub.deliver(t.Context(), &goredis.Message{Channel: "events:game.failed", Payload: payload("game.failed")})
	sub.deliver(t.Context(), &goredis.Message{Channel: "events:game.garbage", Payload: "{"})
	sub.deliver(t.Context(), nil)

	if len(delivered) != 2 || delivered[0] != "game.created" || delivered[1] != "game.failed" {
		t.Errorf("delivered = %v", delivered)
	}
	if len(reported) != 2 || !errors.Is(reported[0], boom) || !errors.Is(reported[1], es.ErrSerialization) {
		t.Errorf("reported = %v", reported)
	}
}
