package eventsourcing

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewDomainEventEnvelope(t *testing.T) {
	id := uuid.New()
	at := time.Date(2024, 7, 8, 9, 10, 11, 123456789, time.UTC)
	c := NewEventContext[CartAggregate](newCheckedOut(id), id,
		WithCorrelation("c-1"),
		WithVersion(2),
		WithOccurredAt(at),
	)

	env := NewDomainEventEnvelope(c, "")

	if env.RoutingKey() != "cart.cartcheckedout" {
		t.Errorf("routing key = %q", env.RoutingKey())
	}
	if env.EnvelopeID() == uuid.Nil || env.EnvelopeID() == c.MessageID() {
		t.Errorf("envelope id must be fresh, got %s", env.EnvelopeID())
	}
	if env.PublishedAt().IsZero() {
		t.Errorf("published at not set")
	}

	want := map[string]string{
		HeaderAggregateType: "CartAggregate",
		HeaderAggregateID:   id.String(),
		HeaderEventType:     "CartCheckedOutIntegrationEvent",
		HeaderEventVersion:  "2",
		HeaderCorrelationID: "c-1",
		HeaderSource:        UnknownSource,
		HeaderOccurredAt:    "2024-07-08T09:10:11.123456789Z",
	}
	headers := env.Headers()
	if len(headers) != len(want) {
		t.Errorf("headers = %v", headers)
	}
	for k, v := range want {
		if headers[k] != v {
			t.Errorf("header %s = %q, want %q", k, headers[k], v)
		}
	}

	headers[HeaderSource] = "changed"
	if env.Headers()[HeaderSource] != UnknownSource {
		t.Errorf("Headers must return a copy")
	}

	if env.Message().MessageID() != c.MessageID() || env.Context().Data().Total != 42.5 {
		t.Errorf("message not carried")
	}
}

func TestNewDomainEventEnvelope_ExplicitRoutingKey(t *testing.T) {
	id := uuid.New()
	c := NewEventContext[CartAggregate](newCheckedOut(id), id, WithSource("carts"))
	env := NewDomainEventEnvelope(c, "billing.cart")

	if env.RoutingKey() != "billing.cart" {
		t.Errorf("routing key = %q", env.RoutingKey())
	}
	if env.Headers()[HeaderSource] != "carts" {
		t.Errorf("source = %q", env.Headers()[HeaderSource])
	}
}

func TestNewEventEnvelope_MergesCustomHeaders(t *testing.T) {
	id := uuid.New()
	c := NewEventContext[CartAggregate](newCheckedOut(id), id)
	env := NewEventEnvelope(c,
		WithRoutingKey("cart.custom"),
		WithHeaders(map[string]string{"tenant": "acme", HeaderEventType: "Override"}),
	)

	h := env.Headers()
	if env.RoutingKey() != "cart.custom" {
		t.Errorf("routing key = %q", env.RoutingKey())
	}
	if h["tenant"] != "acme" {
		t.Errorf("custom header missing: %v", h)
	}
	if h[HeaderEventType] != "Override" {
		t.Errorf("custom headers must win, got %q", h[HeaderEventType])
	}
	if h[HeaderAggregateID] != id.String() {
		t.Errorf("base header missing: %v", h)
	}

	plain := NewEventEnvelope(c)
	if plain.RoutingKey() != "cart.cartcheckedout" {
		t.Errorf("default routing key = %q", plain.RoutingKey())
	}
}

func TestOccurredAtLayout(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 6, time.FixedZone("X", -5*3600))
	s := FormatOccurredAt(at)
	if s != "2024-01-02T08:04:05.000000006Z" {
		t.Errorf("formatted = %q", s)
	}
	back, err := ParseOccurredAt(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !back.Equal(at) {
		t.Errorf("parsed %v, want %v", back, at)
	}
}

func TestActorHeaders(t *testing.T) {
	id := uuid.New()
	if h := ActorHeaders(NewEventContext[CartAggregate](newCheckedOut(id), id)); h != nil {
		t.Errorf("anonymous actor headers = %v", h)
	}

	h := ActorHeaders(NewBasicEventContext[CartAggregate](newCheckedOut(id), id, "u-1", ""))
	if h[HeaderUserID] != "u-1" || h[HeaderIsAuthenticated] != "true" {
		t.Errorf("actor headers = %v", h)
	}
}

func TestOutboxMessage_TransportHeaders(t *testing.T) {
	msg := OutboxMessage{
		ID:          uuid.New(),
		MessageType: "EventContextCartCheckedOutIntegrationEvent",
		RoutingKey:  "cart.cartcheckedout",
		Headers:     map[string]string{HeaderSource: "carts"},
	}
	h := msg.TransportHeaders()
	if h[HeaderMessageID] != msg.ID.String() || h[HeaderMessageType] != msg.MessageType || h[HeaderRoutingKey] != msg.RoutingKey {
		t.Errorf("transport headers = %v", h)
	}
	if h[HeaderSource] != "carts" {
		t.Errorf("envelope header lost")
	}
	if _, ok := msg.Headers[HeaderMessageID]; ok {
		t.Errorf("TransportHeaders must not mutate the message")
	}
}
