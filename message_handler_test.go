package eventsourcing

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/uuid"
)

type cartProjector struct {
	checkedOut []uuid.UUID
	quoted     int
	causation  string
}

func (p *cartProjector) OnCheckedOut(ctx context.Context, msg EventContext[CartCheckedOutIntegrationEvent]) error {
	p.checkedOut = append(p.checkedOut, msg.AggregateID())
	p.causation = CausationFromContext(ctx)
	return nil
}

func (p *cartProjector) OnQuoted(ctx context.Context, msg EventContext[PriceQuotedIntegrationEvent]) error {
	p.quoted++
	return nil
}

func TestOnMessage_MessageType(t *testing.T) {
	h := OnMessage((&cartProjector{}).OnCheckedOut)

	u, ok := h.(interface{ MessageType() string })
	if !ok {
		t.Fatalf("handler %T does not expose MessageType()", h)
	}
	if u.MessageType() != "EventContextCartCheckedOutIntegrationEvent" {
		t.Errorf("MessageType() = %q", u.MessageType())
	}
}

func TestOnMessage_Handle(t *testing.T) {
	p := &cartProjector{}
	h := OnMessage(p.OnCheckedOut)
	id := uuid.New()

	if err := h.Handle(t.Context(), NewEventContext[CartAggregate](newCheckedOut(id), id)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(p.checkedOut) != 1 || p.checkedOut[0] != id {
		t.Errorf("handler not called with the message")
	}

	err := h.Handle(t.Context(), NewEventContext[CartAggregate](PriceQuotedIntegrationEvent{}, id))
	var skipped ErrSkippedEvent
	if !errors.As(err, &skipped) || !errors.Is(err, ErrSkippedMessage) {
		t.Fatalf("err = %v, want ErrSkippedEvent", err)
	}
	if skipped.MessageType != "EventContextPriceQuotedIntegrationEvent" {
		t.Errorf("skipped type = %q", skipped.MessageType)
	}
}

func TestNewMessageHandlerFunc(t *testing.T) {
	var got Publishable
	h := NewMessageHandlerFunc(func(ctx context.Context, msg Publishable) error {
		got = msg
		return nil
	})
	id := uuid.New()
	_ = h.Handle(t.Context(), NewEventContext[CartAggregate](newCheckedOut(id), id))
	if got == nil || got.AggregateID() != id {
		t.Errorf("func handler not invoked")
	}
}

func TestMessageRouter_RoutesMessages(t *testing.T) {
	p := &cartProjector{}
	registry := NewMessageTypeRegistry()
	router := NewMessageRouter(registry,
		OnMessage(p.OnCheckedOut),
		OnMessage(p.OnQuoted),
	)
	id := uuid.New()

	if err := router.Handle(t.Context(), NewEventContext[CartAggregate](newCheckedOut(id), id)); err != nil {
		t.Fatalf("handle checked out: %v", err)
	}
	if err := router.Handle(t.Context(), NewEventContext[CartAggregate](PriceQuotedIntegrationEvent{}, id)); err != nil {
		t.Fatalf("handle quoted: %v", err)
	}
	if len(p.checkedOut) != 1 || p.quoted != 1 {
		t.Errorf("routed = %d checked out, %d quoted", len(p.checkedOut), p.quoted)
	}

	if !registry.Registered("EventContextCartCheckedOutIntegrationEvent") {
		t.Errorf("router must register handled types")
	}
}

func TestMessageRouter_SkipsUnknown(t *testing.T) {
	router := NewMessageRouter(NewMessageTypeRegistry(), OnMessage((&cartProjector{}).OnQuoted))
	id := uuid.New()

	err := router.Handle(t.Context(), NewEventContext[CartAggregate](newCheckedOut(id), id))
	if !errors.Is(err, ErrSkippedMessage) {
		t.Errorf("Handle: err = %v, want skipped", err)
	}

	err = router.Deliver(t.Context(), OutboxMessage{ID: uuid.New(), MessageType: "EventContextSomethingElse"})
	var skipped ErrSkippedEvent
	if !errors.As(err, &skipped) || skipped.MessageType != "EventContextSomethingElse" {
		t.Errorf("Deliver: err = %v", err)
	}
}

func TestMessageRouter_Deliver(t *testing.T) {
	p := &cartProjector{}
	registry := NewMessageTypeRegistry()
	router := NewMessageRouter(registry, OnMessage(p.OnCheckedOut))

	id := uuid.New()
	msg, err := registry.Encode(NewDomainEventEnvelope(NewEventContext[CartAggregate](newCheckedOut(id), id), ""))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := router.Deliver(t.Context(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(p.checkedOut) != 1 || p.checkedOut[0] != id {
		t.Errorf("decoded message not routed")
	}
	if p.causation != msg.ID.String() {
		t.Errorf("causation = %q, want %s", p.causation, msg.ID)
	}

	msg.Payload = []byte(`{broken`)
	if err := router.Deliver(t.Context(), msg); !errors.Is(err, ErrSerialization) {
		t.Errorf("bad payload: err = %v", err)
	}
}

func TestMessageRouter_DuplicateHandlerPanics(t *testing.T) {
	p := &cartProjector{}
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrDuplicateHandler) {
			t.Fatalf("recovered %v, want ErrDuplicateHandler", r)
		}
	}()
	NewMessageRouter(NewMessageTypeRegistry(), OnMessage(p.OnQuoted), OnMessage(p.OnQuoted))
}

func TestMessageRouter_UntypedHandlerPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for untyped handler")
		}
	}()
	NewMessageRouter(nil, NewMessageHandlerFunc(func(context.Context, Publishable) error { return nil }))
}

func TestMessageRouter_MessageTypes_Sorted(t *testing.T) {
	p := &cartProjector{}
	router := NewMessageRouter(NewMessageTypeRegistry(), OnMessage(p.OnQuoted), OnMessage(p.OnCheckedOut))

	want := []string{"EventContextCartCheckedOutIntegrationEvent", "EventContextPriceQuotedIntegrationEvent"}
	if got := router.MessageTypes(); !slices.Equal(got, want) {
		t.Errorf("MessageTypes = %v, want %v", got, want)
	}
}

func TestDecorateMessageHandler_KeepsMessageType(t *testing.T) {
	p := &cartProjector{}
	var calls int
	typed := OnMessage(p.OnCheckedOut)
	decorated := DecorateMessageHandler(typed, func(ctx context.Context, msg Publishable) error {
		calls++
		return typed.Handle(ctx, msg)
	})

	router := NewMessageRouter(NewMessageTypeRegistry(), decorated)
	if got := router.MessageTypes(); !slices.Equal(got, []string{"EventContextCartCheckedOutIntegrationEvent"}) {
		t.Fatalf("MessageTypes = %v", got)
	}

	id := uuid.New()
	if err := router.Handle(t.Context(), NewEventContext[CartAggregate](newCheckedOut(id), id)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 1 || len(p.checkedOut) != 1 {
		t.Errorf("calls = %d, handled = %d", calls, len(p.checkedOut))
	}
}

func TestDecorateMessageHandler_Untyped(t *testing.T) {
	plain := NewMessageHandlerFunc(func(context.Context, Publishable) error { return nil })
	decorated := DecorateMessageHandler(plain, plain.Handle)
	if _, ok := decorated.(routable); ok {
		t.Errorf("decorating an untyped handler must not bind a message type")
	}
}
