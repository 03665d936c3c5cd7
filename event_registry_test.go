package eventsourcing

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

type ledgerOpened struct {
	BaseDomainEvent
	Owner string `json:"owner"`
}

type ledgerRenamed struct {
	BaseDomainEvent
	Name string `json:"name"`
}

type ledgerClosed struct {
	BaseDomainEvent
}

func init() {
	RegisterEvent[ledgerOpened]()
	RegisterEventName[ledgerRenamed]("LedgerRenamedV1")
}

func TestEventRegistry_RoundTrip(t *testing.T) {
	ev := ledgerOpened{BaseDomainEvent: NewBaseDomainEvent(uuid.New()), Owner: "alice"}

	name, data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if name != "ledgerOpened" {
		t.Errorf("name = %q", name)
	}

	back, err := DecodeEvent(name, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := back.(ledgerOpened)
	if !ok {
		t.Fatalf("decoded %T", back)
	}
	if got.Owner != "alice" || got.AggregateID() != ev.AggregateID() || !got.OccurredOn().Equal(ev.OccurredOn()) {
		t.Errorf("decoded = %+v, want %+v", got, ev)
	}
}

func TestEventRegistry_CustomName(t *testing.T) {
	name, err := EventName(ledgerRenamed{})
	if err != nil || name != "LedgerRenamedV1" {
		t.Errorf("EventName = %q, %v", name, err)
	}
}

func TestEventRegistry_Unregistered(t *testing.T) {
	if _, _, err := EncodeEvent(ledgerClosed{}); err == nil {
		t.Errorf("encoding an unregistered event must fail")
	}
	if _, err := DecodeEvent("ledgerClosed", []byte(`{}`)); err == nil {
		t.Errorf("decoding an unregistered name must fail")
	}
}

func TestEventRegistry_BadPayload(t *testing.T) {
	if _, err := DecodeEvent("ledgerOpened", []byte(`[`)); !errors.Is(err, ErrSerialization) {
		t.Errorf("err = %v, want ErrSerialization", err)
	}
}

func TestEventRegistry_DuplicatePanics(t *testing.T) {
	tests := []struct {
		name     string
		register func()
	}{
		{"same type", func() { RegisterEvent[ledgerOpened]() }},
		{"same name", func() { RegisterEventName[ledgerClosed]("ledgerOpened") }},
		{"empty name", func() { RegisterEventName[ledgerClosed]("") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			tt.register()
		})
	}
}
