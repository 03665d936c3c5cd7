package eventsourcing

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// The domain event registry lets durable stores write stream events as JSON
// plus a type name and replay them back into their concrete Go types.

type eventCodec struct {
	name   string
	decode func(data []byte) (DomainEvent, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]eventCodec{}
	typeNames  = map[reflect.Type]string{}
)

// RegisterEvent registers T under its bare type name.
//
// Panics:
//   - If the name or the type is already registered.
//
// Example Usage:
//
//	RegisterEvent[GameCreatedDomainEvent]()
func RegisterEvent[T DomainEvent]() {
	RegisterEventName[T](TypeNameFor[T]())
}

// RegisterEventName registers T under a custom name, for events renamed in
// code whose stored name must stay the same.
func RegisterEventName[T DomainEvent](name string) {
	if name == "" {
		panic("cannot register event with empty name")
	}
	t := reflect.TypeFor[T]()

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}
	if existing, exists := typeNames[t]; exists {
		panic(fmt.Sprintf("event type %s already registered as %s", t, existing))
	}

	registry[name] = eventCodec{
		name: name,
		decode: func(data []byte) (DomainEvent, error) {
			var ev T
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil, &SerializationError{Type: name, Err: err}
			}
			return ev, nil
		},
	}
	typeNames[t] = name
}

// EventName returns the registered name of ev's concrete type.
func EventName(ev DomainEvent) (string, error) {
	registryMu.RLock()
	name, ok := typeNames[reflect.TypeOf(ev)]
	registryMu.RUnlock()

	if !ok {
		return "", fmt.Errorf("event not registered: %T", ev)
	}
	return name, nil
}

// EncodeEvent returns the registered name and JSON form of ev.
func EncodeEvent(ev DomainEvent) (string, []byte, error) {
	name, err := EventName(ev)
	if err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, &SerializationError{Type: name, Err: err}
	}
	return name, data, nil
}

// DecodeEvent rebuilds the event registered under name from its JSON form.
func DecodeEvent(name string, data []byte) (DomainEvent, error) {
	registryMu.RLock()
	codec, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("event not registered: %s", name)
	}
	return codec.decode(data)
}
