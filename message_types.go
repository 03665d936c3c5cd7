package eventsourcing

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
)

// EventContextTypeName is the outer name used when flattening EventContext
// instantiations.
const EventContextTypeName = "EventContext"

// FlattenedName joins the outer envelope name and the inner event name into
// the stable wire name, e.g. "EventContextUserCreatedIntegrationEvent".
func FlattenedName(outer, inner string) string {
	return outer + inner
}

type messageType struct {
	name   string
	goType reflect.Type
	decode func(data []byte) (Publishable, error)
}

// MessageTypeRegistry maps concrete event types to the flattened wire names
// of their EventContext and back. Every type that crosses a process boundary
// must be registered once at start-up.
type MessageTypeRegistry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]messageType
	byName map[string]messageType
}

func NewMessageTypeRegistry() *MessageTypeRegistry {
	return &MessageTypeRegistry{
		byType: make(map[reflect.Type]messageType),
		byName: make(map[string]messageType),
	}
}

// DefaultMessageTypes is the process-wide registry used when a repository or
// router is not given one.
var DefaultMessageTypes = NewMessageTypeRegistry()

// RegisterMessageType registers EventContext[T] under its flattened name.
// Registering the same type twice is a no-op; a different type that flattens
// to an already registered name is rejected.
func RegisterMessageType[T any](r *MessageTypeRegistry) (string, error) {
	t := reflect.TypeFor[T]()
	inner := nameOf(t)
	if inner == "" {
		return "", fmt.Errorf("register message type %s: type has no name", t)
	}
	name := FlattenedName(EventContextTypeName, inner)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byType[t]; ok {
		return existing.name, nil
	}
	if existing, ok := r.byName[name]; ok {
		return "", fmt.Errorf("register message type %s: name %q already used by %s", t, name, existing.goType)
	}

	mt := messageType{
		name:   name,
		goType: t,
		decode: func(data []byte) (Publishable, error) {
			var c EventContext[T]
			if err := json.Unmarshal(data, &c); err != nil {
				return nil, &SerializationError{Type: name, Err: err}
			}
			return c, nil
		},
	}
	r.byType[t] = mt
	r.byName[name] = mt
	return name, nil
}

// MustRegisterMessageType is RegisterMessageType that panics on error.
func MustRegisterMessageType[T any](r *MessageTypeRegistry) string {
	name, err := RegisterMessageType[T](r)
	if err != nil {
		panic(err)
	}
	return name
}

// NameOf returns the flattened name registered for p's event type.
func (r *MessageTypeRegistry) NameOf(p Publishable) (string, error) {
	t := p.payloadType()

	r.mu.RLock()
	mt, ok := r.byType[t]
	r.mu.RUnlock()

	if !ok {
		return "", &MessageTypeNotRegisteredError{Type: FlattenedName(EventContextTypeName, nameOf(t))}
	}
	return mt.name, nil
}

// Decode rebuilds the typed EventContext registered under name.
func (r *MessageTypeRegistry) Decode(name string, payload []byte) (Publishable, error) {
	r.mu.RLock()
	mt, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &MessageTypeNotRegisteredError{Type: name}
	}
	return mt.decode(payload)
}

// Encode turns env into the outbox row the repository stages.
func (r *MessageTypeRegistry) Encode(env Envelope) (OutboxMessage, error) {
	msg := env.Message()
	name, err := r.NameOf(msg)
	if err != nil {
		return OutboxMessage{}, err
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return OutboxMessage{}, &SerializationError{Type: name, Err: err}
	}

	headers := env.Headers()
	if headers == nil {
		headers = map[string]string{}
	}
	return OutboxMessage{
		ID:            env.EnvelopeID(),
		MessageType:   name,
		RoutingKey:    env.RoutingKey(),
		AggregateType: msg.AggregateType(),
		AggregateID:   msg.AggregateID(),
		Headers:       headers,
		Payload:       payload,
		CreatedAt:     env.PublishedAt(),
	}, nil
}

// Registered reports whether name is known.
func (r *MessageTypeRegistry) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Names returns every registered flattened name in sorted order.
func (r *MessageTypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.byName))
}
