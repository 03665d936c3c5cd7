package eventsourcing

import (
	"fmt"
	"reflect"
)

// HydrateHandler applies one concrete event type to an aggregate's state.
type HydrateHandler interface {
	EventType() reflect.Type
	Apply(event DomainEvent)
}

type genericHydrateHandler[T DomainEvent] struct {
	handleFunc func(event T)
}

// NewHydrateHandler creates a HydrateHandler whose event type is inferred
// from the function argument.
func NewHydrateHandler[T DomainEvent](handleFunc func(event T)) HydrateHandler {
	return genericHydrateHandler[T]{handleFunc: handleFunc}
}

func (h genericHydrateHandler[T]) EventType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (h genericHydrateHandler[T]) Apply(e DomainEvent) {
	h.handleFunc(e.(T))
}

// Hydrate builds an Apply function that dispatches each event to the handler
// registered for its exact type. Events without a handler are ignored, so old
// event types can be retired without breaking replay.
//
// Panics:
//   - If two handlers are given for the same event type.
//
// Example Usage:
//
//	func (g *GameAggregate) Apply(ev DomainEvent) { g.apply(ev) }
//	g.apply = Hydrate(
//	    NewHydrateHandler(g.onCreated),
//	    NewHydrateHandler(g.onPriceChanged),
//	)
func Hydrate(handlers ...HydrateHandler) func(ev DomainEvent) {
	byType := make(map[reflect.Type]HydrateHandler, len(handlers))
	for _, h := range handlers {
		t := h.EventType()
		if _, exists := byType[t]; exists {
			panic(fmt.Errorf("hydrate %s: %w", t, ErrDuplicateHandler))
		}
		byType[t] = h
	}

	return func(ev DomainEvent) {
		if ev == nil {
			return
		}
		if h, ok := byType[reflect.TypeOf(ev)]; ok {
			h.Apply(ev)
		}
	}
}
