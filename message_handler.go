package eventsourcing

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// MessageHandler handles a decoded integration message.
type MessageHandler interface {
	// Handle processes the given message within the provided context.
	Handle(ctx context.Context, msg Publishable) error
}

// NewMessageHandlerFunc creates a MessageHandler from a plain function.
//
// There is no type-checking or filtering: the handler will receive every
// message it is invoked with. If you need type safety, use OnMessage[T]
// instead. A plain handler cannot be registered in a MessageRouter, which
// routes by type.
//
// Example Usage:
//
//	handler := NewMessageHandlerFunc(func(ctx context.Context, msg Publishable) error {
//	    log.Println("received", msg.EventType())
//	    return nil
//	})
func NewMessageHandlerFunc(fn func(ctx context.Context, msg Publishable) error) MessageHandler {
	return messageHandlerFunc(fn)
}

type messageHandlerFunc func(ctx context.Context, msg Publishable) error

func (h messageHandlerFunc) Handle(ctx context.Context, msg Publishable) error {
	return h(ctx, msg)
}

// DecorateMessageHandler returns a handler that runs fn in place of next.
// When next was created with OnMessage the result stays bound to the same
// message type, so middleware can be applied before building a MessageRouter.
// fn is responsible for calling next.
func DecorateMessageHandler(next MessageHandler, fn func(ctx context.Context, msg Publishable) error) MessageHandler {
	if rh, ok := next.(routable); ok {
		return decoratedHandler{routable: rh, fn: fn}
	}
	return messageHandlerFunc(fn)
}

type decoratedHandler struct {
	routable
	fn func(ctx context.Context, msg Publishable) error
}

func (h decoratedHandler) Handle(ctx context.Context, msg Publishable) error {
	return h.fn(ctx, msg)
}

// routable is implemented by handlers bound to one message type.
type routable interface {
	MessageHandler
	register(r *MessageTypeRegistry) (string, error)
}

// typedMessageHandler is a strongly typed handler for EventContext[T].
type typedMessageHandler[T any] func(ctx context.Context, msg EventContext[T]) error

// MessageType returns the flattened name of EventContext[T].
func (h typedMessageHandler[T]) MessageType() string {
	return FlattenedName(EventContextTypeName, TypeNameFor[T]())
}

// Handle processes the message if it carries a T and returns ErrSkippedEvent
// otherwise.
func (h typedMessageHandler[T]) Handle(ctx context.Context, msg Publishable) error {
	c, ok := As[T](msg)
	if !ok {
		return ErrSkippedEvent{MessageType: FlattenedName(EventContextTypeName, msg.EventType())}
	}
	return h(ctx, c)
}

func (h typedMessageHandler[T]) register(r *MessageTypeRegistry) (string, error) {
	return RegisterMessageType[T](r)
}

// OnMessage creates a strongly-typed MessageHandler for EventContext[T].
//
// Example Usage:
//
//	handler := OnMessage(func(ctx context.Context, msg EventContext[UserCreatedIntegrationEvent]) error {
//	    return projection.AddUser(ctx, msg.Data())
//	})
func OnMessage[T any](fn func(ctx context.Context, msg EventContext[T]) error) MessageHandler {
	return typedMessageHandler[T](fn)
}

// MessageRouter routes integration messages to the handler registered for
// their type. It is the consuming end of the outbox: brokers hand it raw
// messages through Deliver.
type MessageRouter struct {
	registry *MessageTypeRegistry
	handlers map[string]MessageHandler // key = flattened name
}

// NewMessageRouter builds a router over typed handlers created with
// OnMessage. Each handler's message type is registered with registry, which
// is also used to decode incoming payloads. A nil registry means
// DefaultMessageTypes.
//
// Panics:
//   - If a handler was not created with OnMessage.
//   - If two handlers are given for the same message type.
//   - If a message type collides with another registered type.
//
// Example Usage:
//
//	router := NewMessageRouter(nil,
//	    OnMessage(p.OnUserCreated),
//	    OnMessage(p.OnPaymentApproved),
//	)
//	err := router.Deliver(ctx, outboxMessage)
func NewMessageRouter(registry *MessageTypeRegistry, handlers ...MessageHandler) *MessageRouter {
	if registry == nil {
		registry = DefaultMessageTypes
	}
	m := make(map[string]MessageHandler, len(handlers))
	for _, h := range handlers {
		rh, ok := h.(routable)
		if !ok {
			panic(fmt.Errorf("handler %T is not bound to a message type, use OnMessage", h))
		}
		name, err := rh.register(registry)
		if err != nil {
			panic(err)
		}
		if _, exists := m[name]; exists {
			panic(fmt.Errorf("duplicate handler for message %s: %w", name, ErrDuplicateHandler))
		}
		m[name] = h
	}
	return &MessageRouter{registry: registry, handlers: m}
}

// Handle routes a decoded message.
// Returns ErrSkippedEvent if no handler exists for its type.
func (r *MessageRouter) Handle(ctx context.Context, msg Publishable) error {
	name, err := r.registry.NameOf(msg)
	if err != nil {
		return ErrSkippedEvent{MessageType: FlattenedName(EventContextTypeName, msg.EventType())}
	}
	h, ok := r.handlers[name]
	if !ok {
		return ErrSkippedEvent{MessageType: name}
	}
	return h.Handle(ctx, msg)
}

// Deliver decodes a transport message and routes it. The message identity is
// added to ctx, so that anything the handler writes records it as causation.
//
// Returns ErrSkippedEvent, without decoding, if no handler exists for the
// message type.
func (r *MessageRouter) Deliver(ctx context.Context, msg OutboxMessage) error {
	h, ok := r.handlers[msg.MessageType]
	if !ok {
		return ErrSkippedEvent{MessageType: msg.MessageType}
	}
	decoded, err := r.registry.Decode(msg.MessageType, msg.Payload)
	if err != nil {
		return fmt.Errorf("deliver message %s: %w", msg.ID, err)
	}
	return h.Handle(WithMessage(ctx, msg), decoded)
}

// MessageTypes returns a sorted list of all message types handled by this
// router. Useful for subscribing to topics or listing registered handlers.
func (r *MessageRouter) MessageTypes() []string {
	return slices.Sorted(maps.Keys(r.handlers))
}
