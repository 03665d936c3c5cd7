package eventsourcing

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const (
	correlationIDKey ctxKey = "correlationID"
	causationIDKey   ctxKey = "causationID"
	actorKey         ctxKey = "actor"
	messageIDKey     ctxKey = "messageID"
	messageTypeKey   ctxKey = "messageType"
	routingKeyKey    ctxKey = "routingKey"
	aggregateIDKey   ctxKey = "aggregateID"
)

// CorrelationHeader is the inbound request header carrying the correlation id.
const CorrelationHeader = "x-correlation-id"

// Actor is the principal a command or message is executed on behalf of.
type Actor struct {
	UserID          string
	IsAuthenticated bool
}

// WithCorrelationID stores id on ctx. Empty ids are ignored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation id or "" if not present
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// EnsureCorrelationID returns ctx unchanged when it already carries a
// correlation id, otherwise it stores a fresh one.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

// WithCausationID records the id of the message that caused the current work.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey, id)
}

// CausationFromContext returns the causation id or "" if not present
func CausationFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(causationIDKey).(string); ok {
		return v
	}
	return ""
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the acting principal, if one was attached.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// WithMessage adds the identity of a received message to the context. The
// message id becomes the causation id of anything the handler produces.
func WithMessage(ctx context.Context, msg OutboxMessage) context.Context {
	ctx = context.WithValue(ctx, messageIDKey, msg.ID)
	ctx = context.WithValue(ctx, messageTypeKey, msg.MessageType)
	ctx = context.WithValue(ctx, routingKeyKey, msg.RoutingKey)
	ctx = context.WithValue(ctx, aggregateIDKey, msg.AggregateID)
	ctx = WithCausationID(ctx, msg.ID.String())
	if id := msg.Headers[HeaderCorrelationID]; id != "" {
		ctx = WithCorrelationID(ctx, id)
	}
	return ctx
}

// MessageIDFromContext returns the message id or uuid.Nil if not present
func MessageIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(messageIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// MessageTypeFromContext returns the flattened message type or "" if not present
func MessageTypeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(messageTypeKey).(string); ok {
		return v
	}
	return ""
}

// RoutingKeyFromContext returns the routing key or "" if not present
func RoutingKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(routingKeyKey).(string); ok {
		return v
	}
	return ""
}

// AggregateIDFromContext returns the aggregate id or uuid.Nil if not present
func AggregateIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(aggregateIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
