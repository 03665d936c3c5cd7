package eventsourcing

import (
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Envelope header names.
const (
	HeaderAggregateType   = "aggregate-type"
	HeaderAggregateID     = "aggregate-id"
	HeaderEventType       = "event-type"
	HeaderEventVersion    = "event-version"
	HeaderCorrelationID   = "correlation-id"
	HeaderSource          = "source"
	HeaderOccurredAt      = "occurred-at"
	HeaderUserID          = "user-id"
	HeaderIsAuthenticated = "is-authenticated"
	HeaderMessageID       = "message-id"
	HeaderMessageType     = "message-type"
	HeaderRoutingKey      = "routing-key"
)

// OccurredAtLayout is the fixed-width, round-trippable layout used for the
// occurred-at header. Times are always rendered in UTC.
const OccurredAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// UnknownSource is written to the source header when the context has none.
const UnknownSource = "Unknown"

// Envelope is the transport view of a publishable event context that the
// repository stages in the outbox.
type Envelope interface {
	EnvelopeID() uuid.UUID
	PublishedAt() time.Time
	RoutingKey() string
	Headers() map[string]string
	Message() Publishable
}

var _ Envelope = EventEnvelope[struct{}]{}

// EventEnvelope adds routing and delivery metadata around an EventContext.
// It is built once at publish time and never mutated.
type EventEnvelope[T any] struct {
	context     EventContext[T]
	envelopeID  uuid.UUID
	publishedAt time.Time
	routingKey  string
	headers     map[string]string
}

// NewDomainEventEnvelope wraps c with the full header set derived from the
// context. An empty routingKey is resolved from the context's type names.
func NewDomainEventEnvelope[T any](c EventContext[T], routingKey string) EventEnvelope[T] {
	if routingKey == "" {
		routingKey = RoutingKeyOf(c)
	}
	source := c.Source()
	if source == "" {
		source = UnknownSource
	}
	headers := map[string]string{
		HeaderAggregateType: c.AggregateType(),
		HeaderAggregateID:   c.AggregateID().String(),
		HeaderEventType:     c.EventType(),
		HeaderEventVersion:  strconv.Itoa(c.Version()),
		HeaderCorrelationID: c.CorrelationID(),
		HeaderSource:        source,
		HeaderOccurredAt:    FormatOccurredAt(c.OccurredAt()),
	}
	return newEnvelope(c, routingKey, headers)
}

type envelopeConfig struct {
	routingKey string
	headers    map[string]string
}

// EnvelopeOption customizes NewEventEnvelope.
type EnvelopeOption func(*envelopeConfig)

// WithRoutingKey replaces the derived routing key.
func WithRoutingKey(key string) EnvelopeOption {
	return func(c *envelopeConfig) { c.routingKey = key }
}

// WithHeaders adds custom headers. They override the defaults on conflict.
func WithHeaders(h map[string]string) EnvelopeOption {
	return func(c *envelopeConfig) {
		if c.headers == nil {
			c.headers = make(map[string]string, len(h))
		}
		maps.Copy(c.headers, h)
	}
}

// NewEventEnvelope wraps c with the minimal header set (aggregate-type,
// aggregate-id, event-type, occurred-at) merged with any custom headers.
func NewEventEnvelope[T any](c EventContext[T], opts ...EnvelopeOption) EventEnvelope[T] {
	var cfg envelopeConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.routingKey == "" {
		cfg.routingKey = RoutingKeyOf(c)
	}
	return newEnvelope(c, cfg.routingKey, MergeHeaders(c, cfg.headers))
}

// MergeHeaders returns the default headers for p with custom applied on top.
func MergeHeaders(p Publishable, custom map[string]string) map[string]string {
	headers := map[string]string{
		HeaderAggregateType: p.AggregateType(),
		HeaderAggregateID:   p.AggregateID().String(),
		HeaderEventType:     p.EventType(),
		HeaderOccurredAt:    FormatOccurredAt(p.OccurredAt()),
	}
	maps.Copy(headers, custom)
	return headers
}

func newEnvelope[T any](c EventContext[T], routingKey string, headers map[string]string) EventEnvelope[T] {
	return EventEnvelope[T]{
		context:     c,
		envelopeID:  uuid.New(),
		publishedAt: now().UTC(),
		routingKey:  routingKey,
		headers:     headers,
	}
}

// FormatOccurredAt renders t with OccurredAtLayout in UTC.
func FormatOccurredAt(t time.Time) string {
	return t.UTC().Format(OccurredAtLayout)
}

// ParseOccurredAt is the inverse of FormatOccurredAt.
func ParseOccurredAt(s string) (time.Time, error) {
	return time.Parse(OccurredAtLayout, s)
}

func (e EventEnvelope[T]) Context() EventContext[T] { return e.context }
func (e EventEnvelope[T]) Message() Publishable     { return e.context }
func (e EventEnvelope[T]) EnvelopeID() uuid.UUID    { return e.envelopeID }
func (e EventEnvelope[T]) PublishedAt() time.Time   { return e.publishedAt }
func (e EventEnvelope[T]) RoutingKey() string       { return e.routingKey }

// Headers returns a copy of the envelope headers.
func (e EventEnvelope[T]) Headers() map[string]string { return maps.Clone(e.headers) }

// ActorHeaders returns the user-id and is-authenticated transport headers for
// p. Both are omitted when the context carries no user.
func ActorHeaders(p Publishable) map[string]string {
	if p.UserID() == "" {
		return nil
	}
	return map[string]string{
		HeaderUserID:          p.UserID(),
		HeaderIsAuthenticated: strconv.FormatBool(p.IsAuthenticated()),
	}
}
