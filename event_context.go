package eventsourcing

import (
	"context"
	"encoding/json"
	"maps"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Metadata keys written from the request context.
const (
	MetadataCausationID   = "causation-id"
	MetadataCorrelationID = "correlation-id"
)

// Publishable is the capability every event context offers to routing, header
// derivation and the message type registry. It is implemented by
// EventContext[T] only.
type Publishable interface {
	MessageID() uuid.UUID
	OccurredAt() time.Time
	AggregateID() uuid.UUID
	AggregateType() string
	EventType() string
	UserID() string
	IsAuthenticated() bool
	CorrelationID() string
	Source() string
	Version() int
	Metadata() map[string]any
	Payload() any

	payloadType() reflect.Type
}

var _ Publishable = EventContext[struct{}]{}

// EventContext wraps one event with message level metadata. It is immutable
// once built; the event type name is resolved at construction and never
// recomputed.
type EventContext[T any] struct {
	data            T
	messageID       uuid.UUID
	occurredAt      time.Time
	aggregateID     uuid.UUID
	aggregateType   string
	eventType       string
	userID          string
	isAuthenticated bool
	correlationID   string
	source          string
	version         int
	metadata        map[string]any
}

type contextConfig struct {
	messageID       uuid.UUID
	occurredAt      time.Time
	eventType       string
	userID          string
	isAuthenticated bool
	correlationID   string
	source          string
	version         int
	metadata        map[string]any
	causationID     string
}

// ContextOption customizes an EventContext at construction.
type ContextOption func(*contextConfig)

func WithEventType(name string) ContextOption {
	return func(c *contextConfig) { c.eventType = name }
}

func WithUserID(id string) ContextOption {
	return func(c *contextConfig) { c.userID = id }
}

func WithAuthenticated(authenticated bool) ContextOption {
	return func(c *contextConfig) { c.isAuthenticated = authenticated }
}

func WithCorrelation(id string) ContextOption {
	return func(c *contextConfig) { c.correlationID = id }
}

func WithSource(source string) ContextOption {
	return func(c *contextConfig) { c.source = source }
}

// WithVersion sets the payload schema version. The default is 1.
func WithVersion(v int) ContextOption {
	return func(c *contextConfig) { c.version = v }
}

// WithMetadata merges md into the context metadata. Later options win.
// Values travel as JSON, so a decoded context holds the JSON form of each
// value: numbers become float64, and ids and times become strings.
func WithMetadata(md map[string]any) ContextOption {
	return func(c *contextConfig) {
		if c.metadata == nil {
			c.metadata = make(map[string]any, len(md))
		}
		maps.Copy(c.metadata, md)
	}
}

func WithMessageID(id uuid.UUID) ContextOption {
	return func(c *contextConfig) { c.messageID = id }
}

func WithOccurredAt(t time.Time) ContextOption {
	return func(c *contextConfig) { c.occurredAt = t }
}

// FromContext copies the actor, correlation id and causation id carried by
// ctx. Options listed after it override what it sets.
func FromContext(ctx context.Context) ContextOption {
	return func(c *contextConfig) {
		if actor, ok := ActorFromContext(ctx); ok {
			c.userID = actor.UserID
			c.isAuthenticated = actor.IsAuthenticated
		}
		if id := CorrelationIDFromContext(ctx); id != "" {
			c.correlationID = id
		}
		c.causationID = CausationFromContext(ctx)
	}
}

// NewEventContextFor builds a context for data owned by an aggregate named
// aggregateType.
func NewEventContextFor[T any](aggregateType string, data T, aggregateID uuid.UUID, opts ...ContextOption) EventContext[T] {
	cfg := contextConfig{version: 1}
	for _, o := range opts {
		o(&cfg)
	}

	eventType := cfg.eventType
	if eventType == "" {
		eventType = TypeName(data)
	}
	if eventType == "" {
		eventType = TypeNameFor[T]()
	}

	if cfg.messageID == uuid.Nil {
		cfg.messageID = uuid.New()
	}
	if cfg.occurredAt.IsZero() {
		cfg.occurredAt = now()
	}

	var md map[string]any
	if len(cfg.metadata) > 0 || cfg.causationID != "" {
		md = make(map[string]any, len(cfg.metadata)+1)
		if cfg.causationID != "" {
			md[MetadataCausationID] = cfg.causationID
		}
		maps.Copy(md, cfg.metadata)
	}

	return EventContext[T]{
		data:            data,
		messageID:       cfg.messageID,
		occurredAt:      cfg.occurredAt.UTC(),
		aggregateID:     aggregateID,
		aggregateType:   aggregateType,
		eventType:       eventType,
		userID:          cfg.userID,
		isAuthenticated: cfg.isAuthenticated,
		correlationID:   cfg.correlationID,
		source:          cfg.source,
		version:         cfg.version,
		metadata:        md,
	}
}

// NewEventContext builds a context whose aggregate type is the name of A.
//
//	c := NewEventContext[*GameAggregate](GameCreatedIntegrationEvent{...}, id, FromContext(ctx))
func NewEventContext[A any, T any](data T, aggregateID uuid.UUID, opts ...ContextOption) EventContext[T] {
	return NewEventContextFor(TypeNameFor[A](), data, aggregateID, opts...)
}

// NewBasicEventContext covers the common case of an actor and a correlation
// id and nothing else. Empty values are left unset.
func NewBasicEventContext[A any, T any](data T, aggregateID uuid.UUID, userID, correlationID string) EventContext[T] {
	return NewEventContextFor(TypeNameFor[A](), data, aggregateID,
		WithUserID(userID),
		WithAuthenticated(userID != ""),
		WithCorrelation(correlationID),
	)
}

// As returns the typed context behind p.
func As[T any](p Publishable) (EventContext[T], bool) {
	c, ok := p.(EventContext[T])
	return c, ok
}

func (c EventContext[T]) Data() T                   { return c.data }
func (c EventContext[T]) Payload() any              { return c.data }
func (c EventContext[T]) MessageID() uuid.UUID      { return c.messageID }
func (c EventContext[T]) OccurredAt() time.Time     { return c.occurredAt }
func (c EventContext[T]) AggregateID() uuid.UUID    { return c.aggregateID }
func (c EventContext[T]) AggregateType() string     { return c.aggregateType }
func (c EventContext[T]) EventType() string         { return c.eventType }
func (c EventContext[T]) UserID() string            { return c.userID }
func (c EventContext[T]) IsAuthenticated() bool     { return c.isAuthenticated }
func (c EventContext[T]) CorrelationID() string     { return c.correlationID }
func (c EventContext[T]) Source() string            { return c.source }
func (c EventContext[T]) Version() int              { return c.version }
func (c EventContext[T]) payloadType() reflect.Type { return reflect.TypeFor[T]() }

// Metadata returns a copy of the metadata map. After a JSON round trip the
// values are JSON-typed; see WithMetadata.
func (c EventContext[T]) Metadata() map[string]any {
	if c.metadata == nil {
		return nil
	}
	return maps.Clone(c.metadata)
}

type eventContextJSON[T any] struct {
	EventData       T              `json:"eventData"`
	MessageID       uuid.UUID      `json:"messageId"`
	OccurredAt      time.Time      `json:"occurredAt"`
	AggregateID     uuid.UUID      `json:"aggregateId"`
	AggregateType   string         `json:"aggregateType"`
	EventType       string         `json:"eventType"`
	UserID          string         `json:"userId,omitempty"`
	IsAuthenticated bool           `json:"isAuthenticated"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	Source          string         `json:"source,omitempty"`
	Version         int            `json:"version"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (c EventContext[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventContextJSON[T]{
		EventData:       c.data,
		MessageID:       c.messageID,
		OccurredAt:      c.occurredAt,
		AggregateID:     c.aggregateID,
		AggregateType:   c.aggregateType,
		EventType:       c.eventType,
		UserID:          c.userID,
		IsAuthenticated: c.isAuthenticated,
		CorrelationID:   c.correlationID,
		Source:          c.source,
		Version:         c.version,
		Metadata:        c.metadata,
	})
}

// UnmarshalJSON restores a context from its wire form. Metadata values are
// decoded into generic JSON types and may differ from the values encoded.
func (c *EventContext[T]) UnmarshalJSON(b []byte) error {
	var w eventContextJSON[T]
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = EventContext[T]{
		data:            w.EventData,
		messageID:       w.MessageID,
		occurredAt:      w.OccurredAt,
		aggregateID:     w.AggregateID,
		aggregateType:   w.AggregateType,
		eventType:       w.EventType,
		userID:          w.UserID,
		isAuthenticated: w.IsAuthenticated,
		correlationID:   w.CorrelationID,
		source:          w.Source,
		version:         w.Version,
		metadata:        w.Metadata,
	}
	return nil
}
