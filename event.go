package eventsourcing

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent records a state change inside one service. It is appended to
// the aggregate's stream and never crosses a process boundary directly.
type DomainEvent interface {
	AggregateID() uuid.UUID
	OccurredOn() time.Time
}

// IntegrationEvent is the cross-service projection of a domain event. Concrete
// types should expose only the fields consumers need.
type IntegrationEvent interface {
	DomainEvent
	EventID() uuid.UUID
	EventName() string
}

// BaseDomainEvent is embedded by concrete domain events.
type BaseDomainEvent struct {
	Aggregate uuid.UUID `json:"aggregateId"`
	Occurred  time.Time `json:"occurredOn"`
}

// NewBaseDomainEvent stamps the event with the current UTC time.
func NewBaseDomainEvent(aggregateID uuid.UUID) BaseDomainEvent {
	return BaseDomainEvent{Aggregate: aggregateID, Occurred: now().UTC()}
}

func (e BaseDomainEvent) AggregateID() uuid.UUID { return e.Aggregate }
func (e BaseDomainEvent) OccurredOn() time.Time  { return e.Occurred }

// BaseIntegrationEvent is embedded by concrete integration events. Its JSON
// members are flattened into the concrete event's wire shape.
type BaseIntegrationEvent struct {
	ID         uuid.UUID            `json:"eventId"`
	Aggregate  uuid.UUID            `json:"aggregateId"`
	Occurred   time.Time            `json:"occurredOn"`
	Name       string               `json:"eventName"`
	RelatedIDs map[string]uuid.UUID `json:"relatedIds"`
}

// NewIntegrationEventBase builds the base for an integration event of type T.
// Every call yields a fresh event id, which consumers use as the idempotency key.
// relatedIDs maps secondary entity names to their ids and may be nil.
func NewIntegrationEventBase[T IntegrationEvent](aggregateID uuid.UUID, relatedIDs map[string]uuid.UUID) BaseIntegrationEvent {
	var related map[string]uuid.UUID
	if relatedIDs != nil {
		related = make(map[string]uuid.UUID, len(relatedIDs))
		for k, v := range relatedIDs {
			related[k] = v
		}
	}
	return BaseIntegrationEvent{
		ID:         uuid.New(),
		Aggregate:  aggregateID,
		Occurred:   now().UTC(),
		Name:       TypeNameFor[T](),
		RelatedIDs: related,
	}
}

func (e BaseIntegrationEvent) EventID() uuid.UUID     { return e.ID }
func (e BaseIntegrationEvent) AggregateID() uuid.UUID { return e.Aggregate }
func (e BaseIntegrationEvent) OccurredOn() time.Time  { return e.Occurred }
func (e BaseIntegrationEvent) EventName() string      { return e.Name }

// RelatedID returns the id recorded for a secondary entity.
func (e BaseIntegrationEvent) RelatedID(name string) (uuid.UUID, bool) {
	id, ok := e.RelatedIDs[name]
	return id, ok
}
