package fixtures

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
)

// GameAggregate is a small aggregate used across the test suites.
type GameAggregate struct {
	es.AggregateRoot
	Name  string
	Price float64

	apply func(es.DomainEvent)
}

var ErrInvalidPrice = errors.New("price must not be negative")

// NewGameAggregate returns an empty game ready to have history applied. It is
// the factory handed to repositories.
func NewGameAggregate(id uuid.UUID) *GameAggregate {
	g := &GameAggregate{AggregateRoot: es.NewAggregateRoot(id)}
	g.apply = es.Hydrate(
		es.NewHydrateHandler(g.onCreated),
		es.NewHydrateHandler(g.onPriceChanged),
		es.NewHydrateHandler(g.onDeactivated),
	)
	return g
}

// CreateGame starts a new game and buffers its creation event.
func CreateGame(id uuid.UUID, name string, price float64) (*GameAggregate, error) {
	if price < 0 {
		return nil, ErrInvalidPrice
	}
	g := NewGameAggregate(id)
	return g, g.raise(GameCreatedDomainEvent{
		BaseDomainEvent: es.NewBaseDomainEvent(id),
		Name:            name,
		Price:           price,
	})
}

func (g *GameAggregate) ChangePrice(price float64) error {
	if price < 0 {
		return ErrInvalidPrice
	}
	return g.raise(GamePriceChangedDomainEvent{
		BaseDomainEvent: es.NewBaseDomainEvent(g.AggregateID()),
		Price:           price,
	})
}

func (g *GameAggregate) Deactivate() error {
	if !g.IsActive() {
		return nil
	}
	return g.raise(GameDeactivatedDomainEvent{BaseDomainEvent: es.NewBaseDomainEvent(g.AggregateID())})
}

func (g *GameAggregate) Apply(ev es.DomainEvent) { g.apply(ev) }

func (g *GameAggregate) raise(ev es.DomainEvent) error {
	g.Apply(ev)
	return g.AddNewEvent(ev)
}

func (g *GameAggregate) onCreated(ev GameCreatedDomainEvent) {
	g.Name = ev.Name
	g.Price = ev.Price
	g.SetCreatedAt(ev.OccurredOn())
	g.SetUpdatedAt(ev.OccurredOn())
	g.SetActivate()
}

func (g *GameAggregate) onPriceChanged(ev GamePriceChangedDomainEvent) {
	g.Price = ev.Price
	g.SetUpdatedAt(ev.OccurredOn())
}

func (g *GameAggregate) onDeactivated(ev GameDeactivatedDomainEvent) {
	g.SetDeactivate()
	g.SetUpdatedAt(ev.OccurredOn())
}

// DecideCreateGame handles CreateGameCommand for a command handler.
func DecideCreateGame(ctx context.Context, g *GameAggregate, cmd CreateGameCommand) ([]es.Envelope, error) {
	if g.AggregateVersion() != 0 {
		return nil, fmt.Errorf("game %s already exists: %w", cmd.ID, es.ErrBusinessRuleViolation)
	}
	if cmd.Price < 0 {
		return nil, fmt.Errorf("create game %s: %w: %w", cmd.ID, es.ErrBusinessRuleViolation, ErrInvalidPrice)
	}
	if err := g.raise(GameCreatedDomainEvent{
		BaseDomainEvent: es.NewBaseDomainEvent(cmd.ID),
		Name:            cmd.Name,
		Price:           cmd.Price,
	}); err != nil {
		return nil, err
	}
	return []es.Envelope{GameCreatedEnvelope(ctx, g)}, nil
}

// DecideChangePrice handles ChangeGamePriceCommand for a command handler.
func DecideChangePrice(ctx context.Context, g *GameAggregate, cmd ChangeGamePriceCommand) ([]es.Envelope, error) {
	if err := g.ChangePrice(cmd.Price); err != nil {
		return nil, fmt.Errorf("%w: %w", es.ErrBusinessRuleViolation, err)
	}
	return nil, nil
}

// GameCreatedEnvelope builds the integration envelope announcing g.
func GameCreatedEnvelope(ctx context.Context, g *GameAggregate) es.Envelope {
	c := es.NewEventContext[*GameAggregate](
		NewGameCreatedIntegrationEvent(g.AggregateID(), g.Name, g.Price),
		g.AggregateID(),
		es.FromContext(ctx),
		es.WithSource("games-api"),
	)
	return es.NewDomainEventEnvelope(c, "")
}
