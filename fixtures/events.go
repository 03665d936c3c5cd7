package fixtures

import (
	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
)

// Domain events of the game aggregate. They stay inside the service.

type GameCreatedDomainEvent struct {
	es.BaseDomainEvent
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type GamePriceChangedDomainEvent struct {
	es.BaseDomainEvent
	Price float64 `json:"price"`
}

type GameDeactivatedDomainEvent struct {
	es.BaseDomainEvent
}

// Integration events published to other services.

type GameCreatedIntegrationEvent struct {
	es.BaseIntegrationEvent
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type UserCreatedIntegrationEvent struct {
	es.BaseIntegrationEvent
	Name string `json:"name"`
	Role string `json:"role"`
}

// PaymentApprovedIntegrationEvent references both the paying user and the
// purchased game through RelatedIDs.
type PaymentApprovedIntegrationEvent struct {
	es.BaseIntegrationEvent
	Amount float64 `json:"amount"`
}

// Related entity names used in RelatedIDs.
const (
	RelatedUser = "User"
	RelatedGame = "Game"
)

func NewGameCreatedIntegrationEvent(gameID uuid.UUID, name string, price float64) GameCreatedIntegrationEvent {
	return GameCreatedIntegrationEvent{
		BaseIntegrationEvent: es.NewIntegrationEventBase[GameCreatedIntegrationEvent](gameID, nil),
		Name:                 name,
		Price:                price,
	}
}

func NewUserCreatedIntegrationEvent(userID uuid.UUID, name, role string) UserCreatedIntegrationEvent {
	return UserCreatedIntegrationEvent{
		BaseIntegrationEvent: es.NewIntegrationEventBase[UserCreatedIntegrationEvent](userID, nil),
		Name:                 name,
		Role:                 role,
	}
}

func NewPaymentApprovedIntegrationEvent(paymentID, userID, gameID uuid.UUID, amount float64) PaymentApprovedIntegrationEvent {
	return PaymentApprovedIntegrationEvent{
		BaseIntegrationEvent: es.NewIntegrationEventBase[PaymentApprovedIntegrationEvent](paymentID, map[string]uuid.UUID{
			RelatedUser: userID,
			RelatedGame: gameID,
		}),
		Amount: amount,
	}
}

// UnencodableIntegrationEvent cannot be written as JSON.
type UnencodableIntegrationEvent struct {
	es.BaseIntegrationEvent
	Callback func() `json:"callback"`
}

func init() {
	es.RegisterEvent[GameCreatedDomainEvent]()
	es.RegisterEvent[GamePriceChangedDomainEvent]()
	es.RegisterEvent[GameDeactivatedDomainEvent]()
	es.RegisterEvent[GameCreatedIntegrationEvent]()
}

// RegisterMessageTypes registers every integration event of the fixture
// domain with r and returns the flattened names.
func RegisterMessageTypes(r *es.MessageTypeRegistry) []string {
	return []string{
		es.MustRegisterMessageType[GameCreatedIntegrationEvent](r),
		es.MustRegisterMessageType[UserCreatedIntegrationEvent](r),
		es.MustRegisterMessageType[PaymentApprovedIntegrationEvent](r),
		es.MustRegisterMessageType[UnencodableIntegrationEvent](r),
	}
}

// TypeNames lists every aggregate and event type name of the fixture domain.
var TypeNames = []string{
	es.TypeNameFor[GameAggregate](),
	es.TypeNameFor[GameCreatedDomainEvent](),
	es.TypeNameFor[GamePriceChangedDomainEvent](),
	es.TypeNameFor[GameDeactivatedDomainEvent](),
	es.TypeNameFor[GameCreatedIntegrationEvent](),
	es.TypeNameFor[UserCreatedIntegrationEvent](),
	es.TypeNameFor[PaymentApprovedIntegrationEvent](),
}
