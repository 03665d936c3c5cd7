package fixtures

import "github.com/google/uuid"

type CreateGameCommand struct {
	ID    uuid.UUID
	Name  string
	Price float64
}

func (c CreateGameCommand) AggregateID() uuid.UUID { return c.ID }

type ChangeGamePriceCommand struct {
	ID    uuid.UUID
	Price float64
}

func (c ChangeGamePriceCommand) AggregateID() uuid.UUID { return c.ID }

// GameID is the fixed id used by scenario tests.
var GameID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
