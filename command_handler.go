package eventsourcing

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// CommandResult describes the outcome of a handled command.
type CommandResult struct {
	AggregateID uuid.UUID
	// Version is the aggregate's stream version after the command.
	Version uint64
	// Events is the number of events the command appended.
	Events int
}

// CommandHandler defines a function type for handling commands of a specific type.
//
// C represents the concrete command type implementing the Command interface.
//
// Handlers of this type are generally registered with a CommandBus, which ensures that
// commands are dispatched to the correct handler based on their type.
//
// Notes:
//   - Implementations should treat the command as immutable.
//   - Handlers should not panic; all errors should be returned via the error return value.
type CommandHandler[C Command] func(ctx context.Context, command C) (CommandResult, error)

// Decider applies a command to a loaded aggregate.
//
// It calls the aggregate's behaviour methods, which buffer domain events, and
// returns the integration envelopes that must be published with them. An
// error is treated as a business rule violation and is never retried.
//
// Example Usage:
//
//	func DecideChangePrice(ctx context.Context, g *GameAggregate, cmd ChangeGamePrice) ([]Envelope, error) {
//	    if err := g.ChangePrice(cmd.Price); err != nil {
//	        return nil, err
//	    }
//	    return nil, nil
//	}
type Decider[A Aggregate, C Command] func(ctx context.Context, aggregate A, command C) ([]Envelope, error)

// CommandHandlerOption defines a function type that modifies handlerOptions.
// These options are applied when constructing a NewCommandHandler to customize behavior.
type CommandHandlerOption func(configuration *handlerOptions)

// NewCommandHandler returns a command handler for one aggregate and command type.
//
// Every attempt performs the following steps in its own session:
//  1. Replay the aggregate named by the command's AggregateID, or start a
//     fresh one from factory if it has no stream yet.
//  2. Decide: apply the command to the aggregate.
//  3. Persist the buffered events together with the returned envelopes.
//
// Behavior Details:
//   - A *ConcurrencyConflictError at step 3 is retried according to the
//     configured strategy, starting again from step 1. Every other error is
//     permanent.
//   - A correlation id is attached to the context when it has none, so that
//     all records and messages written by the command share it.
//   - If the decider buffers no events, nothing is written.
//
// Example Usage:
//
//	handler := NewCommandHandler(store, NewGameAggregate, DecideCreateGame,
//	    WithRetryStrategy(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)))
//	result, err := handler(ctx, CreateGameCommand{ID: id, Name: "Chess"})
func NewCommandHandler[A Aggregate, C Command](
	store Store,
	factory func(id uuid.UUID) A,
	decide Decider[A, C],
	opts ...CommandHandlerOption,
) CommandHandler[C] {
	cfg := &handlerOptions{
		RetryStrategy: &backoff.StopBackOff{},
	}
	for _, o := range opts {
		o(cfg)
	}

	return func(ctx context.Context, command C) (CommandResult, error) {
		ctx, _ = EnsureCorrelationID(ctx)
		id := command.AggregateID()

		attempt := func() (CommandResult, error) {
			session, err := store.OpenSession(ctx)
			if err != nil {
				return CommandResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %s: open session: %w", command, id, err))
			}
			defer session.Close()

			repo := NewRepository(session, factory, cfg.RepositoryOptions...)

			aggregate, found, err := repo.GetByID(ctx, id)
			if err != nil {
				return CommandResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %s: %w", command, id, err))
			}
			if !found {
				if cfg.RequireExisting {
					return CommandResult{}, backoff.Permanent(&AggregateNotFoundError{AggregateType: repo.AggregateType(), ID: id})
				}
				aggregate = factory(id)
			}

			envelopes, err := decide(ctx, aggregate, command)
			if err != nil {
				return CommandResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %s: %w", command, id, err))
			}

			token, err := repo.Persist(ctx, aggregate, envelopes...)
			if err != nil {
				var conflict *ConcurrencyConflictError
				if errors.As(err, &conflict) {
					// Retry on concurrency conflicts
					return CommandResult{}, err
				}
				return CommandResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %s: %w", command, id, err))
			}

			return CommandResult{
				AggregateID: id,
				Version:     aggregate.AggregateVersion(),
				Events:      token.Events(),
			}, nil
		}

		return backoff.RetryWithData(attempt, backoff.WithContext(cfg.RetryStrategy, ctx))
	}
}

// handlerOptions defines configuration for a CommandHandler.
type handlerOptions struct {
	// RetryStrategy defines how the handler should retry in case of version
	// conflicts. Defaults to no retries.
	RetryStrategy backoff.BackOff

	// RequireExisting makes a command on an aggregate without a stream fail
	// with *AggregateNotFoundError instead of starting a new aggregate.
	RequireExisting bool

	RepositoryOptions []RepositoryOption
}

// WithRetryStrategy sets the retry strategy for a NewCommandHandler.
//
// The BackOff strategy controls how many times and with what delay the handler
// retries a command whose write lost an optimistic concurrency race.
//
// Usage:
//
//	handler := NewCommandHandler(store, factory, decide, WithRetryStrategy(myBackoff))
func WithRetryStrategy(strategy backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RetryStrategy = strategy }
}

// WithRequireExisting rejects commands addressed to aggregates that do not exist.
func WithRequireExisting() CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RequireExisting = true }
}

// WithRepositoryOptions passes options to the repository built for each attempt.
func WithRepositoryOptions(opts ...RepositoryOption) CommandHandlerOption {
	return func(cfg *handlerOptions) {
		cfg.RepositoryOptions = append(cfg.RepositoryOptions, opts...)
	}
}
