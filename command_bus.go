package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// ErrCommandBusStopped is returned by Dispatch after Stop.
var ErrCommandBusStopped = errors.New("command bus is stopped")

// queuedCommand represents a command enqueued in the command bus for processing.
// Each queuedCommand includes the context for cancellation, the command itself,
// and a response channel to return the processing result.
type queuedCommand struct {
	Ctx        context.Context
	Command    Command
	ResponseCh chan<- commandResult
}

type commandResult struct {
	Result CommandResult
	Err    error
}

// CommandBus is an in-memory, type-safe command dispatcher.
//
// Commands for the same aggregate always land on the same shard and are
// therefore handled one at a time, in dispatch order. This keeps optimistic
// concurrency conflicts to writers outside the process.
//
// The CommandBus supports:
//   - Typed command registration using generics
//   - Safe shutdown that waits for in-flight commands to complete
//   - Panic recovery in handlers to prevent the bus from crashing
type CommandBus struct {
	handlers map[reflect.Type]func(ctx context.Context, command Command) (CommandResult, error)
	queues   []chan queuedCommand
	mu       sync.RWMutex

	stateMu  sync.Mutex
	stopped  bool
	inFlight sync.WaitGroup
	workers  sync.WaitGroup
}

// NewCommandBus creates a CommandBus with shardCount workers, each reading a
// queue of bufferSize commands.
//
// Example:
//
//	bus := NewCommandBus(100, 4)
//	Register(bus, createGameHandler)
func NewCommandBus(bufferSize int, shardCount int) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}
	if bufferSize < 0 {
		bufferSize = 0
	}

	bus := &CommandBus{
		queues:   make([]chan queuedCommand, shardCount),
		handlers: make(map[reflect.Type]func(ctx context.Context, command Command) (CommandResult, error)),
	}

	for i := range bus.queues {
		bus.queues[i] = make(chan queuedCommand, bufferSize)
		bus.workers.Add(1)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Dispatch enqueues a command for processing by the registered handler and
// waits for the result. It is safe to call concurrently.
//
// Returns:
//   - ErrCommandBusStopped if the bus has been stopped.
//   - ctx.Err() if the context ends before the command is handled. The
//     command may still be handled in that case.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	b.stateMu.Lock()
	if b.stopped {
		b.stateMu.Unlock()
		return CommandResult{}, ErrCommandBusStopped
	}
	b.inFlight.Add(1)
	b.stateMu.Unlock()
	defer b.inFlight.Done()

	responseCh := make(chan commandResult, 1)
	shard := b.getShard(cmd.AggregateID())

	select {
	case b.queues[shard] <- queuedCommand{Ctx: ctx, Command: cmd, ResponseCh: responseCh}:
		select {
		case result := <-responseCh:
			return result.Result, result.Err
		case <-ctx.Done():
			return CommandResult{}, ctx.Err()
		}
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

// worker processes commands from a single shard queue.
func (b *CommandBus) worker(queue chan queuedCommand) {
	defer b.workers.Done()
	for cmd := range queue {
		cmd.ResponseCh <- b.handle(cmd)
	}
}

func (b *CommandBus) handle(cmd queuedCommand) (res commandResult) {
	t := reflect.TypeOf(cmd.Command)

	b.mu.RLock()
	h, exists := b.handlers[t]
	b.mu.RUnlock()

	if !exists {
		return commandResult{Err: fmt.Errorf("no handler for command %s", t)}
	}
	if err := cmd.Ctx.Err(); err != nil {
		return commandResult{Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			res = commandResult{Err: fmt.Errorf("panic in handler for %s: %v", t, r)}
		}
	}()

	result, err := h(cmd.Ctx, cmd.Command)
	return commandResult{Result: result, Err: err}
}

func (b *CommandBus) getShard(aggregateID uuid.UUID) int {
	hash := fnv.New32a()
	hash.Write(aggregateID[:])
	return int(hash.Sum32() % uint32(len(b.queues)))
}

// Register adds a new typed command handler to the bus.
//
// Notes:
//   - The command type is derived from C, so no registration strings are needed.
//   - Panics if a handler is already registered for the same command type.
//
// Example:
//
//	Register(bus, createGameHandler)
func Register[C Command](b *CommandBus, handler CommandHandler[C]) {
	t := reflect.TypeFor[C]()
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[t]; exists {
		panic(fmt.Errorf("register command %s: %w", t, ErrDuplicateHandler))
	}

	b.handlers[t] = func(ctx context.Context, cmd Command) (CommandResult, error) {
		c, ok := cmd.(C)
		if !ok {
			return CommandResult{}, fmt.Errorf("expected command type %s but got %T", t, cmd)
		}
		return handler(ctx, c)
	}
}

// Stop shuts down the CommandBus safely.
//
// Behavior:
//   - Stops accepting new commands.
//   - Waits for all in-flight commands to finish before returning.
//
// Stop is idempotent.
func (b *CommandBus) Stop() {
	b.stateMu.Lock()
	if b.stopped {
		b.stateMu.Unlock()
		return
	}
	b.stopped = true
	b.stateMu.Unlock()

	b.inFlight.Wait()
	for _, q := range b.queues {
		close(q)
	}
	b.workers.Wait()
}
