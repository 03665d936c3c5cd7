package fixtures

import (
	"context"
	"sync"

	es "github.com/tccloudgames/eventsourcing"
)

// BrokerSpy records published outbox messages and allows injecting failures.
type BrokerSpy struct {
	mu sync.Mutex

	// Function override
	PublishFn func(ctx context.Context, msg es.OutboxMessage) error

	// Call tracking
	PublishCalls int
	CloseCalls   int

	// Captured messages, successful publishes only
	Published []es.OutboxMessage

	// Error injection
	publishErr error
	failFirst  int
}

func NewBrokerSpy() *BrokerSpy {
	return &BrokerSpy{}
}

// FailOnPublish makes every publish return err.
func (b *BrokerSpy) FailOnPublish(err error) *BrokerSpy {
	b.publishErr = err
	return b
}

// FailFirst makes the first n publishes fail with err and the rest succeed.
func (b *BrokerSpy) FailFirst(n int, err error) *BrokerSpy {
	b.failFirst = n
	b.publishErr = err
	return b
}

func (b *BrokerSpy) Publish(ctx context.Context, msg es.OutboxMessage) error {
	b.mu.Lock()
	b.PublishCalls++
	call := b.PublishCalls
	b.mu.Unlock()

	if b.PublishFn != nil {
		if err := b.PublishFn(ctx, msg); err != nil {
			return err
		}
	} else if b.publishErr != nil && (b.failFirst == 0 || call <= b.failFirst) {
		return b.publishErr
	}

	b.mu.Lock()
	b.Published = append(b.Published, msg)
	b.mu.Unlock()
	return nil
}

func (b *BrokerSpy) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCalls++
	return nil
}

// Messages returns a copy of the successfully published messages.
func (b *BrokerSpy) Messages() []es.OutboxMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]es.OutboxMessage, len(b.Published))
	copy(out, b.Published)
	return out
}

// MessageHandlerSpy records every message it handles.
type MessageHandlerSpy struct {
	mu sync.Mutex

	HandleFn func(ctx context.Context, msg es.Publishable) error

	HandleCalls int
	Received    []es.Publishable

	handleErr error
}

func NewMessageHandlerSpy() *MessageHandlerSpy {
	return &MessageHandlerSpy{}
}

func (h *MessageHandlerSpy) FailOnHandle(err error) *MessageHandlerSpy {
	h.handleErr = err
	return h
}

func (h *MessageHandlerSpy) Handle(ctx context.Context, msg es.Publishable) error {
	h.mu.Lock()
	h.HandleCalls++
	h.Received = append(h.Received, msg)
	h.mu.Unlock()

	if h.HandleFn != nil {
		return h.HandleFn(ctx, msg)
	}
	return h.handleErr
}

// Count returns the number of handled messages.
func (h *MessageHandlerSpy) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.HandleCalls
}

// ReceiverSpy records delivered transport messages. Every delivery is also
// sent on C so tests can wait for asynchronous subscribers.
type ReceiverSpy struct {
	mu sync.Mutex

	DeliverFn func(ctx context.Context, msg es.OutboxMessage) error

	Delivered []es.OutboxMessage
	C         chan es.OutboxMessage
}

func NewReceiverSpy() *ReceiverSpy {
	return &ReceiverSpy{C: make(chan es.OutboxMessage, 64)}
}

func (r *ReceiverSpy) Deliver(ctx context.Context, msg es.OutboxMessage) error {
	r.mu.Lock()
	r.Delivered = append(r.Delivered, msg)
	r.mu.Unlock()

	select {
	case r.C <- msg:
	default:
	}
	if r.DeliverFn != nil {
		return r.DeliverFn(ctx, msg)
	}
	return nil
}
