package kafka_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	es "github.com/tccloudgames/eventsourcing"
	"github.com/tccloudgames/eventsourcing/fixtures"
	"github.com/tccloudgames/eventsourcing/outbox/kafka"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

type writerSpy struct {
	mu       sync.Mutex
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *writerSpy) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *writerSpy) Close() error {
	w.closed = true
	return nil
}

func outboxMessage() es.OutboxMessage {
	return es.OutboxMessage{
		ID:            uuid.New(),
		MessageType:   "EventContextGameCreatedIntegrationEvent",
		RoutingKey:    "game.gamecreated",
		AggregateType: "GameAggregate",
		AggregateID:   fixtures.GameID,
		Headers: map[string]string{
			es.HeaderAggregateType: "GameAggregate",
			es.HeaderAggregateID:   fixtures.GameID.String(),
			es.HeaderCorrelationID: "corr-1",
		},
		Payload: []byte(`{"eventData":{"name":"Chess"}}`),
		Trace:   map[string]string{"traceparent": traceparent},
	}
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"game.gamecreated", "game.events"},
		{"payment.refund.issued", "payment.events"},
		{"user", "user.events"},
	}
	for _, tt := range tests {
		if got := kafka.TopicFor(tt.key); got != tt.want {
			t.Errorf("TopicFor(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestSplitBrokers(t *testing.T) {
	got := kafka.SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Errorf("brokers = %v", got)
	}
}

func TestBroker_Publish(t *testing.T) {
	w := &writerSpy{}
	broker := kafka.NewBroker(w, kafka.WithBrokerPropagator(propagation.TraceContext{}))
	msg := outboxMessage()

	if err := broker.Publish(t.Context(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.messages) != 1 {
		t.Fatalf("written = %d", len(w.messages))
	}
	got := w.messages[0]
	if got.Topic != "game.events" || string(got.Key) != fixtures.GameID.String() || string(got.Value) != string(msg.Payload) {
		t.Errorf("record = topic %q key %q value %s", got.Topic, got.Key, got.Value)
	}

	want := map[string]string{
		es.HeaderMessageID:     msg.ID.String(),
		es.HeaderMessageType:   msg.MessageType,
		es.HeaderRoutingKey:    msg.RoutingKey,
		es.HeaderCorrelationID: "corr-1",
		"traceparent":          traceparent,
	}
	for k, v := range want {
		if h := kafka.HeaderValue(got.Headers, k); h != v {
			t.Errorf("header %s = %q, want %q", k, h, v)
		}
	}
}

func TestBroker_InjectsContextTrace(t *testing.T) {
	w := &writerSpy{}
	broker := kafka.NewBroker(w, kafka.WithBrokerPropagator(propagation.TraceContext{}))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(t.Context(), sc)
	if err := broker.Publish(ctx, outboxMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	tp := kafka.HeaderValue(w.messages[0].Headers, "traceparent")
	if tp != "00-01000000000000000000000000000000-0200000000000000-01" {
		t.Errorf("traceparent = %q", tp)
	}
}

func TestBroker_WriteError(t *testing.T) {
	boom := errors.New("leader not available")
	broker := kafka.NewBroker(&writerSpy{err: boom}, kafka.WithTopic(func(string) string { return "all" }))
	if err := broker.Publish(t.Context(), outboxMessage()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

type readerSpy struct {
	records   chan kafkago.Message
	mu        sync.Mutex
	committed []int64
	closed    chan struct{}
	once      sync.Once
}

func newReaderSpy() *readerSpy {
	return &readerSpy{records: make(chan kafkago.Message, 8), closed: make(chan struct{})}
}

func (r *readerSpy) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case m := <-r.records:
		return m, nil
	case <-r.closed:
		return kafkago.Message{}, io.EOF
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *readerSpy) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *readerSpy) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func (r *readerSpy) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestSubscriber_RoundTrip(t *testing.T) {
	w := &writerSpy{}
	broker := kafka.NewBroker(w, kafka.WithBrokerPropagator(propagation.TraceContext{}))
	sent := outboxMessage()
	other := outboxMessage()
	other.RoutingKey = "game.gamepricechanged"
	_ = broker.Publish(t.Context(), sent)
	_ = broker.Publish(t.Context(), other)

	reader := newReaderSpy()
	var topic, group string
	sub := kafka.NewSubscriber(nil,
		kafka.WithSubscriberPropagator(propagation.TraceContext{}),
		kafka.WithReaderFactory(func(tp, g string) kafka.Reader {
			topic, group = tp, g
			return reader
		}),
	)
	defer sub.Close()

	r := fixtures.NewReceiverSpy()
	if err := sub.Subscribe(t.Context(), "game.gamecreated", r, es.WithSubscriptionName("projector")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if topic != "game.events" || group != "projector" {
		t.Errorf("reader for topic %q group %q", topic, group)
	}

	for i, m := range w.messages {
		m.Offset = int64(i)
		reader.records <- m
	}

	var got es.OutboxMessage
	select {
	case got = <-r.C:
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
	}
	if got.ID != sent.ID || got.MessageType != sent.MessageType || got.RoutingKey != sent.RoutingKey {
		t.Errorf("identity = %+v", got)
	}
	if got.AggregateID != sent.AggregateID || got.AggregateType != "GameAggregate" {
		t.Errorf("aggregate = %s %q", got.AggregateID, got.AggregateType)
	}
	if got.Trace["traceparent"] != traceparent || got.Headers[es.HeaderCorrelationID] != "corr-1" {
		t.Errorf("trace = %v headers = %v", got.Trace, got.Headers)
	}
	if _, ok := got.Headers["traceparent"]; ok {
		t.Errorf("trace field left in headers")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.Committed()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("committed = %v, want both offsets", reader.Committed())
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case m := <-r.C:
		t.Errorf("unmatched routing key delivered: %s", m.RoutingKey)
	default:
	}
}

func TestSubscriber_RejectsWildcardTopic(t *testing.T) {
	sub := kafka.NewSubscriber(nil, kafka.WithReaderFactory(func(string, string) kafka.Reader { return newReaderSpy() }))
	defer sub.Close()

	for _, pattern := range []string{"#", "*.created", ""} {
		if err := sub.Subscribe(t.Context(), pattern, fixtures.NewReceiverSpy()); err == nil {
			t.Errorf("pattern %q accepted", pattern)
		}
	}
}

func TestSubscriber_ReportsReceiverErrors(t *testing.T) {
	reader := newReaderSpy()
	sub := kafka.NewSubscriber(nil, kafka.WithReaderFactory(func(string, string) kafka.Reader { return reader }))

	boom := errors.New("projection failed")
	r := fixtures.NewReceiverSpy()
	r.DeliverFn = func(context.Context, es.OutboxMessage) error { return boom }
	_ = sub.Subscribe(t.Context(), "game.#", r)

	w := &writerSpy{}
	_ = kafka.NewBroker(w).Publish(t.Context(), outboxMessage())
	reader.records <- w.messages[0]

	select {
	case err := <-sub.Errors():
		if !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no error reported")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Errors(); ok {
		t.Errorf("errors channel still open after close")
	}
}
