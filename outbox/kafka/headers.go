package kafka

import (
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	es "github.com/tccloudgames/eventsourcing"
	"go.opentelemetry.io/otel/propagation"
)

type headerCarrier struct {
	headers *[]kafka.Header
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	return HeaderValue(*c.headers, key)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c headerCarrier) Set(key, value string) {
	for i := range *c.headers {
		if (*c.headers)[i].Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

// HeaderValue returns the value of the first header named key.
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// TopicFor maps a routing key to its topic: the first segment followed by
// ".events", so "game.gamecreated" goes to "game.events".
func TopicFor(routingKey string) string {
	prefix, _, _ := strings.Cut(routingKey, ".")
	return prefix + ".events"
}

// toMessage builds the Kafka record for msg. Transport headers come first,
// then the trace fields injected from ctx.
func toMessage(msg es.OutboxMessage, topic string, trace map[string]string) kafka.Message {
	transport := msg.TransportHeaders()
	headers := make([]kafka.Header, 0, len(transport)+len(trace))
	for _, k := range slices.Sorted(maps.Keys(transport)) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(transport[k])})
	}
	carrier := headerCarrier{headers: &headers}
	for _, k := range slices.Sorted(maps.Keys(trace)) {
		carrier.Set(k, trace[k])
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.AggregateID.String()),
		Value:   msg.Payload,
		Headers: headers,
	}
}

// fromMessage rebuilds the outbox message carried by a Kafka record. Trace
// fields named by the propagator are split out of the headers.
func fromMessage(m kafka.Message, p propagation.TextMapPropagator) es.OutboxMessage {
	msg := es.OutboxMessage{
		MessageType: HeaderValue(m.Headers, es.HeaderMessageType),
		RoutingKey:  HeaderValue(m.Headers, es.HeaderRoutingKey),
		Payload:     m.Value,
		Headers:     map[string]string{},
		CreatedAt:   m.Time,
	}
	msg.ID, _ = uuid.Parse(HeaderValue(m.Headers, es.HeaderMessageID))
	msg.AggregateID, _ = uuid.Parse(HeaderValue(m.Headers, es.HeaderAggregateID))
	msg.AggregateType = HeaderValue(m.Headers, es.HeaderAggregateType)

	traceFields := map[string]bool{}
	for _, f := range p.Fields() {
		traceFields[f] = true
	}
	for _, h := range m.Headers {
		switch {
		case traceFields[h.Key]:
			if msg.Trace == nil {
				msg.Trace = map[string]string{}
			}
			msg.Trace[h.Key] = string(h.Value)
		case h.Key == es.HeaderMessageID, h.Key == es.HeaderMessageType, h.Key == es.HeaderRoutingKey:
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
