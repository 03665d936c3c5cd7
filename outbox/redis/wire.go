package redis

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	es "github.com/tccloudgames/eventsourcing"
)

// DefaultChannelPrefix is prepended to routing keys to form channel names.
const DefaultChannelPrefix = "events:"

// wireMessage is the JSON published on a channel.
type wireMessage struct {
	ID            uuid.UUID         `json:"id"`
	MessageType   string            `json:"messageType"`
	RoutingKey    string            `json:"routingKey"`
	AggregateType string            `json:"aggregateType"`
	AggregateID   uuid.UUID         `json:"aggregateId"`
	Headers       map[string]string `json:"headers"`
	Payload       []byte            `json:"payload"`
	Trace         map[string]string `json:"trace,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func encode(msg es.OutboxMessage, trace map[string]string) ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:            msg.ID,
		MessageType:   msg.MessageType,
		RoutingKey:    msg.RoutingKey,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		Headers:       msg.TransportHeaders(),
		Payload:       msg.Payload,
		Trace:         trace,
		CreatedAt:     msg.CreatedAt,
	})
}

func decode(data []byte) (es.OutboxMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return es.OutboxMessage{}, &es.SerializationError{Type: "redis message", Err: err}
	}
	return es.OutboxMessage{
		ID:            w.ID,
		MessageType:   w.MessageType,
		RoutingKey:    w.RoutingKey,
		AggregateType: w.AggregateType,
		AggregateID:   w.AggregateID,
		Headers:       w.Headers,
		Payload:       w.Payload,
		Trace:         w.Trace,
		CreatedAt:     w.CreatedAt,
	}, nil
}

// channelPattern returns the Redis glob covering a routing key pattern. The
// glob may match more keys than the pattern; receivers filter with
// MatchRoutingKey.
func channelPattern(prefix, pattern string) string {
	segments := strings.Split(pattern, ".")
	for i, s := range segments {
		if s == "*" || s == "#" {
			return prefix + strings.Join(segments[:i], ".") + "*"
		}
	}
	return prefix + pattern
}
