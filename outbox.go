package eventsourcing

import (
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is one staged outbound message. It is written in the same
// transaction as the stream events it describes and later handed to a broker
// by the dispatcher.
type OutboxMessage struct {
	ID            uuid.UUID
	MessageType   string
	RoutingKey    string
	AggregateType string
	AggregateID   uuid.UUID
	Headers       map[string]string
	Payload       []byte
	// Trace holds the W3C trace context captured at Save.
	Trace     map[string]string
	CreatedAt time.Time

	Attempts    int
	LastError   string
	PublishedAt *time.Time
}

// TransportHeaders returns the headers a broker should attach: the envelope
// headers plus message identity and routing.
func (m OutboxMessage) TransportHeaders() map[string]string {
	h := make(map[string]string, len(m.Headers)+3)
	for k, v := range m.Headers {
		h[k] = v
	}
	h[HeaderMessageID] = m.ID.String()
	h[HeaderMessageType] = m.MessageType
	h[HeaderRoutingKey] = m.RoutingKey
	return h
}

// PendingOptions bounds one dispatcher batch.
type PendingOptions struct {
	Limit int
	// MaxAttempts excludes messages that already failed this many times.
	// Zero means no limit.
	MaxAttempts int
}

// DispatchResult counts the outcome of one batch.
type DispatchResult struct {
	Published int
	Failed    int
}
