package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tccloudgames/eventsourcing"
)

type brokerLogger struct {
	logger *logrus.Entry
	next   eventsourcing.Broker
}

func (b *brokerLogger) Publish(ctx context.Context, msg eventsourcing.OutboxMessage) error {
	l := b.logger.WithFields(logrus.Fields{
		"messageId":  msg.ID,
		"routingKey": msg.RoutingKey,
		"attempt":    msg.Attempts + 1,
	})
	l.Debugf("Publish: %s", msg.MessageType)

	err := b.next.Publish(ctx, msg)
	if err != nil {
		l.Errorf("Publish failed: %s: %v", msg.MessageType, err)
	}

	return err
}

func (b *brokerLogger) Close() error {
	return b.next.Close()
}

// WithBrokerLogging wraps a Broker with logging functionality.
// It logs every publish attempt and logs errors if the broker rejects it.
func WithBrokerLogging(logger *logrus.Entry, next eventsourcing.Broker) eventsourcing.Broker {
	return &brokerLogger{
		logger: logger,
		next:   next,
	}
}
