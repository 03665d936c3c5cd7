package logging

import (
	"context"
	"errors"
	"reflect"

	"github.com/sirupsen/logrus"
	"github.com/tccloudgames/eventsourcing"
)

// WithCommandLogging wraps a CommandHandler with logging functionality.
// It logs the command type and aggregate ID before execution and the
// resulting version afterwards. Business rule violations are logged as
// warnings, any other failure as an error.
func WithCommandLogging[C eventsourcing.Command](logger *logrus.Entry, next eventsourcing.CommandHandler[C]) eventsourcing.CommandHandler[C] {
	cmdType := reflect.TypeFor[C]().String()

	return func(ctx context.Context, command C) (eventsourcing.CommandResult, error) {
		l := logger.WithFields(logrus.Fields{
			"command":     cmdType,
			"aggregateId": command.AggregateID(),
		})
		if id := eventsourcing.CorrelationIDFromContext(ctx); id != "" {
			l = l.WithField("correlationId", id)
		}
		l.Infof("Dispatch: %s (aggregateID: %s)", cmdType, command.AggregateID())

		result, err := next(ctx, command)
		switch {
		case err == nil:
			l.WithFields(logrus.Fields{
				"version": result.Version,
				"events":  result.Events,
			}).Debugf("Dispatch succeeded: %s", cmdType)
		case errors.Is(err, eventsourcing.ErrBusinessRuleViolation):
			l.Warnf("Dispatch rejected: %s (aggregateID: %s): %v", cmdType, command.AggregateID(), err)
		default:
			l.Errorf("Dispatch failed: %s (aggregateID: %s): %v", cmdType, command.AggregateID(), err)
		}

		return result, err
	}
}
