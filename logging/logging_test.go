package logging_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	es "github.com/tccloudgames/eventsourcing"
	"github.com/tccloudgames/eventsourcing/fixtures"
	"github.com/tccloudgames/eventsourcing/logging"
)

func newLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

func TestWithCommandLogging(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		wantLevel logrus.Level
	}{
		{name: "success", wantLevel: logrus.DebugLevel},
		{name: "business rule", err: fmt.Errorf("%w: sold out", es.ErrBusinessRuleViolation), wantLevel: logrus.WarnLevel},
		{name: "system error", err: boom, wantLevel: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, hook := newLogger()
			handler := logging.WithCommandLogging(entry, es.CommandHandler[fixtures.CreateGameCommand](
				func(ctx context.Context, cmd fixtures.CreateGameCommand) (es.CommandResult, error) {
					return es.CommandResult{AggregateID: cmd.ID, Version: 1, Events: 1}, tt.err
				}))

			ctx := es.WithCorrelationID(t.Context(), "req-1")
			_, err := handler(ctx, fixtures.CreateGameCommand{ID: fixtures.GameID})
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}

			entries := hook.AllEntries()
			if len(entries) != 2 {
				t.Fatalf("entries = %d, want 2", len(entries))
			}
			if entries[0].Level != logrus.InfoLevel || !strings.Contains(entries[0].Message, "fixtures.CreateGameCommand") {
				t.Errorf("first entry = %v %q", entries[0].Level, entries[0].Message)
			}
			if entries[0].Data["correlationId"] != "req-1" {
				t.Errorf("correlation field = %v", entries[0].Data["correlationId"])
			}
			if last := hook.LastEntry(); last.Level != tt.wantLevel {
				t.Errorf("last level = %v, want %v", last.Level, tt.wantLevel)
			}
		})
	}
}

func TestWithBrokerLogging(t *testing.T) {
	entry, hook := newLogger()
	boom := errors.New("broker down")
	broker := logging.WithBrokerLogging(entry, fixtures.NewBrokerSpy().FailFirst(1, boom))

	msg := es.OutboxMessage{ID: uuid.New(), MessageType: "EventContextGameCreatedIntegrationEvent", RoutingKey: "game.gamecreated"}
	if err := broker.Publish(t.Context(), msg); !errors.Is(err, boom) {
		t.Fatalf("first publish: err = %v", err)
	}
	if last := hook.LastEntry(); last.Level != logrus.ErrorLevel || last.Data["routingKey"] != "game.gamecreated" {
		t.Errorf("failure entry = %+v", last)
	}

	hook.Reset()
	if err := broker.Publish(t.Context(), msg); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if n := len(hook.AllEntries()); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}

func TestWithMessageLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	boom := errors.New("projection failed")
	typed := es.OnMessage(func(ctx context.Context, msg es.EventContext[fixtures.GameCreatedIntegrationEvent]) error {
		return boom
	})
	handler := logging.WithMessageLogging(logger, typed)

	router := es.NewMessageRouter(es.NewMessageTypeRegistry(), handler)
	ev := fixtures.NewGameCreatedIntegrationEvent(fixtures.GameID, "Chess", 10)
	err := router.Handle(t.Context(), es.NewEventContext[fixtures.GameAggregate](ev, fixtures.GameID, es.WithCorrelation("req-9")))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"message processing started", "error processing message", "correlation=req-9", "message-type=GameCreatedIntegrationEvent"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
