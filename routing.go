package eventsourcing

import (
	"fmt"
	"strings"
)

const (
	aggregateSuffix        = "Aggregate"
	integrationEventSuffix = "IntegrationEvent"
	eventSuffix            = "Event"
)

// RoutingKey derives "<aggregate>.<event>" from the type names. The
// Aggregate suffix is dropped from the aggregate name; IntegrationEvent, or
// failing that Event, is dropped from the event name. Both segments are
// lower-cased.
//
//	RoutingKey("GameAggregate", "GameCreatedIntegrationEvent") == "game.gamecreated"
func RoutingKey(aggregateType, eventType string) string {
	agg := strings.TrimSuffix(aggregateType, aggregateSuffix)

	evt, found := strings.CutSuffix(eventType, integrationEventSuffix)
	if !found {
		evt = strings.TrimSuffix(eventType, eventSuffix)
	}
	return strings.ToLower(agg) + "." + strings.ToLower(evt)
}

// RoutingKeyOf resolves the key for a publishable event context.
func RoutingKeyOf(p Publishable) string {
	return RoutingKey(p.AggregateType(), p.EventType())
}

// CheckTypeName reports names that would make a routing key ambiguous.
// Routing does not call it; naming-convention tests do.
func CheckTypeName(name string) error {
	if name == "" {
		return fmt.Errorf("type name is empty")
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("type name %q contains a dot", name)
	}
	return nil
}

// MatchRoutingKey reports whether key matches a topic pattern. Segments are
// dot separated; "*" matches exactly one segment and "#" matches zero or
// more.
func MatchRoutingKey(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch p := pattern[0]; p {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != p {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
