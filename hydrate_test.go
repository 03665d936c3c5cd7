package eventsourcing

import (
	"errors"
	"testing"
)

type renamed struct {
	BaseDomainEvent
	Name string
}

type retired struct {
	BaseDomainEvent
}

func TestHydrate_DispatchesByType(t *testing.T) {
	var total int
	var name string
	apply := Hydrate(
		NewHydrateHandler(func(e counted) { total += e.N }),
		NewHydrateHandler(func(e renamed) { name = e.Name }),
	)

	apply(counted{N: 2})
	apply(renamed{Name: "x"})
	apply(counted{N: 3})
	apply(retired{})
	apply(nil)

	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if name != "x" {
		t.Errorf("name = %q, want x", name)
	}
}

func TestHydrate_PointerAndValueAreDistinct(t *testing.T) {
	var calls int
	apply := Hydrate(NewHydrateHandler(func(*renamed) { calls++ }))

	apply(renamed{})
	apply(&renamed{})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestHydrate_DuplicateHandlerPanics(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrDuplicateHandler) {
			t.Fatalf("recovered %v, want ErrDuplicateHandler", r)
		}
	}()
	Hydrate(
		NewHydrateHandler(func(counted) {}),
		NewHydrateHandler(func(counted) {}),
	)
}
