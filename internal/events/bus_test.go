package events

import (
	"testing"

	"github.com/quantgate/quantgate/internal/model"
)

func TestPublishRoutesByType(t *testing.T) {
	bus := NewBus()
	var degradations, everything []Event

	bus.Subscribe(DegradationTriggered, func(ev Event) {
		degradations = append(degradations, ev)
	})
	bus.SubscribeAll(func(ev Event) {
		everything = append(everything, ev)
	})

	bus.Publish(Event{Type: SandboxCreated, Level: model.LevelContainer})
	bus.Publish(Event{Type: DegradationTriggered, Level: model.LevelMicroVM, Detail: "health check failing"})

	if len(degradations) != 1 {
		t.Fatalf("typed handler saw %d events, want 1", len(degradations))
	}
	if degradations[0].Level != model.LevelMicroVM {
		t.Errorf("level = %s", degradations[0].Level)
	}
	if len(everything) != 2 {
		t.Errorf("catch-all handler saw %d events, want 2", len(everything))
	}
}

func TestPublishStampsTime(t *testing.T) {
	bus := NewBus()
	var got Event
	bus.Subscribe(ValidationCompleted, func(ev Event) { got = ev })

	bus.Publish(Event{Type: ValidationCompleted, RequestID: "r1"})
	if got.Time.IsZero() {
		t.Error("publish did not stamp time")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Type: AuditWriteFailed})
}
