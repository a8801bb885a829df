package gateway

import (
	"testing"

	"github.com/quantgate/quantgate/internal/events"
	"github.com/quantgate/quantgate/internal/model"
)

func TestLadderDegradesAfterThreshold(t *testing.T) {
	bus := events.NewBus()
	var fired []events.Event
	bus.Subscribe(events.DegradationTriggered, func(ev events.Event) {
		fired = append(fired, ev)
	})

	l := NewLadder(3, bus, nil)
	for i := 0; i < 2; i++ {
		l.RecordFailure(model.LevelMicroVM)
	}
	if lvl, degraded := l.Effective(model.LevelMicroVM); degraded || lvl != model.LevelMicroVM {
		t.Fatalf("degraded below threshold: %s", lvl)
	}

	l.RecordFailure(model.LevelMicroVM)
	lvl, degraded := l.Effective(model.LevelMicroVM)
	if !degraded || lvl != model.LevelUserspaceKernel {
		t.Fatalf("effective = %s, degraded = %v", lvl, degraded)
	}
	if len(fired) != 1 || fired[0].Level != model.LevelMicroVM {
		t.Errorf("degradation events = %+v", fired)
	}

	// further failures must not re-fire the event
	l.RecordFailure(model.LevelMicroVM)
	if len(fired) != 1 {
		t.Errorf("event fired again: %d", len(fired))
	}
}

func TestLadderWalksPastMultipleDegradedLevels(t *testing.T) {
	l := NewLadder(1, nil, nil)
	l.RecordFailure(model.LevelMicroVM)
	l.RecordFailure(model.LevelUserspaceKernel)
	l.RecordFailure(model.LevelContainer)

	lvl, degraded := l.Effective(model.LevelMicroVM)
	if !degraded || lvl != model.LevelNamespaceSandbox {
		t.Errorf("effective = %s, degraded = %v", lvl, degraded)
	}
}

func TestLadderNeverUpgrades(t *testing.T) {
	l := NewLadder(1, nil, nil)
	l.RecordFailure(model.LevelContainer)

	// a request for a weaker level stays at that level even though a
	// stronger one is healthy
	lvl, degraded := l.Effective(model.LevelNamespaceSandbox)
	if degraded || lvl != model.LevelNamespaceSandbox {
		t.Errorf("effective = %s, degraded = %v", lvl, degraded)
	}
}

func TestLadderFloorAlwaysAvailable(t *testing.T) {
	l := NewLadder(1, nil, nil)
	for _, lvl := range model.LadderOrder {
		l.RecordFailure(lvl)
	}
	lvl, _ := l.Effective(model.LevelMicroVM)
	if lvl != model.LevelNoneASTOnly {
		t.Errorf("floor = %s, want %s", lvl, model.LevelNoneASTOnly)
	}
}

func TestLadderDegradationSticky(t *testing.T) {
	l := NewLadder(1, nil, nil)
	l.RecordFailure(model.LevelContainer)

	// success on a degraded level does not restore it
	l.RecordSuccess(model.LevelContainer)
	if lvl, _ := l.Effective(model.LevelContainer); lvl == model.LevelContainer {
		t.Error("degraded level restored without operator reset")
	}

	l.Reset(model.LevelContainer)
	if lvl, degraded := l.Effective(model.LevelContainer); degraded || lvl != model.LevelContainer {
		t.Errorf("after reset: %s, degraded = %v", lvl, degraded)
	}
}

func TestLadderSuccessResetsCount(t *testing.T) {
	l := NewLadder(3, nil, nil)
	l.RecordFailure(model.LevelContainer)
	l.RecordFailure(model.LevelContainer)
	l.RecordSuccess(model.LevelContainer)
	l.RecordFailure(model.LevelContainer)
	l.RecordFailure(model.LevelContainer)

	if lvl, degraded := l.Effective(model.LevelContainer); degraded || lvl != model.LevelContainer {
		t.Errorf("degraded despite interleaved success: %s", lvl)
	}
}

func TestLadderStatus(t *testing.T) {
	l := NewLadder(2, nil, nil)
	l.RecordFailure(model.LevelMicroVM)

	status := l.Status()
	if len(status) != len(model.LadderOrder) {
		t.Fatalf("status entries = %d", len(status))
	}
	if status[0].Level != model.LevelMicroVM || status[0].Failures != 1 || status[0].Degraded {
		t.Errorf("status[0] = %+v", status[0])
	}
}
