package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantgate/quantgate/internal/events"
	"github.com/quantgate/quantgate/internal/model"
)

func TestDispatchMatchesEvents(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{
		{URL: srv.URL, Format: "generic", Events: []string{"degradation_triggered"}},
	})

	d.Dispatch(Event{Type: "degradation_triggered", Level: "microvm", Reason: "health check failing"})
	time.Sleep(200 * time.Millisecond)

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{
		{URL: srv.URL, Format: "generic", Events: []string{"degradation_triggered"}},
	})

	d.Dispatch(Event{Type: "sandbox_created", Level: "container"})
	time.Sleep(200 * time.Millisecond)

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchWildcard(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{
		{URL: srv.URL, Format: "generic", Events: []string{"*"}},
	})

	d.Dispatch(Event{Type: "audit_write_failed", Reason: "disk full"})
	time.Sleep(200 * time.Millisecond)

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestNewDispatcherEmpty(t *testing.T) {
	if d := NewDispatcher(nil); d != nil {
		t.Error("expected nil dispatcher for empty config")
	}
}

func TestSendRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(Config{URL: srv.URL, Format: "generic"}, Event{Type: "audit_write_failed"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestSendStopsOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if err := Send(Config{URL: srv.URL}, Event{Type: "x"}); err == nil {
		t.Fatal("expected error on 4xx")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retry on 4xx", calls.Load())
	}
}

func TestAttachForwardsBusEvents(t *testing.T) {
	payload := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		payload <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{
		{URL: srv.URL, Format: "generic", Events: []string{"degradation_triggered"}},
	})
	bus := events.NewBus()
	d.Attach(bus)

	bus.Publish(events.Event{
		Type:   events.DegradationTriggered,
		Level:  model.LevelMicroVM,
		Detail: "creation failures exceeded threshold",
		Fields: map[string]any{"decision": "degraded"},
	})

	select {
	case ev := <-payload:
		if ev.Type != "degradation_triggered" || ev.Level != "microvm" || ev.Decision != "degraded" {
			t.Errorf("payload = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the bus event")
	}
}

func TestFormatPayloadVariants(t *testing.T) {
	ev := Event{Type: "security_violation_detected", Component: "alpha-forge", Reason: "denied call"}
	for _, format := range []string{"generic", "slack", "pagerduty"} {
		body, err := FormatPayload(format, ev)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !json.Valid(body) {
			t.Errorf("%s produced invalid JSON", format)
		}
	}
}
