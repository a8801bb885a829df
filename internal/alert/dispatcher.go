package alert

import (
	"github.com/quantgate/quantgate/internal/events"
)

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []Config
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []Config) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs}
}

// Dispatch sends the event to all webhooks whose Events list matches
// its type. Fires goroutines and does not block the caller.
func (d *Dispatcher) Dispatch(event Event) {
	for _, cfg := range d.configs {
		if matches(cfg.Events, event.Type) {
			go Send(cfg, event)
		}
	}
}

// Attach subscribes the dispatcher to the bus event types that warrant
// operator attention. Nil dispatchers attach nothing.
func (d *Dispatcher) Attach(bus *events.Bus) {
	if d == nil {
		return
	}
	for _, t := range []events.Type{
		events.SecurityViolationDetected,
		events.DegradationTriggered,
		events.AuditWriteFailed,
	} {
		bus.Subscribe(t, func(ev events.Event) {
			d.Dispatch(fromBusEvent(ev))
		})
	}
}

func fromBusEvent(ev events.Event) Event {
	out := Event{
		Timestamp: ev.Time.Format("2006-01-02T15:04:05.000Z"),
		Type:      string(ev.Type),
		RequestID: ev.RequestID,
		Component: ev.Component,
		Level:     string(ev.Level),
		Reason:    ev.Detail,
	}
	if v, ok := ev.Fields["decision"].(string); ok {
		out.Decision = v
	}
	if v, ok := ev.Fields["risk_score"].(int); ok {
		out.RiskScore = v
	}
	if v, ok := ev.Fields["policy_hash"].(string); ok {
		out.PolicyHash = v
	}
	return out
}

func matches(subscribed []string, eventType string) bool {
	for _, e := range subscribed {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}
