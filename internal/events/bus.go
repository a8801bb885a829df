// Package events is the in-process notification bus for security
// lifecycle events. Publishing is synchronous so event order matches
// pipeline order; handlers doing I/O must not block.
package events

import (
	"sync"
	"time"

	"github.com/quantgate/quantgate/internal/model"
)

// Type names an event class.
type Type string

const (
	ValidationRequested       Type = "validation_requested"
	ValidationCompleted       Type = "validation_completed"
	SecurityViolationDetected Type = "security_violation_detected"
	SandboxCreated            Type = "sandbox_created"
	SandboxDestroyed          Type = "sandbox_destroyed"
	DegradationTriggered      Type = "degradation_triggered"
	AuditWriteFailed          Type = "audit_write_failed"
	PolicyReloaded            Type = "policy_reloaded"
)

// Event is one notification. Fields carries event-specific context.
type Event struct {
	Type      Type
	Time      time.Time
	RequestID string
	Component string
	Level     model.IsolationLevel
	Detail    string
	Fields    map[string]any
}

// Handler processes one event. Handlers run on the publisher's
// goroutine and must return quickly.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Type][]Handler
	all  []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]Handler)}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers ev to all matching handlers in subscription order.
// A zero Time is stamped at publish.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	typed := b.subs[ev.Type]
	all := b.all
	b.mu.RUnlock()
	for _, h := range typed {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}
