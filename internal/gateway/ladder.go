package gateway

import (
	"log/slog"
	"sync"

	"github.com/quantgate/quantgate/internal/events"
	"github.com/quantgate/quantgate/internal/model"
)

// Ladder tracks backend health and degrades isolation one level at a
// time. Degradation is sticky: once a level is marked degraded it
// stays out of rotation until an operator resets it. Requests never
// degrade upward and the ast-only floor is always available.
type Ladder struct {
	threshold int
	bus       *events.Bus
	log       *slog.Logger

	mu       sync.Mutex
	failures map[model.IsolationLevel]int
	degraded map[model.IsolationLevel]bool
}

// NewLadder creates a ladder that degrades a level after threshold
// consecutive sandbox creation failures.
func NewLadder(threshold int, bus *events.Bus, log *slog.Logger) *Ladder {
	if log == nil {
		log = slog.Default()
	}
	return &Ladder{
		threshold: threshold,
		bus:       bus,
		log:       log.With("component", "ladder"),
		failures:  make(map[model.IsolationLevel]int),
		degraded:  make(map[model.IsolationLevel]bool),
	}
}

// Effective maps a requested level to the strongest non-degraded level
// at or below it. The second return reports whether a downgrade
// happened.
func (l *Ladder) Effective(requested model.IsolationLevel) (model.IsolationLevel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lvl := requested
	for l.degraded[lvl] {
		weaker, ok := lvl.Weaker()
		if !ok {
			break
		}
		lvl = weaker
	}
	return lvl, lvl != requested
}

// RecordFailure counts one sandbox creation failure for level. The
// threshold crossing marks the level degraded exactly once and
// publishes a degradation event.
func (l *Ladder) RecordFailure(level model.IsolationLevel) {
	l.mu.Lock()
	l.failures[level]++
	n := l.failures[level]
	crossed := n >= l.threshold && !l.degraded[level]
	if crossed {
		l.degraded[level] = true
	}
	l.mu.Unlock()

	if !crossed {
		return
	}
	l.log.Warn("isolation level degraded", "level", string(level), "consecutive_failures", n)
	if l.bus != nil {
		l.bus.Publish(events.Event{
			Type:   events.DegradationTriggered,
			Level:  level,
			Detail: "consecutive sandbox creation failures reached threshold",
			Fields: map[string]any{"failures": n},
		})
	}
}

// RecordSuccess resets the consecutive failure count for a level that
// is still in rotation. A degraded level stays degraded.
func (l *Ladder) RecordSuccess(level model.IsolationLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.degraded[level] {
		l.failures[level] = 0
	}
}

// Reset restores a degraded level to rotation. Operator-only.
func (l *Ladder) Reset(level model.IsolationLevel) {
	l.mu.Lock()
	restored := l.degraded[level]
	delete(l.degraded, level)
	l.failures[level] = 0
	l.mu.Unlock()
	if restored {
		l.log.Info("isolation level restored", "level", string(level))
	}
}

// LevelStatus is one level's health as the ladder sees it.
type LevelStatus struct {
	Level    model.IsolationLevel `json:"level"`
	Degraded bool                 `json:"degraded"`
	Failures int                  `json:"consecutive_failures"`
}

// Status reports all levels, strongest first.
func (l *Ladder) Status() []LevelStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LevelStatus, 0, len(model.LadderOrder))
	for _, lvl := range model.LadderOrder {
		out = append(out, LevelStatus{
			Level:    lvl,
			Degraded: l.degraded[lvl],
			Failures: l.failures[lvl],
		})
	}
	return out
}
