package sandbox

import (
	"fmt"
	"sync"

	"github.com/quantgate/quantgate/internal/model"
)

// Registry maps isolation levels to registered backends. The ladder
// walks it strongest-to-weakest; levels without a registered backend
// are skipped.
type Registry struct {
	mu       sync.RWMutex
	backends map[model.IsolationLevel]Backend
}

// NewRegistry creates a Registry with the given backends, each
// registered under its Level().
func NewRegistry(backends ...Backend) *Registry {
	m := make(map[model.IsolationLevel]Backend, len(backends))
	for _, b := range backends {
		m[b.Level()] = b
	}
	return &Registry{backends: m}
}

// Get returns the backend for the given isolation level.
func (r *Registry) Get(level model.IsolationLevel) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[level]
	if !ok {
		return nil, fmt.Errorf("no backend registered for isolation level %q", level)
	}
	return b, nil
}

// Register adds or replaces a backend.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Level()] = b
}

// Levels returns the registered levels, strongest first.
func (r *Registry) Levels() []model.IsolationLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.IsolationLevel
	for _, lvl := range model.LadderOrder {
		if _, ok := r.backends[lvl]; ok {
			out = append(out, lvl)
		}
	}
	return out
}
