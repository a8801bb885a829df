package pool

import (
	"context"
	"log/slog"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
	"github.com/quantgate/quantgate/internal/sandbox"
)

// Manager holds one pool per configured isolation level.
type Manager struct {
	pools map[model.IsolationLevel]*Pool
}

// NewManager builds pools for every level that has both a registered
// backend and a pool configuration. Levels missing either are skipped;
// the ladder routes around them.
func NewManager(reg *sandbox.Registry, cfgs map[model.IsolationLevel]policy.PoolConfig, hooks Hooks, log *slog.Logger) *Manager {
	m := &Manager{pools: make(map[model.IsolationLevel]*Pool)}
	for _, lvl := range reg.Levels() {
		cfg, ok := cfgs[lvl]
		if !ok {
			continue
		}
		backend, err := reg.Get(lvl)
		if err != nil {
			continue
		}
		m.pools[lvl] = New(backend, cfg, hooks, log)
	}
	return m
}

// Pool returns the pool for level.
func (m *Manager) Pool(level model.IsolationLevel) (*Pool, bool) {
	p, ok := m.pools[level]
	return p, ok
}

// Levels returns managed levels, strongest first.
func (m *Manager) Levels() []model.IsolationLevel {
	var out []model.IsolationLevel
	for _, lvl := range model.LadderOrder {
		if _, ok := m.pools[lvl]; ok {
			out = append(out, lvl)
		}
	}
	return out
}

// Prewarm warms every pool to its target size. The first failure per
// pool is logged and warm-up continues with the next level.
func (m *Manager) Prewarm(ctx context.Context, log *slog.Logger) {
	for _, lvl := range m.Levels() {
		if err := m.pools[lvl].Prewarm(ctx); err != nil && log != nil {
			log.Warn("pool prewarm incomplete", "level", string(lvl), "error", err)
		}
	}
}

// Apply resizes every pool from a reloaded policy.
func (m *Manager) Apply(cfgs map[model.IsolationLevel]policy.PoolConfig) {
	for lvl, p := range m.pools {
		if cfg, ok := cfgs[lvl]; ok {
			p.Resize(cfg)
		}
	}
}

// Stats returns occupancy for all pools, strongest first.
func (m *Manager) Stats() []Stats {
	out := make([]Stats, 0, len(m.pools))
	for _, lvl := range m.Levels() {
		out = append(out, m.pools[lvl].Stats())
	}
	return out
}

// Close shuts every pool down.
func (m *Manager) Close() {
	for _, p := range m.pools {
		p.Close()
	}
}
