// Package pool maintains bounded sets of warm sandbox instances, one
// pool per isolation level. Acquisition is FIFO under contention and
// bounded by the caller's context; the pool never blocks past the
// configured maximum.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
	"github.com/quantgate/quantgate/internal/sandbox"
)

const defaultReaperInterval = 10 * time.Second

// Hooks receives lifecycle notifications. Nil fields are skipped.
type Hooks struct {
	Created   func(in *sandbox.Instance)
	Destroyed func(in *sandbox.Instance, reason string)
}

type idleEntry struct {
	in    *sandbox.Instance
	since time.Time
}

// Pool owns every instance of one isolation level. All instances are
// created, leased, reset, and destroyed through it; nothing else may
// hold an instance outside a lease.
type Pool struct {
	backend sandbox.Backend
	hooks   Hooks
	log     *slog.Logger

	mu      sync.Mutex
	cfg     policy.PoolConfig
	idle    []idleEntry
	leased  map[string]*sandbox.Instance
	total   int
	waiters []chan *sandbox.Instance
	closed  bool

	reaperInterval time.Duration
	stop           chan struct{}
	done           chan struct{}
}

// New creates a pool for backend sized by cfg and starts its reaper.
func New(backend sandbox.Backend, cfg policy.PoolConfig, hooks Hooks, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		backend:        backend,
		hooks:          hooks,
		log:            log.With("component", "pool", "level", string(backend.Level())),
		cfg:            cfg,
		leased:         make(map[string]*sandbox.Instance),
		reaperInterval: defaultReaperInterval,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go p.reaper()
	return p
}

// Level returns the isolation level this pool serves.
func (p *Pool) Level() model.IsolationLevel { return p.backend.Level() }

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Level   model.IsolationLevel `json:"level"`
	Idle    int                  `json:"idle"`
	Leased  int                  `json:"leased"`
	Total   int                  `json:"total"`
	Waiting int                  `json:"waiting"`
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Level:   p.backend.Level(),
		Idle:    len(p.idle),
		Leased:  len(p.leased),
		Total:   p.total,
		Waiting: len(p.waiters),
	}
}

// Prewarm creates instances up to the target size. Creation failures
// stop the warm-up and are returned; the pool remains usable.
func (p *Pool) Prewarm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.Target {
			p.mu.Unlock()
			return nil
		}
		p.total++
		p.mu.Unlock()

		in, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return err
		}
		p.mu.Lock()
		p.idle = append(p.idle, idleEntry{in: in, since: time.Now()})
		p.mu.Unlock()
	}
}

// Acquire leases an instance for owner. Idle instances are preferred;
// below the maximum a new one is created; at the maximum the caller
// waits in FIFO order until an instance is released or ctx expires,
// in which case the error carries the pool_exhausted code.
func (p *Pool) Acquire(ctx context.Context, owner string) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, model.NewError(model.ErrSandboxCreationFailed, "pool for level %s is closed", p.backend.Level())
	}

	if n := len(p.idle); n > 0 {
		entry := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return p.lease(entry.in, owner)
	}

	if p.cfg.Max <= 0 || p.total < p.cfg.Max {
		p.total++
		p.mu.Unlock()
		in, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, model.WrapError(model.ErrSandboxCreationFailed, err)
		}
		return p.lease(in, owner)
	}

	ch := make(chan *sandbox.Instance, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case in, ok := <-ch:
		if !ok {
			return nil, model.NewError(model.ErrSandboxCreationFailed, "pool for level %s could not furnish an instance", p.backend.Level())
		}
		return p.lease(in, owner)
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// an instance may have been handed over while we were
		// cancelling; put it back rather than leak it
		select {
		case in, ok := <-ch:
			if ok {
				p.reclaim(in)
			}
		default:
		}
		return nil, model.NewError(model.ErrPoolExhausted, "no %s sandbox available within deadline", p.backend.Level())
	}
}

func (p *Pool) create(ctx context.Context) (*sandbox.Instance, error) {
	env, err := p.backend.Create(ctx)
	if err != nil {
		return nil, err
	}
	in := sandbox.NewInstance(p.backend, env)
	p.log.Debug("sandbox created", "instance", in.ID)
	if p.hooks.Created != nil {
		p.hooks.Created(in)
	}
	return in, nil
}

func (p *Pool) lease(in *sandbox.Instance, owner string) (*Lease, error) {
	if err := in.Lease(owner); err != nil {
		p.destroy(in, "lease transition failed")
		return nil, model.NewError(model.ErrSandboxCreationFailed, "lease %s: %v", in.ID, err)
	}
	p.mu.Lock()
	p.leased[in.ID] = in
	p.mu.Unlock()
	return &Lease{pool: p, Instance: in}, nil
}

// reclaim returns an idle-state instance to the pool or hands it to a
// waiter. The instance must not be leased.
func (p *Pool) reclaim(in *sandbox.Instance) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(in, "pool closed")
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- in
		return
	}
	p.idle = append(p.idle, idleEntry{in: in, since: time.Now()})
	p.mu.Unlock()
}

// destroy tears an instance down and releases its slot. Any waiter is
// unblocked by allowing a fresh create on its next attempt; we wake
// one waiter with a replacement when possible.
func (p *Pool) destroy(in *sandbox.Instance, reason string) {
	_ = in.Transition(sandbox.StateDestroyed)
	p.backend.Destroy(in.Env)
	p.log.Debug("sandbox destroyed", "instance", in.ID, "reason", reason)
	if p.hooks.Destroyed != nil {
		p.hooks.Destroyed(in, reason)
	}

	p.mu.Lock()
	delete(p.leased, in.ID)
	p.total--
	var ch chan *sandbox.Instance
	if !p.closed && len(p.waiters) > 0 && (p.cfg.Max <= 0 || p.total < p.cfg.Max) {
		ch = p.waiters[0]
		p.waiters = p.waiters[1:]
		p.total++
	}
	p.mu.Unlock()

	if ch == nil {
		return
	}
	replacement, err := p.create(context.Background())
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.log.Warn("replacement create failed", "error", err)
		close(ch)
		return
	}
	ch <- replacement
}

// Resize swaps the pool sizing at runtime. Surplus idle instances
// above the new maximum are destroyed immediately; leased instances
// are unaffected until released.
func (p *Pool) Resize(cfg policy.PoolConfig) {
	p.mu.Lock()
	p.cfg = cfg
	var surplus []*sandbox.Instance
	over := 0
	if cfg.Max > 0 && p.total > cfg.Max {
		over = p.total - cfg.Max
	}
	for over > 0 && len(p.idle) > 0 {
		n := len(p.idle)
		surplus = append(surplus, p.idle[n-1].in)
		p.idle = p.idle[:n-1]
		over--
	}
	p.mu.Unlock()

	for _, in := range surplus {
		p.destroy(in, "resize")
	}
}

// Close destroys all idle instances and marks the pool closed. Leased
// instances are destroyed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	for _, w := range waiters {
		close(w)
	}
	for _, e := range idle {
		p.destroy(e.in, "pool closed")
	}
}

func (p *Pool) reaper() {
	defer close(p.done)
	t := time.NewTicker(p.reaperInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-t.C:
			p.sweep(now)
		}
	}
}

// sweep destroys leaked leases and shrinks idle capacity above the
// target that has sat unused past the shrink window.
func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	var leaked []*sandbox.Instance
	for _, in := range p.leased {
		if in.LeakStale(p.cfg.LeaseGrace, now) {
			leaked = append(leaked, in)
		}
	}
	var shrink []*sandbox.Instance
	for len(p.idle) > 0 && p.total-len(shrink) > p.cfg.Target {
		oldest := p.idle[0]
		if p.cfg.IdleShrink <= 0 || now.Sub(oldest.since) < p.cfg.IdleShrink {
			break
		}
		shrink = append(shrink, oldest.in)
		p.idle = p.idle[1:]
	}
	p.mu.Unlock()

	for _, in := range leaked {
		p.log.Warn("leaked lease reclaimed", "instance", in.ID, "owner", in.Owner())
		p.destroy(in, "lease leak")
	}
	for _, in := range shrink {
		p.destroy(in, "idle shrink")
	}
}
