package pool

import (
	"sync"
	"time"

	"github.com/quantgate/quantgate/internal/sandbox"
)

// Lease is exclusive use of one sandbox instance. It must be released
// exactly once; Release is idempotent so defer-plus-explicit patterns
// are safe.
type Lease struct {
	pool     *Pool
	Instance *sandbox.Instance

	once sync.Once
}

// MarkExecuting transitions the instance into its execution phase.
// Call it immediately before handing the instance to a backend.
func (l *Lease) MarkExecuting() error {
	return l.Instance.Transition(sandbox.StateExecuting)
}

// Release returns the instance to the pool. The environment is wiped
// before the instance becomes available again; a wipe that fails or
// overruns the reset budget destroys the instance instead of reusing
// it.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.Instance, false) })
}

// Discard destroys the instance instead of returning it. Use after a
// failure that leaves the environment in an unknown state.
func (l *Lease) Discard() {
	l.once.Do(func() { l.pool.release(l.Instance, true) })
}

// release cleans up in and either reclaims or destroys it.
func (p *Pool) release(in *sandbox.Instance, discard bool) {
	if discard {
		p.destroy(in, "discarded by caller")
		return
	}
	if err := in.Transition(sandbox.StateCleaning); err != nil {
		p.destroy(in, "cleaning transition failed")
		return
	}
	if !p.resetWithin(in, p.resetBudget()) {
		p.destroy(in, "reset failed")
		return
	}
	if err := in.Transition(sandbox.StateIdle); err != nil {
		p.destroy(in, "idle transition failed")
		return
	}
	p.mu.Lock()
	delete(p.leased, in.ID)
	p.mu.Unlock()
	p.reclaim(in)
}

func (p *Pool) resetBudget() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.ResetTimeout
}

// resetWithin runs the backend reset bounded by budget. A reset that
// overruns is abandoned; its instance must not be reused.
func (p *Pool) resetWithin(in *sandbox.Instance, budget time.Duration) bool {
	if budget <= 0 {
		return in.Backend.Reset(in.Env) == nil
	}
	done := make(chan error, 1)
	go func() { done <- in.Backend.Reset(in.Env) }()
	select {
	case err := <-done:
		return err == nil
	case <-time.After(budget):
		return false
	}
}
