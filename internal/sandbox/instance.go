package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantgate/quantgate/internal/model"
)

// State is a sandbox instance lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateLeased    State = "leased"
	StateExecuting State = "executing"
	StateCleaning  State = "cleaning"
	StateDestroyed State = "destroyed"
)

// validTransitions is the instance state machine:
// idle, leased, executing, cleaning, back to idle. Any state may be
// destroyed.
var validTransitions = map[State][]State{
	StateIdle:      {StateLeased, StateDestroyed},
	StateLeased:    {StateExecuting, StateCleaning, StateDestroyed},
	StateExecuting: {StateCleaning, StateDestroyed},
	StateCleaning:  {StateIdle, StateDestroyed},
	StateDestroyed: {},
}

// Instance is one pooled sandbox environment. Owned exclusively by the
// pool; callers hold leases, never the instance itself.
type Instance struct {
	ID        string
	Backend   Backend
	Env       *Env
	CreatedAt time.Time

	mu       sync.Mutex
	state    State
	owner    string
	leasedAt time.Time
}

// NewInstance wraps a freshly created environment as an idle instance.
func NewInstance(backend Backend, env *Env) *Instance {
	return &Instance{
		ID:        uuid.NewString(),
		Backend:   backend,
		Env:       env,
		CreatedAt: time.Now().UTC(),
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Owner returns the lease owner, empty when idle.
func (in *Instance) Owner() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.owner
}

// LeasedAt returns when the current lease was taken.
func (in *Instance) LeasedAt() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.leasedAt
}

// Level returns the instance's isolation level.
func (in *Instance) Level() model.IsolationLevel {
	return in.Backend.Level()
}

// Transition moves the instance to next, rejecting anything outside
// the state machine.
func (in *Instance) Transition(next State) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, allowed := range validTransitions[in.state] {
		if allowed == next {
			switch next {
			case StateLeased:
				in.leasedAt = time.Now().UTC()
			case StateIdle, StateDestroyed:
				in.owner = ""
				in.leasedAt = time.Time{}
			}
			in.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid instance transition %s to %s", in.state, next)
}

// Lease marks the instance leased by owner.
func (in *Instance) Lease(owner string) error {
	if err := in.Transition(StateLeased); err != nil {
		return err
	}
	in.mu.Lock()
	in.owner = owner
	in.mu.Unlock()
	return nil
}

// LeakStale reports whether a leased instance never reached Executing
// within the grace period. Such instances are treated as leaks and
// force-destroyed by the pool's reaper.
func (in *Instance) LeakStale(grace time.Duration, now time.Time) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state == StateLeased && grace > 0 && now.Sub(in.leasedAt) > grace
}
