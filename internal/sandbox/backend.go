// Package sandbox provides the polymorphic execution backends behind
// the gateway. Every isolation technology implements one Backend
// interface; the pool and orchestrator depend only on that interface,
// which is what makes the degradation ladder pure substitution.
package sandbox

import (
	"context"

	"github.com/quantgate/quantgate/internal/limits"
	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/netguard"
)

// ExecRequest carries one validated piece of content into a backend.
type ExecRequest struct {
	Content string
	Type    model.ContentType
	Inputs  map[string][]float64
	Spec    limits.Spec
	Guard   *netguard.Session
}

// HealthResult reports whether a backend's host dependencies are
// available. Unhealthy backends feed the degradation ladder.
type HealthResult struct {
	Healthy bool              `json:"healthy"`
	Details map[string]string `json:"details,omitempty"`
}

// Env is one isolated execution environment created by a backend and
// owned by a pool instance. Workdir is wiped on reset.
type Env struct {
	ID      string
	Workdir string
}

// Backend is the capability interface shared by all isolation
// technologies. Execute must honor the context deadline, enforce the
// request's limit spec, deny network unless the guard permits a
// destination, and leave no processes behind on any exit path.
type Backend interface {
	Name() string
	Level() model.IsolationLevel

	// Create pre-warms one isolated environment. Creation failures
	// trigger backend-level degradation in the orchestrator.
	Create(ctx context.Context) (*Env, error)

	// Execute runs content inside env. Resource breaches terminate
	// the process tree immediately and are classified precisely.
	Execute(ctx context.Context, env *Env, req ExecRequest) (model.ExecutionResult, error)

	// Reset wipes ephemeral state so env can be reused. An env that
	// cannot be safely reset must be destroyed instead.
	Reset(env *Env) error

	// Destroy tears the environment down unconditionally.
	Destroy(env *Env)

	HealthCheck(ctx context.Context) HealthResult
}
