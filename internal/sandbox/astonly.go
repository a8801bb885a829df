package sandbox

import (
	"context"

	"github.com/quantgate/quantgate/internal/model"
)

// ASTOnlyBackend is the terminal ladder rung: validation has already
// happened, and this level executes nothing at all. It exists so the
// ladder always has a healthy floor and requests degrade to a typed
// not-executed result instead of a hard failure.
type ASTOnlyBackend struct{}

func NewASTOnly() *ASTOnlyBackend { return &ASTOnlyBackend{} }

func (a *ASTOnlyBackend) Name() string                { return "ast-only" }
func (a *ASTOnlyBackend) Level() model.IsolationLevel { return model.LevelNoneASTOnly }

func (a *ASTOnlyBackend) Create(_ context.Context) (*Env, error) {
	return &Env{ID: "ast-only"}, nil
}

func (a *ASTOnlyBackend) Execute(_ context.Context, _ *Env, _ ExecRequest) (model.ExecutionResult, error) {
	return model.ExecutionResult{
		Success:      false,
		Class:        model.ExitNotExecuted,
		Level:        model.LevelNoneASTOnly,
		FailureCause: "ast-only isolation level does not execute content",
	}, nil
}

func (a *ASTOnlyBackend) Reset(_ *Env) error { return nil }
func (a *ASTOnlyBackend) Destroy(_ *Env)     {}

func (a *ASTOnlyBackend) HealthCheck(_ context.Context) HealthResult {
	return HealthResult{Healthy: true, Details: map[string]string{"backend": "ast-only"}}
}
