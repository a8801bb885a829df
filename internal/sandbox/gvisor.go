package sandbox

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
)

// GvisorBackend interposes a user-space kernel (gVisor runsc) between
// the runner and the host: every syscall is handled by the sentry,
// never by the host kernel directly.
type GvisorBackend struct {
	cfg        policy.BackendsConfig
	runnerPath string
}

func NewGvisor(cfg policy.BackendsConfig, runnerPath string) *GvisorBackend {
	return &GvisorBackend{cfg: cfg, runnerPath: runnerPath}
}

func (g *GvisorBackend) Name() string                { return "runsc" }
func (g *GvisorBackend) Level() model.IsolationLevel { return model.LevelUserspaceKernel }

func (g *GvisorBackend) Create(ctx context.Context) (*Env, error) {
	if res := g.HealthCheck(ctx); !res.Healthy {
		return nil, fmt.Errorf("runsc unavailable: %s", res.Details["error"])
	}
	return newEnv(g.cfg.WorkRoot, "gvisor")
}

func (g *GvisorBackend) Execute(ctx context.Context, env *Env, req ExecRequest) (model.ExecutionResult, error) {
	argv, err := GvisorArgs(GvisorConfig{
		RunscPath:  g.runscPath(),
		Workdir:    env.Workdir,
		RunnerPath: g.runnerPath,
		HostNet:    req.Guard != nil && req.Guard.Active(),
	}, runnerArgs(g.runnerPath, req))
	if err != nil {
		return model.ExecutionResult{}, model.WrapError(model.ErrSandboxCreationFailed, err)
	}
	return runProcess(ctx, argv, req, g.Level())
}

func (g *GvisorBackend) Reset(env *Env) error { return resetEnv(env) }
func (g *GvisorBackend) Destroy(env *Env)     { destroyEnv(env) }

func (g *GvisorBackend) HealthCheck(_ context.Context) HealthResult {
	details := map[string]string{"backend": "runsc"}
	path, err := exec.LookPath(g.runscPath())
	if err != nil {
		details["error"] = "runsc binary not found"
		return HealthResult{Healthy: false, Details: details}
	}
	details["runsc_path"] = path
	return HealthResult{Healthy: true, Details: details}
}

func (g *GvisorBackend) runscPath() string {
	if g.cfg.RunscPath != "" {
		return g.cfg.RunscPath
	}
	return "runsc"
}

// GvisorConfig holds the inputs for one runsc invocation.
type GvisorConfig struct {
	RunscPath  string
	Workdir    string
	RunnerPath string
	HostNet    bool
}

// GvisorArgs constructs a "runsc do" invocation with the instance
// workdir as the working directory. The sentry network is none unless
// the policy grants egress through the loopback proxy.
func GvisorArgs(cfg GvisorConfig, inner []string) ([]string, error) {
	if cfg.RunscPath == "" {
		return nil, fmt.Errorf("runsc path is required")
	}
	if cfg.Workdir == "" {
		return nil, fmt.Errorf("workdir is required")
	}
	if len(inner) == 0 {
		return nil, fmt.Errorf("inner command is required")
	}

	network := "none"
	if cfg.HostNet {
		network = "host"
	}
	args := []string{
		cfg.RunscPath,
		"--rootless",
		"--network", network,
		"do",
		"--cwd", cfg.Workdir,
	}
	return append(args, inner...), nil
}
