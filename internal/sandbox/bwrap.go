package sandbox

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
)

// BwrapBackend sandboxes the runner with bubblewrap namespaces: tmpfs
// root, read-only system directories, unshared everything, and no
// network unless the guard carries an egress proxy.
type BwrapBackend struct {
	cfg        policy.BackendsConfig
	runnerPath string
}

// NewBwrap creates the namespace-sandbox backend. runnerPath is the
// gateway binary re-invoked as the in-sandbox runner.
func NewBwrap(cfg policy.BackendsConfig, runnerPath string) *BwrapBackend {
	return &BwrapBackend{cfg: cfg, runnerPath: runnerPath}
}

func (b *BwrapBackend) Name() string                { return "bwrap" }
func (b *BwrapBackend) Level() model.IsolationLevel { return model.LevelNamespaceSandbox }

func (b *BwrapBackend) Create(ctx context.Context) (*Env, error) {
	if res := b.HealthCheck(ctx); !res.Healthy {
		return nil, fmt.Errorf("bwrap unavailable: %s", res.Details["error"])
	}
	return newEnv(b.cfg.WorkRoot, "bwrap")
}

func (b *BwrapBackend) Execute(ctx context.Context, env *Env, req ExecRequest) (model.ExecutionResult, error) {
	// The network namespace stays unshared unless the policy grants
	// egress; granted egress flows through the loopback proxy started
	// by runProcess, which decides every connection.
	argv, err := BwrapArgs(BwrapConfig{
		BwrapPath:  b.bwrapPath(),
		Workdir:    env.Workdir,
		RunnerPath: b.runnerPath,
		ShareNet:   req.Guard != nil && req.Guard.Active(),
	}, runnerArgs("/runner", req))
	if err != nil {
		return model.ExecutionResult{}, model.WrapError(model.ErrSandboxCreationFailed, err)
	}
	return runProcess(ctx, argv, req, b.Level())
}

func (b *BwrapBackend) Reset(env *Env) error { return resetEnv(env) }
func (b *BwrapBackend) Destroy(env *Env)     { destroyEnv(env) }

func (b *BwrapBackend) HealthCheck(_ context.Context) HealthResult {
	details := map[string]string{"backend": "bwrap"}
	path, err := exec.LookPath(b.bwrapPath())
	if err != nil {
		details["error"] = "bwrap binary not found"
		return HealthResult{Healthy: false, Details: details}
	}
	details["bwrap_path"] = path
	return HealthResult{Healthy: true, Details: details}
}

func (b *BwrapBackend) bwrapPath() string {
	if b.cfg.BwrapPath != "" {
		return b.cfg.BwrapPath
	}
	return "bwrap"
}

// BwrapConfig holds the inputs for one bwrap invocation. Kept separate
// from the backend so argument construction is unit-testable without
// bubblewrap installed.
type BwrapConfig struct {
	BwrapPath  string
	Workdir    string
	RunnerPath string
	ShareNet   bool
}

// BwrapArgs constructs the bwrap argument vector wrapping inner. The
// runner binary is bind-mounted read-only at /runner; the instance
// workdir is the only writable mount.
func BwrapArgs(cfg BwrapConfig, inner []string) ([]string, error) {
	if cfg.BwrapPath == "" {
		return nil, fmt.Errorf("bwrap path is required")
	}
	if cfg.Workdir == "" {
		return nil, fmt.Errorf("workdir is required")
	}
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}

	args := []string{
		cfg.BwrapPath,
		"--die-with-parent",
		"--unshare-pid",
		"--unshare-uts",
		"--unshare-ipc",
		"--unshare-user",
		"--unshare-cgroup-try",
	}
	if !cfg.ShareNet {
		args = append(args, "--unshare-net")
	}
	args = append(args,
		"--tmpfs", "/",
		"--ro-bind", "/usr", "/usr",
		"--symlink", "usr/bin", "/bin",
		"--symlink", "usr/lib", "/lib",
		"--symlink", "usr/lib64", "/lib64",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--ro-bind", cfg.RunnerPath, "/runner",
		"--bind", cfg.Workdir, "/workspace",
		"--chdir", "/workspace",
		"--new-session",
		"--",
	)
	return append(args, inner...), nil
}
