package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/quantgate/quantgate/internal/limits"
	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
)

// ContainerBackend runs the runner in a rootless container
// (podman or docker). Limits ride on the runtime's own flags; the
// cgroup applied by runProcess is belt over those braces.
type ContainerBackend struct {
	cfg        policy.BackendsConfig
	runnerPath string
}

func NewContainer(cfg policy.BackendsConfig, runnerPath string) *ContainerBackend {
	return &ContainerBackend{cfg: cfg, runnerPath: runnerPath}
}

func (c *ContainerBackend) Name() string                { return c.runtime() }
func (c *ContainerBackend) Level() model.IsolationLevel { return model.LevelContainer }

func (c *ContainerBackend) Create(ctx context.Context) (*Env, error) {
	if res := c.HealthCheck(ctx); !res.Healthy {
		return nil, fmt.Errorf("container runtime unavailable: %s", res.Details["error"])
	}
	return newEnv(c.cfg.WorkRoot, "container")
}

func (c *ContainerBackend) Execute(ctx context.Context, env *Env, req ExecRequest) (model.ExecutionResult, error) {
	argv, err := ContainerArgs(ContainerConfig{
		Runtime:    c.runtime(),
		Image:      c.cfg.Image,
		Workdir:    env.Workdir,
		RunnerPath: c.runnerPath,
		Spec:       req.Spec,
		HostNet:    req.Guard != nil && req.Guard.Active(),
	}, runnerArgs("/runner", req))
	if err != nil {
		return model.ExecutionResult{}, model.WrapError(model.ErrSandboxCreationFailed, err)
	}
	return runProcess(ctx, argv, req, c.Level())
}

func (c *ContainerBackend) Reset(env *Env) error { return resetEnv(env) }
func (c *ContainerBackend) Destroy(env *Env)     { destroyEnv(env) }

func (c *ContainerBackend) HealthCheck(_ context.Context) HealthResult {
	details := map[string]string{"backend": c.runtime()}
	path, err := exec.LookPath(c.runtime())
	if err != nil {
		details["error"] = c.runtime() + " binary not found"
		return HealthResult{Healthy: false, Details: details}
	}
	details["runtime_path"] = path
	if c.cfg.Image == "" {
		details["error"] = "image not configured"
		return HealthResult{Healthy: false, Details: details}
	}
	return HealthResult{Healthy: true, Details: details}
}

func (c *ContainerBackend) runtime() string {
	if c.cfg.Runtime != "" {
		return c.cfg.Runtime
	}
	return "podman"
}

// ContainerConfig holds the inputs for one container run invocation.
type ContainerConfig struct {
	Runtime    string
	Image      string
	Workdir    string
	RunnerPath string
	Spec       limits.Spec
	HostNet    bool
}

// ContainerArgs constructs the runtime run argument vector: ephemeral,
// read-only rootfs, with the runner bind-mounted and the request's
// limits mapped to runtime flags. The network is none unless the
// policy grants egress, in which case the host namespace is shared so
// the loopback egress proxy is reachable and the proxy variables are
// forwarded into the container.
func ContainerArgs(cfg ContainerConfig, inner []string) ([]string, error) {
	if cfg.Runtime == "" {
		return nil, fmt.Errorf("runtime is required")
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if cfg.Workdir == "" {
		return nil, fmt.Errorf("workdir is required")
	}
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}

	network := "none"
	args := []string{
		cfg.Runtime, "run",
		"--rm", "-i",
	}
	if cfg.HostNet {
		network = "host"
		for _, v := range []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy"} {
			args = append(args, "--env", v)
		}
	}
	args = append(args,
		"--network", network,
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--volume", cfg.RunnerPath+":/runner:ro",
		"--volume", cfg.Workdir+":/workspace",
		"--workdir", "/workspace",
	)
	if cfg.Spec.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(cfg.Spec.MemoryMB)+"m")
	}
	if cfg.Spec.CPUMillis > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.3f", float64(cfg.Spec.CPUMillis)/1000))
	}
	if cfg.Spec.Processes > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(cfg.Spec.Processes))
	}
	args = append(args, cfg.Image)
	return append(args, inner...), nil
}
