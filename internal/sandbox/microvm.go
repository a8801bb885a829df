package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/quantgate/quantgate/internal/limits"
	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
)

// MicroVMBackend is the strongest rung: a Firecracker microVM with its
// own kernel and an ephemeral rootfs copy per environment. Requires
// /dev/kvm plus configured kernel and rootfs images; hosts without
// them fail the health check and the ladder moves on.
type MicroVMBackend struct {
	cfg policy.BackendsConfig
}

func NewMicroVM(cfg policy.BackendsConfig) *MicroVMBackend {
	return &MicroVMBackend{cfg: cfg}
}

func (m *MicroVMBackend) Name() string                { return "firecracker" }
func (m *MicroVMBackend) Level() model.IsolationLevel { return model.LevelMicroVM }

func (m *MicroVMBackend) Create(ctx context.Context) (*Env, error) {
	if res := m.HealthCheck(ctx); !res.Healthy {
		return nil, fmt.Errorf("firecracker unavailable: %s", res.Details["error"])
	}
	env, err := newEnv(m.cfg.WorkRoot, "microvm")
	if err != nil {
		return nil, err
	}
	// Ephemeral per-environment rootfs copy: guest writes never reach
	// the golden image.
	if err := copyFile(m.cfg.RootfsPath, filepath.Join(env.Workdir, "rootfs.ext4")); err != nil {
		destroyEnv(env)
		return nil, fmt.Errorf("prepare rootfs copy: %w", err)
	}
	return env, nil
}

func (m *MicroVMBackend) Execute(ctx context.Context, env *Env, req ExecRequest) (model.ExecutionResult, error) {
	cfgPath, err := m.writeVMConfig(env, req.Spec)
	if err != nil {
		return model.ExecutionResult{}, model.WrapError(model.ErrSandboxCreationFailed, err)
	}
	argv, err := MicroVMArgs(MicroVMConfig{
		FirecrackerPath: m.firecrackerPath(),
		ConfigPath:      cfgPath,
		APISocket:       filepath.Join(env.Workdir, "fc.sock"),
	})
	if err != nil {
		return model.ExecutionResult{}, model.WrapError(model.ErrSandboxCreationFailed, err)
	}
	return runProcess(ctx, argv, req, m.Level())
}

func (m *MicroVMBackend) Reset(env *Env) error {
	// The rootfs copy is dirty after a boot; a reset must rebuild it.
	if err := resetEnv(env); err != nil {
		return err
	}
	return copyFile(m.cfg.RootfsPath, filepath.Join(env.Workdir, "rootfs.ext4"))
}

func (m *MicroVMBackend) Destroy(env *Env) { destroyEnv(env) }

func (m *MicroVMBackend) HealthCheck(_ context.Context) HealthResult {
	details := map[string]string{"backend": "firecracker"}

	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		details["error"] = "/dev/kvm not accessible: " + err.Error()
		return HealthResult{Healthy: false, Details: details}
	}
	f.Close()

	path, err := exec.LookPath(m.firecrackerPath())
	if err != nil {
		details["error"] = "firecracker binary not found"
		return HealthResult{Healthy: false, Details: details}
	}
	details["firecracker_path"] = path

	if m.cfg.KernelPath == "" {
		details["error"] = "kernel_path not configured"
		return HealthResult{Healthy: false, Details: details}
	}
	if _, err := os.Stat(m.cfg.KernelPath); err != nil {
		details["error"] = "kernel not found: " + m.cfg.KernelPath
		return HealthResult{Healthy: false, Details: details}
	}
	if m.cfg.RootfsPath == "" {
		details["error"] = "rootfs_path not configured"
		return HealthResult{Healthy: false, Details: details}
	}
	if _, err := os.Stat(m.cfg.RootfsPath); err != nil {
		details["error"] = "rootfs not found: " + m.cfg.RootfsPath
		return HealthResult{Healthy: false, Details: details}
	}
	return HealthResult{Healthy: true, Details: details}
}

func (m *MicroVMBackend) firecrackerPath() string {
	if m.cfg.FirecrackerPath != "" {
		return m.cfg.FirecrackerPath
	}
	return "firecracker"
}

// writeVMConfig emits the Firecracker machine config next to the
// per-environment rootfs. CPU and memory ceilings map to vCPU count
// and guest memory; wall time stays with runProcess.
func (m *MicroVMBackend) writeVMConfig(env *Env, spec limits.Spec) (string, error) {
	vcpus := spec.CPUMillis / 1000
	if vcpus < 1 {
		vcpus = 1
	}
	memMB := spec.MemoryMB
	if memMB <= 0 {
		memMB = 128
	}
	doc := map[string]any{
		"boot-source": map[string]any{
			"kernel_image_path": m.cfg.KernelPath,
			"boot_args":         "console=ttyS0 reboot=k panic=1 pci=off quiet",
		},
		"drives": []map[string]any{{
			"drive_id":       "rootfs",
			"path_on_host":   filepath.Join(env.Workdir, "rootfs.ext4"),
			"is_root_device": true,
			"is_read_only":   false,
		}},
		"machine-config": map[string]any{
			"vcpu_count":   vcpus,
			"mem_size_mib": memMB,
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	path := filepath.Join(env.Workdir, "vmconfig.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// MicroVMConfig holds the inputs for one firecracker invocation.
type MicroVMConfig struct {
	FirecrackerPath string
	ConfigPath      string
	APISocket       string
}

// MicroVMArgs constructs the firecracker argument vector.
func MicroVMArgs(cfg MicroVMConfig) ([]string, error) {
	if cfg.FirecrackerPath == "" {
		return nil, fmt.Errorf("firecracker path is required")
	}
	if cfg.ConfigPath == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.APISocket == "" {
		return nil, fmt.Errorf("api socket path is required")
	}
	return []string{
		cfg.FirecrackerPath,
		"--api-sock", cfg.APISocket,
		"--config-file", cfg.ConfigPath,
	}, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
