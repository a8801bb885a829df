package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/quantgate/quantgate/internal/interp"
	"github.com/quantgate/quantgate/internal/limits"
	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/netguard"
)

// maxCapturedOutput bounds the stdout captured from a sandboxed run.
const maxCapturedOutput = 256 * 1024

// runnerArgs builds the argument vector for the in-sandbox runner
// subcommand: the gateway binary re-invoked with a restricted
// interpreter reading content from stdin.
func runnerArgs(runnerPath string, req ExecRequest) []string {
	args := []string{runnerPath, "runner", "--content-type", string(req.Type)}
	if req.Spec.WallTime > 0 {
		args = append(args, "--deadline", req.Spec.WallTime.String())
	}
	return args
}

// runProcess starts argv with content on stdin, applies cgroup limits,
// waits bounded by ctx, and classifies the outcome. On deadline expiry
// the whole process group is killed, never signaled-and-waited.
func runProcess(ctx context.Context, argv []string, req ExecRequest, level model.IsolationLevel) (model.ExecutionResult, error) {
	start := time.Now()
	instanceID := "run-" + uuid.NewString()

	if req.Spec.WallTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Spec.WallTime)
		defer cancel()
	}

	payload, err := interp.EncodePayload(req.Content, req.Inputs)
	if err != nil {
		return model.ExecutionResult{}, model.WrapError(model.ErrExecutionFailed, err)
	}

	env := minimalEnv()
	if req.Guard != nil && req.Guard.Active() {
		proxy, err := netguard.StartProxy(req.Guard, nil)
		if err != nil {
			return model.ExecutionResult{}, model.WrapError(model.ErrSandboxCreationFailed, err)
		}
		defer proxy.Close()
		env = append(env, proxyEnv(proxy.URL())...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = newBoundedWriter(&stdout, maxCapturedOutput)
	cmd.Stderr = newBoundedWriter(&stderr, maxCapturedOutput)
	cmd.Env = env
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killTree(cmd) }
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return model.ExecutionResult{}, model.WrapError(model.ErrSandboxCreationFailed, err)
	}

	cg, err := limits.ApplyCgroup(instanceID, cmd.Process.Pid, req.Spec)
	if err != nil {
		_ = killTree(cmd)
		_ = cmd.Wait()
		return model.ExecutionResult{}, model.WrapError(model.ErrSandboxCreationFailed, err)
	}
	defer cg.Cleanup()

	waitErr := cmd.Wait()

	obs := limits.Observation{
		CtxErr:     ctx.Err(),
		OOMKills:   cg.OOMKills(),
		PidsDenied: cg.PidsDenied(),
		ExitErr:    waitErr,
	}
	class := limits.Classify(obs)

	res := model.ExecutionResult{
		Success:      class == model.ExitOK,
		Output:       stdout.String(),
		Class:        class,
		Level:        level,
		WallTime:     time.Since(start),
		PeakMemoryKB: cg.PeakMemoryKB(),
	}
	if !res.Success {
		res.FailureCause = failureCause(class, stderr.String(), waitErr)
	}
	return res, nil
}

func failureCause(class model.ExitClass, stderr string, waitErr error) string {
	switch class {
	case model.ExitTimeout:
		return "wall-time deadline exceeded, process tree killed"
	case model.ExitMemory:
		return "memory ceiling breached, process killed by OOM"
	case model.ExitProcessLimit:
		return "process-count ceiling breached"
	}
	msg := strings.TrimSpace(stderr)
	switch {
	case waitErr == nil:
	case msg == "":
		msg = fmt.Sprintf("exit code %d", ExitCode(waitErr))
	default:
		msg = fmt.Sprintf("exit code %d: %s", ExitCode(waitErr), msg)
	}
	return msg
}

// killTree kills the whole process group so grandchildren cannot
// outlive the sandbox.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	if err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// ExitCode extracts the process exit code from a cmd.Wait() error:
// 0 for nil, the real code for normal exits, 128+signal for
// signal-killed processes, 1 as fallback.
func ExitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Exited() {
				return ws.ExitStatus()
			}
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
		}
	}
	return 1
}

// proxyEnv advertises the egress proxy to the sandboxed process. Both
// spellings are set; HTTP clients disagree on which one they read.
func proxyEnv(url string) []string {
	return []string{
		"HTTP_PROXY=" + url,
		"http_proxy=" + url,
		"HTTPS_PROXY=" + url,
		"https_proxy=" + url,
	}
}

// minimalEnv is the environment handed to sandboxed processes: no
// inherited secrets, just a sane PATH and locale.
func minimalEnv() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"HOME=/tmp",
	}
}

// boundedWriter caps captured output without failing the writer.
type boundedWriter struct {
	dst *bytes.Buffer
	max int
}

func newBoundedWriter(dst *bytes.Buffer, max int) *boundedWriter {
	return &boundedWriter{dst: dst, max: max}
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	remain := w.max - w.dst.Len()
	if remain > 0 {
		if len(p) > remain {
			w.dst.Write(p[:remain])
		} else {
			w.dst.Write(p)
		}
	}
	return len(p), nil
}

// newEnv creates a fresh environment workdir under root.
func newEnv(root, prefix string) (*Env, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(root, prefix+"-")
	if err != nil {
		return nil, err
	}
	return &Env{ID: prefix + "-" + uuid.NewString(), Workdir: dir}, nil
}

// resetEnv wipes the workdir contents, keeping the directory.
func resetEnv(env *Env) error {
	entries, err := os.ReadDir(env.Workdir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(env.Workdir + "/" + e.Name()); err != nil {
			return err
		}
	}
	return nil
}

// destroyEnv removes the workdir entirely.
func destroyEnv(env *Env) {
	if env != nil && env.Workdir != "" {
		_ = os.RemoveAll(env.Workdir)
	}
}
