//go:build linux

package limits

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const cgroupBase = "/sys/fs/cgroup/quantgate"

// maxCPUMillis caps the CPU limit to prevent integer overflow.
const maxCPUMillis = 1024000 // 1024 cores

// maxMemoryMB caps the memory limit to prevent integer overflow.
const maxMemoryMB = 1 << 20 // 1 TiB

// validCgroupIDRe ensures the instance ID is safe as a path component.
var validCgroupIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Cgroup is one cgroup v2 slice enforcing a Spec on a process tree.
// Breach detection is continuous: memory.max and pids.max are kernel
// enforced during execution, and the counters read back afterwards
// say which ceiling was hit first.
type Cgroup struct {
	path string
}

// ApplyCgroup creates a cgroup v2 slice under the gateway base, writes
// memory, CPU, and pid limits, and moves pid into it. Zero-valued
// constraints are not applied; a fully zero spec returns (nil, nil).
func ApplyCgroup(instanceID string, pid int, spec Spec) (*Cgroup, error) {
	if spec.MemoryMB <= 0 && spec.CPUMillis <= 0 && spec.Processes <= 0 {
		return nil, nil
	}
	if !validCgroupIDRe.MatchString(instanceID) {
		return nil, fmt.Errorf("invalid instance ID for cgroup: %q", instanceID)
	}
	if spec.CPUMillis > maxCPUMillis {
		return nil, fmt.Errorf("CPU limit %d exceeds maximum %d millicores", spec.CPUMillis, maxCPUMillis)
	}
	if spec.MemoryMB > maxMemoryMB {
		return nil, fmt.Errorf("memory limit %d MB exceeds maximum %d MB", spec.MemoryMB, maxMemoryMB)
	}

	cgPath := filepath.Join(cgroupBase, instanceID)
	if err := os.MkdirAll(cgPath, 0o700); err != nil {
		return nil, fmt.Errorf("create cgroup dir: %w", err)
	}
	cg := &Cgroup{path: cgPath}

	if spec.MemoryMB > 0 {
		memBytes := int64(spec.MemoryMB) * 1024 * 1024
		if err := os.WriteFile(filepath.Join(cgPath, "memory.max"), []byte(strconv.FormatInt(memBytes, 10)), 0o644); err != nil {
			cg.Cleanup()
			return nil, fmt.Errorf("write memory.max: %w", err)
		}
	}
	if spec.CPUMillis > 0 {
		// cpu.max format: "$QUOTA $PERIOD", period 100ms, CPU in millicores.
		period := 100000
		quota := (spec.CPUMillis * period) / 1000
		if quota < 1000 {
			quota = 1000
		}
		val := fmt.Sprintf("%d %d", quota, period)
		if err := os.WriteFile(filepath.Join(cgPath, "cpu.max"), []byte(val), 0o644); err != nil {
			cg.Cleanup()
			return nil, fmt.Errorf("write cpu.max: %w", err)
		}
	}
	if spec.Processes > 0 {
		if err := os.WriteFile(filepath.Join(cgPath, "pids.max"), []byte(strconv.Itoa(spec.Processes)), 0o644); err != nil {
			cg.Cleanup()
			return nil, fmt.Errorf("write pids.max: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(cgPath, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		cg.Cleanup()
		return nil, fmt.Errorf("write cgroup.procs: %w", err)
	}

	slog.Debug("cgroup limits applied",
		"instance_id", instanceID,
		"memory_mb", spec.MemoryMB,
		"cpu_millicores", spec.CPUMillis,
		"pids", spec.Processes,
	)
	return cg, nil
}

// OOMKills returns the oom_kill counter from memory.events.
func (c *Cgroup) OOMKills() int {
	if c == nil {
		return 0
	}
	return readEventCounter(filepath.Join(c.path, "memory.events"), "oom_kill")
}

// PidsDenied returns the max counter from pids.events (fork attempts
// rejected by the pid ceiling).
func (c *Cgroup) PidsDenied() int {
	if c == nil {
		return 0
	}
	return readEventCounter(filepath.Join(c.path, "pids.events"), "max")
}

// PeakMemoryKB returns memory.peak in KiB, or 0 when unavailable.
func (c *Cgroup) PeakMemoryKB() int64 {
	if c == nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(c.path, "memory.peak"))
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return n / 1024
}

// Cleanup removes the cgroup directory. The kernel rejects rmdir while
// processes remain, so teardown kills the tree first.
func (c *Cgroup) Cleanup() {
	if c == nil {
		return
	}
	if err := os.Remove(c.path); err != nil {
		slog.Warn("cgroup cleanup failed (processes may still be running)",
			"path", c.path, "error", err)
	}
}

func readEventCounter(path, key string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == key {
			n, _ := strconv.Atoi(fields[1])
			return n
		}
	}
	return 0
}
