//go:build !linux

package limits

// Cgroup is a no-op on non-Linux platforms.
type Cgroup struct{}

// ApplyCgroup is a no-op on non-Linux platforms. The returned nil
// Cgroup is safe to call; every accessor reports zero.
func ApplyCgroup(_ string, _ int, _ Spec) (*Cgroup, error) {
	return nil, nil
}

func (c *Cgroup) OOMKills() int       { return 0 }
func (c *Cgroup) PidsDenied() int     { return 0 }
func (c *Cgroup) PeakMemoryKB() int64 { return 0 }
func (c *Cgroup) Cleanup()            {}
