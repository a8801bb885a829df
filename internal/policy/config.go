package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantgate/quantgate/internal/alert"
	"github.com/quantgate/quantgate/internal/model"
)

// CapabilitySet holds the allow/deny identifier sets for one content type.
// Allow and deny are mutually exclusive; overlap is a configuration error
// surfaced at load time, never at request time.
type CapabilitySet struct {
	AllowedCalls   []string `yaml:"allowed_calls"`
	DeniedCalls    []string `yaml:"denied_calls"`
	DeniedModules  []string `yaml:"denied_modules"`
	MaxDepth       int      `yaml:"max_depth"`
	MaxNodes       int      `yaml:"max_nodes"`
	MaxImports     int      `yaml:"max_imports"`
	MaxContentSize int      `yaml:"max_content_size"`
}

// LevelCeiling is the hard resource ceiling for one isolation level.
// Request budgets are clamped against it by the limiter.
type LevelCeiling struct {
	MaxMemoryMB  int           `yaml:"max_memory_mb"`
	MaxCPUMillis int           `yaml:"max_cpu_millicores"`
	MaxProcesses int           `yaml:"max_processes"`
	MaxWallTime  time.Duration `yaml:"max_wall_time"`
}

// NetworkConfig is the outbound network policy. Default is deny-all:
// only AllowHosts entries are permitted, and DenyCIDRs always win.
type NetworkConfig struct {
	AllowHosts     []string `yaml:"allow_hosts"`
	DenyCIDRs      []string `yaml:"deny_cidrs"`
	DenialFlagging int      `yaml:"denial_flagging"` // denied attempts before NetworkViolation
}

// PoolConfig sizes one isolation level's sandbox pool.
type PoolConfig struct {
	Target       int           `yaml:"target"`
	Max          int           `yaml:"max"`
	IdleShrink   time.Duration `yaml:"idle_shrink"`
	LeaseGrace   time.Duration `yaml:"lease_grace"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AuditConfig configures the audit log writer.
type AuditConfig struct {
	Path          string        `yaml:"path"`
	IndexPath     string        `yaml:"index_path"`
	Retention     time.Duration `yaml:"retention"`
	RotateBytes   int64         `yaml:"rotate_bytes"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	AlertAfter    int           `yaml:"alert_after"` // consecutive flush failures before alerting
}

// BackendsConfig locates the isolation technologies on the host.
// Empty paths fall back to $PATH lookup; a backend whose binary or
// assets are missing fails its health check and feeds the ladder.
type BackendsConfig struct {
	BwrapPath       string `yaml:"bwrap_path"`
	Runtime         string `yaml:"runtime"` // podman or docker
	Image           string `yaml:"image"`
	RunscPath       string `yaml:"runsc_path"`
	FirecrackerPath string `yaml:"firecracker_path"`
	KernelPath      string `yaml:"kernel_path"`
	RootfsPath      string `yaml:"rootfs_path"`
	WorkRoot        string `yaml:"work_root"`
}

// Config is the versioned policy document. It is loaded once into an
// immutable Snapshot; reloads build a new Config and swap atomically.
type Config struct {
	Version      string                              `yaml:"version"`
	Capabilities map[model.ContentType]CapabilitySet `yaml:"capabilities"`
	Ceilings     map[model.IsolationLevel]LevelCeiling `yaml:"ceilings"`
	Network      NetworkConfig                       `yaml:"network"`
	Backends     BackendsConfig                      `yaml:"backends"`
	Pools        map[model.IsolationLevel]PoolConfig `yaml:"pools"`
	Alerts       []alert.Config                      `yaml:"alerts"`
	Audit        AuditConfig                         `yaml:"audit"`

	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DegradeAfter    int           `yaml:"degrade_after"` // consecutive creation failures per backend
	RiskApprovalMax int           `yaml:"risk_approval_max"`
}

// DefaultConfig returns the built-in policy document.
func DefaultConfig() *Config {
	return &Config{
		Version: "v1",
		Capabilities: map[model.ContentType]CapabilitySet{
			model.ContentCode: {
				AllowedCalls: defaultAllowedCalls(),
				DeniedCalls: []string{
					"eval", "exec", "compile", "__import__", "getattr", "setattr",
					"open", "input", "breakpoint", "globals", "locals", "vars",
					"pickle.loads", "pickle.load", "marshal.loads",
					"os.system", "os.popen", "os.exec", "os.spawn", "os.fork",
					"subprocess.run", "subprocess.call", "subprocess.Popen",
					"socket.socket", "socket.create_connection",
				},
				DeniedModules: []string{
					"os", "sys", "subprocess", "socket", "shutil", "pathlib",
					"ctypes", "multiprocessing", "threading", "signal",
					"pickle", "marshal", "shelve", "importlib",
				},
				MaxDepth:       24,
				MaxNodes:       2000,
				MaxImports:     8,
				MaxContentSize: 64 * 1024,
			},
			model.ContentExpression: {
				AllowedCalls:   defaultAllowedCalls(),
				DeniedCalls:    []string{"eval", "exec", "compile", "__import__", "open"},
				DeniedModules:  []string{"os", "sys", "subprocess", "socket", "pickle"},
				MaxDepth:       16,
				MaxNodes:       500,
				MaxImports:     0,
				MaxContentSize: 8 * 1024,
			},
			model.ContentPrompt: {
				MaxContentSize: 128 * 1024,
			},
			model.ContentConfig: {
				MaxContentSize: 256 * 1024,
			},
		},
		Ceilings: map[model.IsolationLevel]LevelCeiling{
			model.LevelMicroVM:          {MaxMemoryMB: 1024, MaxCPUMillis: 2000, MaxProcesses: 64, MaxWallTime: 60 * time.Second},
			model.LevelUserspaceKernel:  {MaxMemoryMB: 512, MaxCPUMillis: 1000, MaxProcesses: 32, MaxWallTime: 30 * time.Second},
			model.LevelContainer:        {MaxMemoryMB: 512, MaxCPUMillis: 1000, MaxProcesses: 32, MaxWallTime: 30 * time.Second},
			model.LevelNamespaceSandbox: {MaxMemoryMB: 256, MaxCPUMillis: 500, MaxProcesses: 16, MaxWallTime: 15 * time.Second},
			model.LevelNoneASTOnly:      {MaxWallTime: time.Second},
		},
		Network: NetworkConfig{
			AllowHosts: []string{},
			DenyCIDRs: []string{
				"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
				"127.0.0.0/8", "169.254.0.0/16", "fd00::/8", "fe80::/10",
			},
			DenialFlagging: 3,
		},
		Pools: map[model.IsolationLevel]PoolConfig{
			model.LevelMicroVM:          {Target: 2, Max: 4, IdleShrink: 5 * time.Minute, LeaseGrace: 5 * time.Second, ResetTimeout: 10 * time.Second},
			model.LevelUserspaceKernel:  {Target: 2, Max: 8, IdleShrink: 5 * time.Minute, LeaseGrace: 5 * time.Second, ResetTimeout: 5 * time.Second},
			model.LevelContainer:        {Target: 4, Max: 16, IdleShrink: 5 * time.Minute, LeaseGrace: 5 * time.Second, ResetTimeout: 5 * time.Second},
			model.LevelNamespaceSandbox: {Target: 8, Max: 32, IdleShrink: 5 * time.Minute, LeaseGrace: 2 * time.Second, ResetTimeout: 2 * time.Second},
		},
		Backends: BackendsConfig{
			Runtime: "podman",
			Image:   "docker.io/library/alpine:3.20",
		},
		Audit: AuditConfig{
			Retention:     30 * 24 * time.Hour,
			RotateBytes:   64 * 1024 * 1024,
			BufferSize:    1024,
			FlushInterval: 200 * time.Millisecond,
			AlertAfter:    10,
		},
		DefaultTimeout:  10 * time.Second,
		DegradeAfter:    10,
		RiskApprovalMax: 50,
	}
}

// defaultAllowedCalls is the closed numeric/statistical whitelist shared
// by code and expression content. The expression operator registry
// extends it via the policy document at reload time.
func defaultAllowedCalls() []string {
	return []string{
		"abs", "min", "max", "sum", "len", "round", "sorted", "range",
		"float", "int", "bool", "str", "zip", "enumerate", "all", "any",
		"mean", "median", "std", "var", "rank", "delay", "delta",
		"corr", "cov", "ts_min", "ts_max", "ts_sum", "ts_mean", "ts_std",
		"log", "sign", "sqrt", "pow", "exp", "clip", "scale", "decay_linear",
	}
}

// Load reads a policy document from a YAML file. Missing file returns
// defaults. Invalid YAML or an inconsistent document returns an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads a policy document and returns the SHA-256 of the
// raw bytes on disk, recorded later in every audit entry. Defaults hash
// to the SHA-256 of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		cfg := DefaultConfig()
		if err := cfg.Check(); err != nil {
			return nil, "", err
		}
		h := sha256.Sum256(nil)
		return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			h := sha256.Sum256(nil)
			return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("read policy document: %w", err)
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	// The document overlays the defaults field by field. Unmarshalling
	// onto a populated map replaces present struct values wholesale,
	// zeroing every unmentioned field, so the document lands in a zero
	// Config and is merged explicitly.
	var doc Config
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("parse policy document: %w", err)
	}
	cfg := DefaultConfig()
	cfg.overlay(&doc)
	if err := cfg.Check(); err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

// overlay merges a loaded document onto the built-in defaults. Allow
// and deny sets extend the defaults, numeric limits replace them when
// set, and deny CIDRs only grow: a document cannot silently drop a
// default blacklist entry or reopen a denied range.
func (c *Config) overlay(doc *Config) {
	if doc.Version != "" {
		c.Version = doc.Version
	}
	for ct, caps := range doc.Capabilities {
		base := c.Capabilities[ct]
		base.AllowedCalls = unionStrings(base.AllowedCalls, caps.AllowedCalls)
		base.DeniedCalls = unionStrings(base.DeniedCalls, caps.DeniedCalls)
		base.DeniedModules = unionStrings(base.DeniedModules, caps.DeniedModules)
		if caps.MaxDepth > 0 {
			base.MaxDepth = caps.MaxDepth
		}
		if caps.MaxNodes > 0 {
			base.MaxNodes = caps.MaxNodes
		}
		if caps.MaxImports > 0 {
			base.MaxImports = caps.MaxImports
		}
		if caps.MaxContentSize > 0 {
			base.MaxContentSize = caps.MaxContentSize
		}
		c.Capabilities[ct] = base
	}
	for lvl, ceil := range doc.Ceilings {
		base := c.Ceilings[lvl]
		if ceil.MaxMemoryMB > 0 {
			base.MaxMemoryMB = ceil.MaxMemoryMB
		}
		if ceil.MaxCPUMillis > 0 {
			base.MaxCPUMillis = ceil.MaxCPUMillis
		}
		if ceil.MaxProcesses > 0 {
			base.MaxProcesses = ceil.MaxProcesses
		}
		if ceil.MaxWallTime > 0 {
			base.MaxWallTime = ceil.MaxWallTime
		}
		c.Ceilings[lvl] = base
	}

	if len(doc.Network.AllowHosts) > 0 {
		c.Network.AllowHosts = doc.Network.AllowHosts
	}
	c.Network.DenyCIDRs = unionStrings(c.Network.DenyCIDRs, doc.Network.DenyCIDRs)
	if doc.Network.DenialFlagging > 0 {
		c.Network.DenialFlagging = doc.Network.DenialFlagging
	}

	overlayString(&c.Backends.BwrapPath, doc.Backends.BwrapPath)
	overlayString(&c.Backends.Runtime, doc.Backends.Runtime)
	overlayString(&c.Backends.Image, doc.Backends.Image)
	overlayString(&c.Backends.RunscPath, doc.Backends.RunscPath)
	overlayString(&c.Backends.FirecrackerPath, doc.Backends.FirecrackerPath)
	overlayString(&c.Backends.KernelPath, doc.Backends.KernelPath)
	overlayString(&c.Backends.RootfsPath, doc.Backends.RootfsPath)
	overlayString(&c.Backends.WorkRoot, doc.Backends.WorkRoot)

	for lvl, pc := range doc.Pools {
		base := c.Pools[lvl]
		if pc.Target > 0 {
			base.Target = pc.Target
		}
		if pc.Max > 0 {
			base.Max = pc.Max
		}
		if pc.IdleShrink > 0 {
			base.IdleShrink = pc.IdleShrink
		}
		if pc.LeaseGrace > 0 {
			base.LeaseGrace = pc.LeaseGrace
		}
		if pc.ResetTimeout > 0 {
			base.ResetTimeout = pc.ResetTimeout
		}
		c.Pools[lvl] = base
	}

	if len(doc.Alerts) > 0 {
		c.Alerts = doc.Alerts
	}

	overlayString(&c.Audit.Path, doc.Audit.Path)
	overlayString(&c.Audit.IndexPath, doc.Audit.IndexPath)
	if doc.Audit.Retention > 0 {
		c.Audit.Retention = doc.Audit.Retention
	}
	if doc.Audit.RotateBytes > 0 {
		c.Audit.RotateBytes = doc.Audit.RotateBytes
	}
	if doc.Audit.BufferSize > 0 {
		c.Audit.BufferSize = doc.Audit.BufferSize
	}
	if doc.Audit.FlushInterval > 0 {
		c.Audit.FlushInterval = doc.Audit.FlushInterval
	}
	if doc.Audit.AlertAfter > 0 {
		c.Audit.AlertAfter = doc.Audit.AlertAfter
	}

	if doc.DefaultTimeout > 0 {
		c.DefaultTimeout = doc.DefaultTimeout
	}
	if doc.DegradeAfter > 0 {
		c.DegradeAfter = doc.DegradeAfter
	}
	if doc.RiskApprovalMax > 0 {
		c.RiskApprovalMax = doc.RiskApprovalMax
	}
}

func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func unionStrings(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			base = append(base, s)
		}
	}
	return base
}

// Check validates internal consistency of the document. An identifier
// present in both the allow and deny set of any content type is a
// startup error, never a request-time surprise.
func (c *Config) Check() error {
	for ct, caps := range c.Capabilities {
		denied := make(map[string]bool, len(caps.DeniedCalls))
		for _, d := range caps.DeniedCalls {
			denied[d] = true
		}
		for _, a := range caps.AllowedCalls {
			if denied[a] {
				return fmt.Errorf("policy: %q is both allowed and denied for content type %q", a, ct)
			}
		}
	}
	for lvl := range c.Ceilings {
		if !lvl.Valid() {
			return fmt.Errorf("policy: unknown isolation level %q in ceilings", lvl)
		}
	}
	for lvl := range c.Pools {
		if !lvl.Valid() {
			return fmt.Errorf("policy: unknown isolation level %q in pools", lvl)
		}
	}
	if c.DegradeAfter <= 0 {
		return fmt.Errorf("policy: degrade_after must be positive")
	}
	return nil
}
