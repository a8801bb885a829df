package model

import (
	"time"

	"github.com/google/uuid"
)

// ContentType classifies the untrusted artifact being validated.
type ContentType string

const (
	ContentCode       ContentType = "code"
	ContentPrompt     ContentType = "prompt"
	ContentConfig     ContentType = "config"
	ContentExpression ContentType = "expression"
)

// Valid reports whether ct is a known content type.
func (ct ContentType) Valid() bool {
	switch ct {
	case ContentCode, ContentPrompt, ContentConfig, ContentExpression:
		return true
	}
	return false
}

// IsolationLevel is the strength of the execution sandbox technology.
type IsolationLevel string

const (
	LevelMicroVM          IsolationLevel = "microvm"
	LevelUserspaceKernel  IsolationLevel = "userspace_kernel"
	LevelContainer        IsolationLevel = "container"
	LevelNamespaceSandbox IsolationLevel = "namespace_sandbox"
	LevelNoneASTOnly      IsolationLevel = "none_ast_only"
)

// LevelRank maps isolation levels to comparable integers.
// Higher rank = stronger isolation. The degradation ladder only ever
// moves toward lower ranks without an explicit reset.
var LevelRank = map[IsolationLevel]int{
	LevelMicroVM:          4,
	LevelUserspaceKernel:  3,
	LevelContainer:        2,
	LevelNamespaceSandbox: 1,
	LevelNoneASTOnly:      0,
}

// LadderOrder lists isolation levels strongest first.
var LadderOrder = []IsolationLevel{
	LevelMicroVM,
	LevelUserspaceKernel,
	LevelContainer,
	LevelNamespaceSandbox,
	LevelNoneASTOnly,
}

// Weaker returns the next weaker isolation level, or ("", false) when
// lvl is already the weakest rung.
func (lvl IsolationLevel) Weaker() (IsolationLevel, bool) {
	for i, l := range LadderOrder {
		if l == lvl && i+1 < len(LadderOrder) {
			return LadderOrder[i+1], true
		}
	}
	return "", false
}

// Valid reports whether lvl is a known isolation level.
func (lvl IsolationLevel) Valid() bool {
	_, ok := LevelRank[lvl]
	return ok
}

// ResourceBudget is the logical resource budget carried by a request.
// Zero fields mean "backend default"; the limiter clamps them against
// the per-level ceilings from policy.
type ResourceBudget struct {
	MaxMemoryMB  int           `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUMillis int           `json:"max_cpu_millicores" yaml:"max_cpu_millicores"`
	MaxProcesses int           `json:"max_processes" yaml:"max_processes"`
	MaxWallTime  time.Duration `json:"max_wall_time" yaml:"max_wall_time"`
}

// SecurityContext is the immutable per-request context. It is owned by
// the request that carries it and never mutated after creation.
type SecurityContext struct {
	RequestID string         `json:"request_id"`
	Component string         `json:"component"`
	SessionID string         `json:"session_id,omitempty"`
	Level     IsolationLevel `json:"isolation_level"`
	Budget    ResourceBudget `json:"budget"`
	Timeout   time.Duration  `json:"timeout"`
}

// NewSecurityContext creates a SecurityContext with a fresh request ID.
func NewSecurityContext(component string, level IsolationLevel, budget ResourceBudget, timeout time.Duration) SecurityContext {
	return SecurityContext{
		RequestID: uuid.NewString(),
		Component: component,
		Level:     level,
		Budget:    budget,
		Timeout:   timeout,
	}
}

// ValidationResult is the single terminal validation outcome of a request.
// Immutable once returned.
type ValidationResult struct {
	Approved   bool          `json:"approved"`
	Violations []Violation   `json:"violations,omitempty"`
	RiskScore  int           `json:"risk_score"`
	Elapsed    time.Duration `json:"elapsed"`
}

// ExitClass classifies how a sandboxed execution ended.
type ExitClass string

const (
	ExitOK            ExitClass = "ok"
	ExitError         ExitClass = "error"
	ExitTimeout       ExitClass = "timeout"
	ExitMemory        ExitClass = "memory_exceeded"
	ExitProcessLimit  ExitClass = "process_limit_exceeded"
	ExitNetworkDenied ExitClass = "network_denied"
	ExitNotExecuted   ExitClass = "not_executed"
)

// ExecutionResult is the outcome of one execution attempt.
type ExecutionResult struct {
	Success      bool           `json:"success"`
	Output       string         `json:"output,omitempty"`
	FailureCause string         `json:"failure_cause,omitempty"`
	Class        ExitClass      `json:"class"`
	Level        IsolationLevel `json:"isolation_level"`
	WallTime     time.Duration  `json:"wall_time"`
	PeakMemoryKB int64          `json:"peak_memory_kb,omitempty"`
}
