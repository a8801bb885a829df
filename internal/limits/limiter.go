// Package limits translates a request's logical resource budget into
// backend enforcement directives and classifies breaches precisely:
// a timeout, a memory breach, and a process-count breach map to
// different caller-facing remediation, so they are never conflated.
package limits

import (
	"context"
	"errors"
	"time"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
)

// Spec is the enforcement directive handed to a sandbox backend.
// All fields are resolved (no zeros meaning "default").
type Spec struct {
	MemoryMB  int
	CPUMillis int
	Processes int
	WallTime  time.Duration
}

// Resolve clamps a request budget against an isolation level's hard
// ceiling. Zero budget fields inherit the ceiling; positive fields are
// capped at it, never extended past it.
func Resolve(budget model.ResourceBudget, ceiling policy.LevelCeiling) Spec {
	return Spec{
		MemoryMB:  clamp(budget.MaxMemoryMB, ceiling.MaxMemoryMB),
		CPUMillis: clamp(budget.MaxCPUMillis, ceiling.MaxCPUMillis),
		Processes: clamp(budget.MaxProcesses, ceiling.MaxProcesses),
		WallTime:  clampDur(budget.MaxWallTime, ceiling.MaxWallTime),
	}
}

func clamp(want, max int) int {
	if max <= 0 {
		return want
	}
	if want <= 0 || want > max {
		return max
	}
	return want
}

func clampDur(want, max time.Duration) time.Duration {
	if max <= 0 {
		return want
	}
	if want <= 0 || want > max {
		return max
	}
	return want
}

// Breach describes one observed resource breach.
type Breach struct {
	Class  model.ExitClass
	Detail string
}

// Observation is what a backend saw when the sandboxed process tree
// ended: the context state, the exit error, and enforcement counters
// read back from the limiter (OOM kills, pid ceiling hits).
type Observation struct {
	CtxErr     error
	OOMKills   int
	PidsDenied int
	ExitErr    error
}

// Classify maps an observation to the precise exit class. Breach
// classes take priority over the generic failure class; timeout wins
// over everything because the deadline forced the teardown.
func Classify(obs Observation) model.ExitClass {
	if errors.Is(obs.CtxErr, context.DeadlineExceeded) {
		return model.ExitTimeout
	}
	if obs.OOMKills > 0 {
		return model.ExitMemory
	}
	if obs.PidsDenied > 0 {
		return model.ExitProcessLimit
	}
	if obs.ExitErr != nil {
		return model.ExitError
	}
	return model.ExitOK
}

// ErrorCode maps a breach exit class to the gateway error taxonomy.
func ErrorCode(class model.ExitClass) (model.ErrorCode, bool) {
	switch class {
	case model.ExitTimeout:
		return model.ErrTimeoutExceeded, true
	case model.ExitMemory:
		return model.ErrMemoryExceeded, true
	case model.ExitProcessLimit:
		return model.ErrProcessLimitExceeded, true
	case model.ExitNetworkDenied:
		return model.ErrNetworkViolation, true
	case model.ExitError:
		return model.ErrExecutionFailed, true
	}
	return "", false
}
