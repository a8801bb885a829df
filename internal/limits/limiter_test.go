package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
)

func TestResolveClampsAgainstCeiling(t *testing.T) {
	ceiling := policy.LevelCeiling{
		MaxMemoryMB:  256,
		MaxCPUMillis: 500,
		MaxProcesses: 16,
		MaxWallTime:  15 * time.Second,
	}

	tests := []struct {
		name   string
		budget model.ResourceBudget
		want   Spec
	}{
		{
			name:   "zero budget inherits ceiling",
			budget: model.ResourceBudget{},
			want:   Spec{MemoryMB: 256, CPUMillis: 500, Processes: 16, WallTime: 15 * time.Second},
		},
		{
			name:   "within ceiling is kept",
			budget: model.ResourceBudget{MaxMemoryMB: 64, MaxCPUMillis: 100, MaxProcesses: 4, MaxWallTime: 2 * time.Second},
			want:   Spec{MemoryMB: 64, CPUMillis: 100, Processes: 4, WallTime: 2 * time.Second},
		},
		{
			name:   "over ceiling is capped",
			budget: model.ResourceBudget{MaxMemoryMB: 4096, MaxCPUMillis: 8000, MaxProcesses: 999, MaxWallTime: time.Hour},
			want:   Spec{MemoryMB: 256, CPUMillis: 500, Processes: 16, WallTime: 15 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.budget, ceiling); got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveNoCeiling(t *testing.T) {
	got := Resolve(model.ResourceBudget{MaxMemoryMB: 64}, policy.LevelCeiling{})
	if got.MemoryMB != 64 {
		t.Errorf("budget without ceiling should pass through, got %+v", got)
	}
}

func TestClassifyPrecedence(t *testing.T) {
	exitErr := errors.New("exit status 1")
	tests := []struct {
		name string
		obs  Observation
		want model.ExitClass
	}{
		{"clean", Observation{}, model.ExitOK},
		{"plain failure", Observation{ExitErr: exitErr}, model.ExitError},
		{"oom", Observation{OOMKills: 1, ExitErr: exitErr}, model.ExitMemory},
		{"pids", Observation{PidsDenied: 2, ExitErr: exitErr}, model.ExitProcessLimit},
		{"timeout wins over oom", Observation{CtxErr: context.DeadlineExceeded, OOMKills: 1}, model.ExitTimeout},
		{"oom wins over pids", Observation{OOMKills: 1, PidsDenied: 1}, model.ExitMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.obs); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCodeMapping(t *testing.T) {
	if code, ok := ErrorCode(model.ExitTimeout); !ok || code != model.ErrTimeoutExceeded {
		t.Errorf("timeout mapping wrong: %v %v", code, ok)
	}
	if code, ok := ErrorCode(model.ExitMemory); !ok || code != model.ErrMemoryExceeded {
		t.Errorf("memory mapping wrong: %v %v", code, ok)
	}
	if _, ok := ErrorCode(model.ExitOK); ok {
		t.Error("clean exit must not map to an error code")
	}
}
