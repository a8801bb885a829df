package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantgate/quantgate/internal/model"
)

type stubBackend struct {
	level   model.IsolationLevel
	healthy bool
}

func (s *stubBackend) Name() string                { return "stub-" + string(s.level) }
func (s *stubBackend) Level() model.IsolationLevel { return s.level }

func (s *stubBackend) Create(_ context.Context) (*Env, error) {
	return &Env{ID: "stub-env", Workdir: ""}, nil
}

func (s *stubBackend) Execute(_ context.Context, _ *Env, _ ExecRequest) (model.ExecutionResult, error) {
	return model.ExecutionResult{Success: true, Class: model.ExitOK, Level: s.level}, nil
}

func (s *stubBackend) Reset(_ *Env) error { return nil }
func (s *stubBackend) Destroy(_ *Env)     {}

func (s *stubBackend) HealthCheck(_ context.Context) HealthResult {
	return HealthResult{Healthy: s.healthy}
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry(
		&stubBackend{level: model.LevelContainer, healthy: true},
		NewASTOnly(),
	)

	b, err := reg.Get(model.LevelContainer)
	if err != nil {
		t.Fatalf("Get(container): %v", err)
	}
	if b.Level() != model.LevelContainer {
		t.Errorf("level = %s", b.Level())
	}

	if _, err := reg.Get(model.LevelMicroVM); err == nil {
		t.Error("expected error for unregistered level")
	}
}

func TestRegistryLevelsOrdered(t *testing.T) {
	reg := NewRegistry(
		NewASTOnly(),
		&stubBackend{level: model.LevelContainer},
		&stubBackend{level: model.LevelMicroVM},
	)
	got := reg.Levels()
	want := []model.IsolationLevel{model.LevelMicroVM, model.LevelContainer, model.LevelNoneASTOnly}
	if len(got) != len(want) {
		t.Fatalf("Levels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Levels[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestASTOnlyNeverExecutes(t *testing.T) {
	b := NewASTOnly()
	env, err := b.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := b.Execute(context.Background(), env, ExecRequest{Content: "mean(close)"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("ast-only backend reported execution success")
	}
	if res.Class != model.ExitNotExecuted {
		t.Errorf("class = %s, want %s", res.Class, model.ExitNotExecuted)
	}
	if res.Output != "" {
		t.Errorf("unexpected output %q", res.Output)
	}
	if hr := b.HealthCheck(context.Background()); !hr.Healthy {
		t.Error("ast-only backend must always be healthy")
	}
}

func TestInstanceLifecycle(t *testing.T) {
	in := NewInstance(&stubBackend{level: model.LevelContainer}, &Env{ID: "e"})
	if in.State() != StateIdle {
		t.Fatalf("initial state = %s", in.State())
	}

	if err := in.Lease("req-1"); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if in.Owner() != "req-1" {
		t.Errorf("owner = %q", in.Owner())
	}
	if err := in.Transition(StateExecuting); err != nil {
		t.Fatalf("to executing: %v", err)
	}
	if err := in.Transition(StateCleaning); err != nil {
		t.Fatalf("to cleaning: %v", err)
	}
	if err := in.Transition(StateIdle); err != nil {
		t.Fatalf("back to idle: %v", err)
	}
	if in.Owner() != "" {
		t.Errorf("owner not cleared after release: %q", in.Owner())
	}
}

func TestInstanceInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"idle to executing", StateIdle, StateExecuting},
		{"idle to cleaning", StateIdle, StateCleaning},
		{"leased to idle", StateLeased, StateIdle},
		{"executing to leased", StateExecuting, StateLeased},
		{"destroyed to idle", StateDestroyed, StateIdle},
		{"destroyed to leased", StateDestroyed, StateLeased},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := NewInstance(&stubBackend{level: model.LevelContainer}, &Env{})
			in.state = tt.from
			if err := in.Transition(tt.to); err == nil {
				t.Errorf("transition %s to %s accepted", tt.from, tt.to)
			}
		})
	}
}

func TestInstanceDestroyFromAnyState(t *testing.T) {
	for _, from := range []State{StateIdle, StateLeased, StateExecuting, StateCleaning} {
		in := NewInstance(&stubBackend{level: model.LevelContainer}, &Env{})
		in.state = from
		if err := in.Transition(StateDestroyed); err != nil {
			t.Errorf("destroy from %s: %v", from, err)
		}
	}
}

func TestInstanceLeakStale(t *testing.T) {
	in := NewInstance(&stubBackend{level: model.LevelContainer}, &Env{})
	if err := in.Lease("req-1"); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	now := time.Now()
	if in.LeakStale(time.Minute, now) {
		t.Error("fresh lease flagged as leak")
	}
	if !in.LeakStale(time.Minute, now.Add(2*time.Minute)) {
		t.Error("expired lease not flagged as leak")
	}
	if in.LeakStale(0, now.Add(time.Hour)) {
		t.Error("zero grace must disable leak detection")
	}

	if err := in.Transition(StateExecuting); err != nil {
		t.Fatalf("to executing: %v", err)
	}
	if in.LeakStale(time.Minute, now.Add(2*time.Minute)) {
		t.Error("executing instance flagged as leak")
	}
}

func TestEnvLifecycle(t *testing.T) {
	env, err := newEnv(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("newEnv: %v", err)
	}
	if err := os.WriteFile(filepath.Join(env.Workdir, "scratch"), []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := resetEnv(env); err != nil {
		t.Fatalf("resetEnv: %v", err)
	}
	entries, err := os.ReadDir(env.Workdir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("workdir not empty after reset: %d entries", len(entries))
	}
	destroyEnv(env)
	if _, err := os.Stat(env.Workdir); err == nil {
		t.Error("workdir still exists after destroy")
	}
}
