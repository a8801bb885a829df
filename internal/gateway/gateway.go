// Package gateway is the mandatory choke point between research
// components and execution. Nothing runs without passing validation
// here first, and every decision leaves exactly one audit entry.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantgate/quantgate/internal/audit"
	"github.com/quantgate/quantgate/internal/events"
	"github.com/quantgate/quantgate/internal/limits"
	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/netguard"
	"github.com/quantgate/quantgate/internal/policy"
	"github.com/quantgate/quantgate/internal/pool"
	"github.com/quantgate/quantgate/internal/sandbox"
	"github.com/quantgate/quantgate/internal/validate"
)

// Gateway validates content against the active policy and, when
// approved, executes it in the strongest available sandbox.
type Gateway struct {
	store     *policy.Store
	validator *validate.Validator
	pools     *pool.Manager
	registry  *sandbox.Registry
	ladder    *Ladder
	guard     *netguard.Guard
	auditor   *audit.Writer
	bus       *events.Bus
	log       *slog.Logger
}

// Deps bundles the collaborators a Gateway needs.
type Deps struct {
	Store     *policy.Store
	Validator *validate.Validator
	Pools     *pool.Manager
	Registry  *sandbox.Registry
	Ladder    *Ladder
	Guard     *netguard.Guard
	Auditor   *audit.Writer
	Bus       *events.Bus
	Log       *slog.Logger
}

// New assembles a Gateway.
func New(d Deps) *Gateway {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		store:     d.Store,
		validator: d.Validator,
		pools:     d.Pools,
		registry:  d.Registry,
		ladder:    d.Ladder,
		guard:     d.Guard,
		auditor:   d.Auditor,
		bus:       d.Bus,
		log:       log.With("component", "gateway"),
	}
}

// Outcome is the result of one gateway request. Execution is nil when
// the request stopped at validation.
type Outcome struct {
	Validation model.ValidationResult `json:"validation"`
	Execution  *model.ExecutionResult `json:"execution,omitempty"`
	Level      model.IsolationLevel   `json:"isolation_level,omitempty"`
	Degraded   bool                   `json:"degraded,omitempty"`
}

// Validate checks content without executing it. One audit entry is
// written for the decision.
func (g *Gateway) Validate(sec model.SecurityContext, content string, ct model.ContentType) (model.ValidationResult, error) {
	res, err := g.check(sec, content, ct)
	g.record(sec, content, ct, res, nil, "")
	return res, err
}

// check runs validation plus the risk gate and publishes the
// validation events. It does not audit; callers own the single entry.
func (g *Gateway) check(sec model.SecurityContext, content string, ct model.ContentType) (model.ValidationResult, error) {
	g.publish(events.Event{Type: events.ValidationRequested, RequestID: sec.RequestID, Component: sec.Component})

	res, err := g.validator.Validate(content, ct)
	if err != nil {
		return res, err
	}

	maxRisk := g.store.Current().Config.RiskApprovalMax
	if res.Approved && maxRisk > 0 && res.RiskScore > maxRisk {
		res.Approved = false
		res.Violations = append(res.Violations, model.Violation{
			Kind:   model.ViolationRisk,
			Detail: "risk score exceeds approval threshold",
		})
	}

	g.publish(events.Event{
		Type:      events.ValidationCompleted,
		RequestID: sec.RequestID,
		Component: sec.Component,
		Fields:    map[string]any{"approved": res.Approved, "risk_score": res.RiskScore, "content_type": string(ct)},
	})
	if !res.Approved {
		g.publish(events.Event{
			Type:      events.SecurityViolationDetected,
			RequestID: sec.RequestID,
			Component: sec.Component,
			Detail:    violationSummary(res.Violations),
			Fields:    map[string]any{"risk_score": res.RiskScore},
		})
	}
	return res, nil
}

// Execute runs the full pipeline: validate, then execute in the
// strongest available sandbox at or below the requested level. Content
// that fails validation never reaches a sandbox. Exactly one audit
// entry is written per call.
func (g *Gateway) Execute(ctx context.Context, sec model.SecurityContext, content string, ct model.ContentType, inputs map[string][]float64) (Outcome, error) {
	res, err := g.check(sec, content, ct)
	if err != nil {
		g.record(sec, content, ct, res, nil, "")
		return Outcome{Validation: res}, err
	}
	if !res.Approved {
		g.record(sec, content, ct, res, nil, "")
		return Outcome{Validation: res}, model.NewError(rejectionCode(res.Violations), "%s", violationSummary(res.Violations))
	}

	exec, level, degraded, err := g.execute(ctx, sec, content, ct, inputs)
	out := Outcome{Validation: res, Level: level, Degraded: degraded}
	if exec != nil {
		out.Execution = exec
	}
	g.record(sec, content, ct, res, exec, string(level))
	return out, err
}

// execute walks the ladder downward from the requested level until a
// sandbox is acquired or the ast-only floor is reached.
func (g *Gateway) execute(ctx context.Context, sec model.SecurityContext, content string, ct model.ContentType, inputs map[string][]float64) (*model.ExecutionResult, model.IsolationLevel, bool, error) {
	requested := sec.Level
	level, degraded := g.ladder.Effective(requested)

	timeout := sec.Timeout
	if timeout <= 0 {
		timeout = g.store.Current().Config.DefaultTimeout
	}
	// One deadline governs the whole request: pool acquisition and
	// sandbox execution spend from the same clock.
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		if level == model.LevelNoneASTOnly {
			result := g.astOnlyResult(ctx, content, ct)
			return &result, level, level != requested, nil
		}

		p, ok := g.pools.Pool(level)
		if !ok {
			// level present in the ladder but not provisioned
			next, found := level.Weaker()
			if !found {
				break
			}
			level, degraded = next, true
			continue
		}

		lease, err := p.Acquire(ctx, sec.RequestID)
		if err != nil {
			switch model.CodeOf(err) {
			case model.ErrPoolExhausted:
				return nil, level, degraded, err
			case model.ErrSandboxCreationFailed:
				g.ladder.RecordFailure(level)
				next, found := level.Weaker()
				if !found {
					return nil, level, degraded, err
				}
				g.log.Warn("sandbox creation failed, degrading", "from", string(level), "to", string(next), "request_id", sec.RequestID)
				level, degraded = next, true
				continue
			default:
				return nil, level, degraded, err
			}
		}

		g.ladder.RecordSuccess(level)
		result, err := g.runLeased(ctx, lease, sec, content, ct, inputs)
		return &result, level, level != requested || degraded, err
	}
	return nil, level, degraded, model.NewError(model.ErrSandboxCreationFailed, "no isolation level available for request %s", sec.RequestID)
}

// runLeased executes within an acquired lease. The instance returns to
// its pool only when the run stayed inside its limits; a breached run
// gets its instance destroyed, never recycled.
func (g *Gateway) runLeased(ctx context.Context, lease *pool.Lease, sec model.SecurityContext, content string, ct model.ContentType, inputs map[string][]float64) (model.ExecutionResult, error) {
	if err := lease.MarkExecuting(); err != nil {
		lease.Discard()
		return model.ExecutionResult{}, model.NewError(model.ErrExecutionFailed, "instance transition: %v", err)
	}

	if ctx.Err() != nil {
		lease.Discard()
		return model.ExecutionResult{}, model.NewError(model.ErrTimeoutExceeded, "request context done before execution: %v", ctx.Err())
	}

	level := lease.Instance.Level()
	ceiling := g.store.Current().Ceiling(level)
	spec := limits.Resolve(sec.Budget, ceiling)
	if dl, ok := ctx.Deadline(); ok {
		remain := time.Until(dl)
		if remain <= 0 {
			lease.Discard()
			return model.ExecutionResult{}, model.NewError(model.ErrTimeoutExceeded, "request deadline exhausted before execution")
		}
		// Clamp to what is left of the request deadline, never extend.
		if spec.WallTime <= 0 || remain < spec.WallTime {
			spec.WallTime = remain
		}
	}

	var sess *netguard.Session
	if g.guard != nil {
		sess = g.guard.Session()
	}

	result, err := lease.Instance.Backend.Execute(ctx, lease.Instance.Env, sandbox.ExecRequest{
		Content: content,
		Type:    ct,
		Inputs:  inputs,
		Spec:    spec,
		Guard:   sess,
	})
	if err != nil {
		lease.Discard()
		return result, model.WrapError(model.ErrExecutionFailed, err)
	}

	if sess != nil {
		if v, flagged := sess.Violation(); flagged && result.Class == model.ExitOK {
			result.Success = false
			result.Class = model.ExitNetworkDenied
			result.FailureCause = v.Detail
		}
	}

	if breached(result.Class) {
		lease.Discard()
	} else {
		lease.Release()
	}

	if code, ok := limits.ErrorCode(result.Class); ok {
		return result, model.NewError(code, "%s", result.FailureCause)
	}
	return result, nil
}

// breached reports exit classes after which the instance must be
// destroyed rather than reset: the environment may hold state a reset
// cannot guarantee to clear.
func breached(class model.ExitClass) bool {
	switch class {
	case model.ExitTimeout, model.ExitMemory, model.ExitProcessLimit, model.ExitNetworkDenied:
		return true
	}
	return false
}

// astOnlyResult serves the ladder floor: validation already passed, so
// the request is acknowledged without execution.
func (g *Gateway) astOnlyResult(ctx context.Context, content string, ct model.ContentType) model.ExecutionResult {
	backend, err := g.registry.Get(model.LevelNoneASTOnly)
	if err != nil {
		return model.ExecutionResult{
			Class:        model.ExitNotExecuted,
			Level:        model.LevelNoneASTOnly,
			FailureCause: "ast-only backend unavailable",
		}
	}
	result, _ := backend.Execute(ctx, nil, sandbox.ExecRequest{Content: content, Type: ct})
	return result
}

// record writes the single audit entry for a request.
func (g *Gateway) record(sec model.SecurityContext, content string, ct model.ContentType, res model.ValidationResult, exec *model.ExecutionResult, level string) {
	if g.auditor == nil {
		return
	}
	entry := audit.Entry{
		RequestID:   sec.RequestID,
		Component:   sec.Component,
		SessionID:   sec.SessionID,
		EventType:   string(events.ValidationCompleted),
		ContentType: string(ct),
		ContentHash: audit.HashContent(content),
		Level:       level,
		RiskScore:   res.RiskScore,
		PolicyHash:  g.store.Current().Hash,
	}
	for _, v := range res.Violations {
		entry.Violations = append(entry.Violations, v.String())
	}
	switch {
	case !res.Approved:
		entry.Decision = audit.DecisionRejected
		entry.Reason = violationSummary(res.Violations)
	case exec == nil:
		entry.Decision = audit.DecisionApproved
	case exec.Success:
		entry.Decision = audit.DecisionExecuted
		entry.ExitClass = string(exec.Class)
		entry.WallTimeMS = exec.WallTime.Milliseconds()
	default:
		entry.Decision = audit.DecisionFailed
		entry.ExitClass = string(exec.Class)
		entry.Reason = exec.FailureCause
		entry.WallTimeMS = exec.WallTime.Milliseconds()
	}
	if exec != nil {
		entry.EventType = "execution_completed"
	}
	if err := g.auditor.Submit(entry); err != nil {
		g.log.Error("audit submission failed", "error", err, "request_id", sec.RequestID)
	}
}

// Ladder exposes the degradation ladder for operator surfaces.
func (g *Gateway) Ladder() *Ladder { return g.ladder }

// PoolStats reports pool occupancy for operator surfaces.
func (g *Gateway) PoolStats() []pool.Stats { return g.pools.Stats() }

func (g *Gateway) publish(ev events.Event) {
	if g.bus != nil {
		g.bus.Publish(ev)
	}
}

// rejectionCode distinguishes explicit blacklist hits from other
// validation failures.
func rejectionCode(violations []model.Violation) model.ErrorCode {
	for _, v := range violations {
		if v.Kind == model.ViolationDeniedCall || v.Kind == model.ViolationDeniedModule {
			return model.ErrBlacklistDetected
		}
	}
	return model.ErrValidationFailed
}

func violationSummary(violations []model.Violation) string {
	if len(violations) == 0 {
		return ""
	}
	return violations[0].String()
}
