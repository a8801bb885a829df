// Package validate implements the AST capability validator: the pure,
// synchronous first stage of the gateway pipeline. Content is parsed
// into a Starlark syntax tree and every call-like and import-like node
// is classified against the active policy snapshot. All violations are
// recorded, not just the first.
package validate

import (
	"fmt"
	"strings"
	"time"

	"go.starlark.net/syntax"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
)

// fileOptions matches the dialect accepted by the execution runtime:
// set literals, while loops, and top-level control flow are allowed.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Validator checks untrusted content against capability policy. It is
// stateless apart from the snapshot store it reads; safe for
// concurrent use.
type Validator struct {
	store *policy.Store
}

// New creates a Validator reading policy from the given store.
func New(store *policy.Store) *Validator {
	return &Validator{store: store}
}

// Validate parses content for the given type and returns the single
// terminal ValidationResult. Unparsable content is a violation, not an
// error: the only error paths are programmer mistakes (unknown type).
func (v *Validator) Validate(content string, ct model.ContentType) (model.ValidationResult, error) {
	if !ct.Valid() {
		return model.ValidationResult{}, fmt.Errorf("validate: unknown content type %q", ct)
	}
	start := time.Now()
	snap := v.store.Current()
	caps := snap.Caps(ct)

	var violations []model.Violation
	soft := 0

	if caps.MaxContentSize > 0 && len(content) > caps.MaxContentSize {
		violations = append(violations, model.Violation{
			Kind:   model.ViolationSizeBound,
			Detail: fmt.Sprintf("content is %d bytes, limit %d", len(content), caps.MaxContentSize),
		})
	}

	switch ct {
	case model.ContentPrompt:
		violations = append(violations, scanPrompt(content)...)
	case model.ContentConfig:
		violations = append(violations, scanConfig(content)...)
	default:
		var treeViolations []model.Violation
		treeViolations, soft = v.checkTree(content, ct, snap)
		violations = append(violations, treeViolations...)
	}

	return model.ValidationResult{
		Approved:   len(violations) == 0,
		Violations: violations,
		RiskScore:  capRisk(scoreRisk(violations) + soft),
		Elapsed:    time.Since(start),
	}, nil
}

// ValidateTree runs capability checks on a pre-parsed syntax tree, the
// handoff path for expression content that already passed the external
// semantic/type validator. No type inference happens here.
func (v *Validator) ValidateTree(file *syntax.File, ct model.ContentType) model.ValidationResult {
	start := time.Now()
	snap := v.store.Current()
	w := newWalker(snap, ct, snap.Caps(ct))
	w.walkFile(file, nil)
	violations := w.finish()
	return model.ValidationResult{
		Approved:   len(violations) == 0,
		Violations: violations,
		RiskScore:  capRisk(scoreRisk(violations) + w.softRisk()),
		Elapsed:    time.Since(start),
	}
}

// checkTree parses and walks code or expression content. The second
// return is the soft risk contribution from allowed-but-notable
// structure: distinct imports and trees near their limits.
func (v *Validator) checkTree(content string, ct model.ContentType, snap *policy.Snapshot) ([]model.Violation, int) {
	// Python-style import statements are not part of the Starlark
	// grammar. They are extracted lexically first so a denied module
	// surfaces as a capability violation rather than a parse error.
	stripped, imports := extractImports(content)

	var violations []model.Violation
	caps := snap.Caps(ct)

	for _, imp := range imports {
		if ct == model.ContentExpression {
			violations = append(violations, model.Violation{
				Kind:   model.ViolationDeniedModule,
				Detail: fmt.Sprintf("expression content must not import (%s)", imp.module),
				Line:   imp.line,
			})
			continue
		}
		if snap.ModuleDenied(ct, rootNamespace(imp.module)) {
			violations = append(violations, model.Violation{
				Kind:   model.ViolationDeniedModule,
				Detail: fmt.Sprintf("import of denied module %q", imp.module),
				Line:   imp.line,
			})
		}
	}
	if caps.MaxImports >= 0 && len(distinctModules(imports)) > caps.MaxImports && ct == model.ContentCode {
		violations = append(violations, model.Violation{
			Kind:   model.ViolationImportBudget,
			Detail: fmt.Sprintf("%d distinct imported namespaces, limit %d", len(distinctModules(imports)), caps.MaxImports),
		})
	}

	soft := 5 * len(distinctModules(imports))

	file, err := fileOptions.Parse("content", stripped, 0)
	if err != nil {
		violations = append(violations, model.Violation{
			Kind:   model.ViolationParse,
			Detail: err.Error(),
		})
		return violations, soft
	}

	w := newWalker(snap, ct, caps)
	w.walkFile(file, imports)
	return append(violations, w.finish()...), soft + w.softRisk()
}

// rootNamespace returns the first dotted component of a module path.
func rootNamespace(module string) string {
	if i := strings.IndexByte(module, '.'); i >= 0 {
		return module[:i]
	}
	return module
}

func distinctModules(imports []importStmt) map[string]bool {
	m := make(map[string]bool, len(imports))
	for _, imp := range imports {
		m[rootNamespace(imp.module)] = true
	}
	return m
}

// riskWeights maps violation kinds to risk score contributions.
var riskWeights = map[model.ViolationKind]int{
	model.ViolationParse:         40,
	model.ViolationDeniedCall:    30,
	model.ViolationDeniedModule:  30,
	model.ViolationUnknownCall:   10,
	model.ViolationDepthExceeded: 10,
	model.ViolationNodeBudget:    10,
	model.ViolationImportBudget:  10,
	model.ViolationInjection:     25,
	model.ViolationSizeBound:     5,
	model.ViolationNetwork:       30,
}

// scoreRisk sums violation weights.
func scoreRisk(violations []model.Violation) int {
	score := 0
	for _, v := range violations {
		score += riskWeights[v.Kind]
	}
	return score
}

func capRisk(score int) int {
	if score > 100 {
		return 100
	}
	return score
}
