package validate

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/syntax"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
)

// importStmt is one lexically extracted import.
type importStmt struct {
	module string
	line   int
}

// importRe matches "import a.b" and "from a.b import c" statement heads.
var importRe = regexp.MustCompile(`^\s*(?:import|from)\s+([A-Za-z_][\w.]*)`)

// extractImports removes Python-style import statements from content
// and returns the stripped source plus the list of imported modules.
// Statements are split on newlines and top-level semicolons; removed
// statements become "pass" so positions of later lines are preserved.
func extractImports(content string) (string, []importStmt) {
	var imports []importStmt
	lines := strings.Split(content, "\n")
	for li, line := range lines {
		parts := strings.Split(line, ";")
		changed := false
		for pi, part := range parts {
			m := importRe.FindStringSubmatch(part)
			if m == nil {
				continue
			}
			imports = append(imports, importStmt{module: m[1], line: li + 1})
			indent := part[:len(part)-len(strings.TrimLeft(part, " \t"))]
			parts[pi] = indent + "pass"
			changed = true
		}
		if changed {
			lines[li] = strings.Join(parts, ";")
		}
	}
	if len(imports) == 0 {
		return content, nil
	}
	return strings.Join(lines, "\n"), imports
}

// walker accumulates violations over one syntax tree.
type walker struct {
	snap       *policy.Snapshot
	ct         model.ContentType
	caps       policy.CapabilitySet
	violations []model.Violation

	depth    int
	maxDepth int
	nodes    int
	locals   map[string]bool // names defined in the content itself
}

func newWalker(snap *policy.Snapshot, ct model.ContentType, caps policy.CapabilitySet) *walker {
	return &walker{snap: snap, ct: ct, caps: caps, locals: make(map[string]bool)}
}

// walkFile traverses the tree top-down, classifying every call-like
// and load-like node and tracking structural limits.
func (w *walker) walkFile(file *syntax.File, imports []importStmt) {
	// First pass: collect locally defined names so calls to them are
	// not flagged as unknown.
	for _, stmt := range file.Stmts {
		switch s := stmt.(type) {
		case *syntax.DefStmt:
			w.locals[s.Name.Name] = true
		case *syntax.AssignStmt:
			if id, ok := s.LHS.(*syntax.Ident); ok {
				w.locals[id.Name] = true
			}
		}
	}

	for _, stmt := range file.Stmts {
		syntax.Walk(stmt, w.visit)
	}
}

// visit is the syntax.Walk callback: called pre-order with each node,
// then with nil on exit.
func (w *walker) visit(n syntax.Node) bool {
	if n == nil {
		w.depth--
		return true
	}
	w.depth++
	if w.depth > w.maxDepth {
		w.maxDepth = w.depth
	}
	w.nodes++

	switch node := n.(type) {
	case *syntax.CallExpr:
		w.checkCall(node)
	case *syntax.LoadStmt:
		w.checkLoad(node)
	case *syntax.DefStmt:
		w.locals[node.Name.Name] = true
	case *syntax.LambdaExpr:
		// parameters become local names inside the lambda
		for _, p := range node.Params {
			if id, ok := p.(*syntax.Ident); ok {
				w.locals[id.Name] = true
			}
		}
	}
	return true
}

// checkCall classifies one call site against the capability sets.
func (w *walker) checkCall(call *syntax.CallExpr) {
	name, dotted := callName(call.Fn)
	if name == "" {
		// Call of a computed expression, e.g. (f or g)(). There is no
		// identifier to check; deny for strict expression content.
		if w.ct == model.ContentExpression {
			w.add(model.ViolationUnknownCall, call, "call of computed expression")
		}
		return
	}

	if w.snap.CallDenied(w.ct, dotted) || w.snap.CallDenied(w.ct, name) {
		w.add(model.ViolationDeniedCall, call, fmt.Sprintf("call to denied primitive %q", dotted))
		return
	}
	if base := rootNamespace(dotted); base != dotted && w.snap.ModuleDenied(w.ct, base) {
		w.add(model.ViolationDeniedCall, call, fmt.Sprintf("call into denied namespace %q", dotted))
		return
	}
	if w.snap.CallAllowed(w.ct, dotted) || w.snap.CallAllowed(w.ct, name) || w.locals[name] {
		return
	}

	// Expressions use a closed whitelist: anything off it is a
	// violation. Code tolerates unknown calls so long as nothing
	// denied is reachable.
	if w.ct == model.ContentExpression {
		w.add(model.ViolationUnknownCall, call, fmt.Sprintf("operator %q is not whitelisted", dotted))
	}
}

// checkLoad treats Starlark load statements as imports.
func (w *walker) checkLoad(load *syntax.LoadStmt) {
	module := strings.Trim(load.Module.Value.(string), `"`)
	if w.ct == model.ContentExpression {
		w.add(model.ViolationDeniedModule, load, fmt.Sprintf("expression content must not load (%s)", module))
		return
	}
	if w.snap.ModuleDenied(w.ct, rootNamespace(module)) {
		w.add(model.ViolationDeniedModule, load, fmt.Sprintf("load of denied module %q", module))
	}
}

// finish applies structural limits and returns all violations.
func (w *walker) finish() []model.Violation {
	if w.caps.MaxDepth > 0 && w.maxDepth > w.caps.MaxDepth {
		w.violations = append(w.violations, model.Violation{
			Kind:   model.ViolationDepthExceeded,
			Detail: fmt.Sprintf("syntax tree depth %d exceeds limit %d", w.maxDepth, w.caps.MaxDepth),
		})
	}
	if w.caps.MaxNodes > 0 && w.nodes > w.caps.MaxNodes {
		w.violations = append(w.violations, model.Violation{
			Kind:   model.ViolationNodeBudget,
			Detail: fmt.Sprintf("syntax tree has %d nodes, limit %d", w.nodes, w.caps.MaxNodes),
		})
	}
	return w.violations
}

// softRisk scores structural complexity that is allowed but notable:
// trees past half their depth or node budgets suggest content worth a
// human look even when nothing is denied.
func (w *walker) softRisk() int {
	risk := 0
	if w.caps.MaxDepth > 0 && w.maxDepth > w.caps.MaxDepth/2 {
		risk += 10
	}
	if w.caps.MaxNodes > 0 && w.nodes > w.caps.MaxNodes/2 {
		risk += 10
	}
	return risk
}

func (w *walker) add(kind model.ViolationKind, n syntax.Node, detail string) {
	start, _ := n.Span()
	w.violations = append(w.violations, model.Violation{
		Kind:   kind,
		Detail: detail,
		Line:   int(start.Line),
		Col:    int(start.Col),
	})
}

// callName resolves the called expression to (base identifier, dotted
// path). Returns ("", "") when the callee is not a name at all.
func callName(fn syntax.Expr) (base, dotted string) {
	switch e := fn.(type) {
	case *syntax.Ident:
		return e.Name, e.Name
	case *syntax.DotExpr:
		b, d := callName(e.X)
		if b == "" {
			return "", ""
		}
		return b, d + "." + e.Name.Name
	case *syntax.ParenExpr:
		return callName(e.X)
	default:
		return "", ""
	}
}
