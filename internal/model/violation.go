package model

import "fmt"

// ViolationKind is the closed taxonomy of rule breaches.
type ViolationKind string

const (
	ViolationParse         ViolationKind = "validation_failed"
	ViolationDeniedCall    ViolationKind = "denied_call"
	ViolationDeniedModule  ViolationKind = "denied_module"
	ViolationUnknownCall   ViolationKind = "unknown_call"
	ViolationDepthExceeded ViolationKind = "depth_exceeded"
	ViolationNodeBudget    ViolationKind = "node_budget_exceeded"
	ViolationImportBudget  ViolationKind = "import_budget_exceeded"
	ViolationInjection     ViolationKind = "injection_marker"
	ViolationSizeBound     ViolationKind = "size_bound_exceeded"
	ViolationRisk          ViolationKind = "risk_threshold_exceeded"
	ViolationNetwork       ViolationKind = "network_violation"
)

// Violation is one detected rule breach. Line and Col are 1-based and
// zero when no source location is derivable.
type Violation struct {
	Kind   ViolationKind `json:"kind"`
	Detail string        `json:"detail"`
	Line   int           `json:"line,omitempty"`
	Col    int           `json:"col,omitempty"`
}

func (v Violation) String() string {
	if v.Line > 0 {
		return fmt.Sprintf("%s at %d:%d: %s", v.Kind, v.Line, v.Col, v.Detail)
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}
