// Package interp is the minimal runtime injected into sandboxes. It
// evaluates validated content with a Starlark interpreter whose
// universe is restricted to the whitelisted numeric/statistical
// builtins: no load, no modules, no I/O, bounded execution steps.
package interp

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/quantgate/quantgate/internal/model"
)

// DefaultMaxSteps bounds interpreter work for one evaluation.
const DefaultMaxSteps = 1_000_000

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Request is one evaluation request.
type Request struct {
	Content  string
	Type     model.ContentType
	Inputs   map[string][]float64 // named series bound as globals
	MaxSteps uint64
}

// Result is the evaluation outcome.
type Result struct {
	Output string
	Steps  uint64
}

// Evaluate runs content against the restricted universe. Expression
// content is evaluated as a single expression; code content is
// executed as a file, and its output is the printed text followed by
// the value bound to "result", if any.
func Evaluate(req Request) (Result, error) {
	var printed strings.Builder
	thread := &starlark.Thread{
		Name: "quantgate",
		Print: func(_ *starlark.Thread, msg string) {
			printed.WriteString(msg)
			printed.WriteByte('\n')
		},
	}
	maxSteps := req.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	thread.SetMaxExecutionSteps(maxSteps)

	env := universe()
	for name, series := range req.Inputs {
		env[name] = floatList(series)
	}

	switch req.Type {
	case model.ContentExpression:
		val, err := starlark.EvalOptions(fileOptions, thread, "content", req.Content, env)
		if err != nil {
			return Result{}, fmt.Errorf("evaluate expression: %w", err)
		}
		return Result{Output: val.String(), Steps: thread.ExecutionSteps()}, nil

	case model.ContentCode:
		globals, err := starlark.ExecFileOptions(fileOptions, thread, "content", req.Content, env)
		if err != nil {
			return Result{}, fmt.Errorf("execute code: %w", err)
		}
		out := printed.String()
		if result, ok := globals["result"]; ok {
			out += result.String()
		}
		return Result{Output: out, Steps: thread.ExecutionSteps()}, nil

	default:
		return Result{}, fmt.Errorf("content type %q is not executable", req.Type)
	}
}

func floatList(series []float64) *starlark.List {
	elems := make([]starlark.Value, len(series))
	for i, f := range series {
		elems[i] = starlark.Float(f)
	}
	return starlark.NewList(elems)
}
