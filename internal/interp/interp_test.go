package interp

import (
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/quantgate/quantgate/internal/model"
)

var closes = []float64{10, 11, 12, 11, 13, 14, 13, 15, 16, 15}

func evalExpr(t *testing.T, expr string) string {
	t.Helper()
	res, err := Evaluate(Request{
		Content: expr,
		Type:    model.ContentExpression,
		Inputs:  map[string][]float64{"close": closes},
	})
	if err != nil {
		t.Fatalf("Evaluate(%q): %v", expr, err)
	}
	return res.Output
}

func TestEvaluateExpression(t *testing.T) {
	out := evalExpr(t, "mean(close) - mean(close, 5)")
	got, err := strconv.ParseFloat(out, 64)
	if err != nil {
		t.Fatalf("expected numeric output, got %q: %v", out, err)
	}
	// mean(close)=13, mean(last 5)=14.6
	if math.Abs(got-(-1.6)) > 1e-9 {
		t.Errorf("output = %v, want -1.6", got)
	}
}

func TestEvaluateCodeWithResult(t *testing.T) {
	code := `
def zscore(xs):
    return (xs[-1] - mean(xs)) / std(xs)

result = zscore(close)
`
	res, err := Evaluate(Request{
		Content: code,
		Type:    model.ContentCode,
		Inputs:  map[string][]float64{"close": closes},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output == "" {
		t.Fatal("expected result output")
	}
}

func TestEvaluatePrint(t *testing.T) {
	res, err := Evaluate(Request{Content: `print("signal ready")`, Type: model.ContentCode})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "signal ready") {
		t.Errorf("print output lost: %q", res.Output)
	}
}

func TestEvaluateStepCeiling(t *testing.T) {
	_, err := Evaluate(Request{
		Content:  "while True:\n    x = 1",
		Type:     model.ContentCode,
		MaxSteps: 10_000,
	})
	if err == nil {
		t.Fatal("unbounded loop must hit the step ceiling")
	}
}

func TestEvaluateNonExecutableType(t *testing.T) {
	if _, err := Evaluate(Request{Content: "hi", Type: model.ContentPrompt}); err == nil {
		t.Fatal("prompt content must not execute")
	}
}

func TestEvaluateRuntimeError(t *testing.T) {
	if _, err := Evaluate(Request{Content: "1 // 0", Type: model.ContentExpression}); err == nil {
		t.Fatal("expected division error")
	}
}

func TestBuiltinMath(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"mean([1.0, 2.0, 3.0])", 2},
		{"median([3.0, 1.0, 2.0])", 2},
		{"std([2.0, 4.0, 4.0, 4.0, 5.0, 5.0, 7.0, 9.0])", 2.138},
		{"ts_max([1.0, 5.0, 3.0])", 5},
		{"ts_min([1.0, 5.0, 3.0], 2)", 3},
		{"sum([1.0, 2.0, 3.5])", 6.5},
		{"sign(-4.2)", -1},
		{"clip(9.0, 0.0, 5.0)", 5},
		{"pow(2.0, 10.0)", 1024},
		{"corr([1.0, 2.0, 3.0], [2.0, 4.0, 6.0])", 1},
		{"delta([1.0, 3.0, 6.0], 1)[2]", 3},
		{"delay([1.0, 2.0, 3.0], 1)[0]", 1},
		{"rank([30.0, 10.0, 20.0])[0]", 1},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			res, err := Evaluate(Request{Content: tt.expr, Type: model.ContentExpression})
			if err != nil {
				t.Fatal(err)
			}
			got := parseFloat(t, res.Output)
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("%s = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestBuiltinErrors(t *testing.T) {
	bad := []string{
		`mean("text")`,
		"corr([1.0, 2.0], [1.0])",
		"delta([1.0], -1)",
	}
	for _, expr := range bad {
		if _, err := Evaluate(Request{Content: expr, Type: model.ContentExpression}); err == nil {
			t.Errorf("%s: expected error", expr)
		}
	}
}

func TestNoHostAccessInUniverse(t *testing.T) {
	// The universe must not leak execution or I/O primitives.
	for _, expr := range []string{"open('/etc/passwd')", "eval('1')", "__import__('os')"} {
		if _, err := Evaluate(Request{Content: expr, Type: model.ContentExpression}); err == nil {
			t.Errorf("%s: must be undefined in the sandbox universe", expr)
		}
	}
}

func parseFloat(t *testing.T, s string) float64 {
	t.Helper()
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		t.Fatalf("output %q is not numeric", s)
	}
	return f
}
