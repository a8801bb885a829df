package interp

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
)

// universe returns the predeclared environment: only the whitelisted
// numeric/statistical operators, on top of the stock Starlark builtins
// (abs, min, max, len, sorted...). Nothing here touches the host.
func universe() starlark.StringDict {
	env := starlark.StringDict{}
	for name, fn := range seriesFuncs {
		env[name] = starlark.NewBuiltin(name, fn)
	}
	return env
}

type builtinImpl = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

var seriesFuncs = map[string]builtinImpl{
	"sum":          unarySeries(func(xs []float64) float64 { return sum(xs) }),
	"mean":         windowed(mean),
	"median":       windowed(median),
	"std":          windowed(stddev),
	"var":          windowed(variance),
	"ts_mean":      windowed(mean),
	"ts_std":       windowed(stddev),
	"ts_sum":       windowed(sum),
	"ts_min":       windowed(func(xs []float64) float64 { return minOf(xs) }),
	"ts_max":       windowed(func(xs []float64) float64 { return maxOf(xs) }),
	"rank":         seriesToSeries(rank),
	"delay":        shifted(func(xs []float64, n int) []float64 { return delay(xs, n) }),
	"delta":        shifted(delta),
	"decay_linear": shifted(decayLinear),
	"corr":         pairWindowed(correlation),
	"cov":          pairWindowed(covariance),
	"log":          scalar1(math.Log),
	"sqrt":         scalar1(math.Sqrt),
	"exp":          scalar1(math.Exp),
	"sign":         scalar1(func(x float64) float64 { return signOf(x) }),
	"pow":          scalar2(math.Pow),
	"round":        scalar1(math.Round),
	"clip":         clipBuiltin,
	"scale":        scaleBuiltin,
}

// toFloats coerces a Starlark value to a float slice: a list/tuple of
// numbers, or a single number as a one-element slice.
func toFloats(v starlark.Value) ([]float64, error) {
	switch val := v.(type) {
	case starlark.Float:
		return []float64{float64(val)}, nil
	case starlark.Int:
		f, _ := starlark.AsFloat(val)
		return []float64{f}, nil
	case starlark.Indexable:
		out := make([]float64, val.Len())
		for i := 0; i < val.Len(); i++ {
			f, ok := starlark.AsFloat(val.Index(i))
			if !ok {
				return nil, fmt.Errorf("element %d is not a number", i)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("got %s, want number or sequence of numbers", v.Type())
	}
}

// unarySeries builds a builtin f(series) -> float.
func unarySeries(f func([]float64) float64) builtinImpl {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
			return nil, err
		}
		xs, err := toFloats(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.Float(f(xs)), nil
	}
}

// windowed builds a builtin f(series, window=0) -> float over the last
// window elements (whole series when window is 0 or oversized).
func windowed(f func([]float64) float64) builtinImpl {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		window := 0
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v, &window); err != nil {
			return nil, err
		}
		xs, err := toFloats(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if window > 0 && window < len(xs) {
			xs = xs[len(xs)-window:]
		}
		if len(xs) == 0 {
			return starlark.Float(0), nil
		}
		return starlark.Float(f(xs)), nil
	}
}

// seriesToSeries builds a builtin f(series) -> series.
func seriesToSeries(f func([]float64) []float64) builtinImpl {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
			return nil, err
		}
		xs, err := toFloats(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return floatList(f(xs)), nil
	}
}

// shifted builds a builtin f(series, n) -> series.
func shifted(f func([]float64, int) []float64) builtinImpl {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		var n int
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &v, &n); err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("%s: negative period %d", b.Name(), n)
		}
		xs, err := toFloats(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return floatList(f(xs, n)), nil
	}
}

// pairWindowed builds a builtin f(a, b, window=0) -> float.
func pairWindowed(f func(a, b []float64) float64) builtinImpl {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var va, vb starlark.Value
		window := 0
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &va, &vb, &window); err != nil {
			return nil, err
		}
		xs, err := toFloats(va)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		ys, err := toFloats(vb)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		if len(xs) != len(ys) {
			return nil, fmt.Errorf("%s: series lengths differ (%d vs %d)", b.Name(), len(xs), len(ys))
		}
		if window > 0 && window < len(xs) {
			xs = xs[len(xs)-window:]
			ys = ys[len(ys)-window:]
		}
		return starlark.Float(f(xs, ys)), nil
	}
}

func scalar1(f func(float64) float64) builtinImpl {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x float64
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		return starlark.Float(f(x)), nil
	}
}

func scalar2(f func(a, b float64) float64) builtinImpl {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x, y float64
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
			return nil, err
		}
		return starlark.Float(f(x, y)), nil
	}
}

func clipBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, lo, hi float64
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 3, &x, &lo, &hi); err != nil {
		return nil, err
	}
	return starlark.Float(math.Min(math.Max(x, lo), hi)), nil
}

// scaleBuiltin rescales a series so absolute values sum to 1.
func scaleBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	xs, err := toFloats(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	total := 0.0
	for _, x := range xs {
		total += math.Abs(x)
	}
	out := make([]float64, len(xs))
	if total != 0 {
		for i, x := range xs {
			out[i] = x / total
		}
	}
	return floatList(out), nil
}

func sum(xs []float64) float64 {
	t := 0.0
	for _, x := range xs {
		t += x
	}
	return t
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return sum(xs) / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	t := 0.0
	for _, x := range xs {
		d := x - m
		t += d * d
	}
	return t / float64(len(xs)-1)
}

func stddev(xs []float64) float64 { return math.Sqrt(variance(xs)) }

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// rank maps each element to its fractional rank in [0, 1].
func rank(xs []float64) []float64 {
	n := len(xs)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })
	out := make([]float64, n)
	if n == 1 {
		out[0] = 1
		return out
	}
	for pos, i := range idx {
		out[i] = float64(pos+1) / float64(n)
	}
	return out
}

// delay shifts the series back n periods, padding the front with the
// first value.
func delay(xs []float64, n int) []float64 {
	out := make([]float64, len(xs))
	for i := range xs {
		j := i - n
		if j < 0 {
			j = 0
		}
		out[i] = xs[j]
	}
	return out
}

func delta(xs []float64, n int) []float64 {
	prev := delay(xs, n)
	out := make([]float64, len(xs))
	for i := range xs {
		out[i] = xs[i] - prev[i]
	}
	return out
}

// decayLinear is a linearly decaying weighted average over window n,
// returning a series of the same length.
func decayLinear(xs []float64, n int) []float64 {
	if n <= 1 {
		return append([]float64(nil), xs...)
	}
	out := make([]float64, len(xs))
	for i := range xs {
		wsum, total := 0.0, 0.0
		for k := 0; k < n && i-k >= 0; k++ {
			w := float64(n - k)
			wsum += w * xs[i-k]
			total += w
		}
		out[i] = wsum / total
	}
	return out
}

func covariance(xs, ys []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mx, my := mean(xs), mean(ys)
	t := 0.0
	for i := range xs {
		t += (xs[i] - mx) * (ys[i] - my)
	}
	return t / float64(len(xs)-1)
}

func correlation(xs, ys []float64) float64 {
	sx, sy := stddev(xs), stddev(ys)
	if sx == 0 || sy == 0 {
		return 0
	}
	return covariance(xs, ys) / (sx * sy)
}

func signOf(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
