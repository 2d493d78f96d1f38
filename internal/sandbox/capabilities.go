package sandbox

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// allowedUniverse lists the Starlark universe names untrusted code may use.
// Every other universe name is replaced by a denial stub.
var allowedUniverse = map[string]bool{
	"None": true, "True": true, "False": true,
	"len": true, "range": true, "enumerate": true, "zip": true, "reversed": true,
	"min": true, "max": true, "any": true, "all": true, "sorted": true,
	"abs": true,
	"list": true, "dict": true, "set": true, "tuple": true,
	"str": true, "int": true, "float": true, "bool": true,
	"print": true, "fail": true,
}

// predeclared builds the global environment for one run. Both isolation
// modes use it, so the capability set is identical.
func predeclared(s *session) starlark.StringDict {
	env := starlark.StringDict{
		"sum":   starlark.NewBuiltin("sum", builtinSum),
		"round": starlark.NewBuiltin("round", builtinRound),
		"open":  denyStub(s, "open"),
	}
	for name := range starlark.Universe {
		if !allowedUniverse[name] {
			env[name] = denyStub(s, name)
		}
	}
	// Predeclaring set lets programs use it without the resolver flag.
	if set, ok := starlark.Universe["set"]; ok {
		env["set"] = set
	}
	return env
}

func denyStub(s *session, name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		msg := fmt.Sprintf("permission denied: %s is not available", name)
		s.deny(msg)
		return nil, fmt.Errorf("%s", msg)
	})
}

// loadModule resolves load() statements against the module allow-list.
// The module is also bound under its own name so load("math", "math") works.
func loadModule(s *session, module string) (starlark.StringDict, error) {
	var m *starlarkstruct.Module
	switch module {
	case "math":
		m = starmath.Module
	case "json":
		m = json.Module
	case "statistics":
		m = statisticsModule
	default:
		msg := fmt.Sprintf("import not allowed: %s", module)
		s.deny(msg)
		return nil, fmt.Errorf("%s", msg)
	}
	out := make(starlark.StringDict, len(m.Members)+1)
	for k, v := range m.Members {
		out[k] = v
	}
	out[module] = m
	return out, nil
}

func builtinSum(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start starlark.Value = starlark.MakeInt(0)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}
	iter := iterable.Iterate()
	defer iter.Done()

	acc := start
	var x starlark.Value
	for iter.Next(&x) {
		v, err := starlark.Binary(syntax.PLUS, acc, x)
		if err != nil {
			return nil, fmt.Errorf("sum: %w", err)
		}
		acc = v
	}
	return acc, nil
}

// builtinRound rounds half to even. Without ndigits it returns an int.
func builtinRound(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	var ndigits starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "number", &x, "ndigits?", &ndigits); err != nil {
		return nil, err
	}
	if i, ok := x.(starlark.Int); ok && ndigits == starlark.None {
		return i, nil
	}
	f, ok := starlark.AsFloat(x)
	if !ok {
		return nil, fmt.Errorf("round: got %s, want number", x.Type())
	}
	if ndigits == starlark.None {
		return starlark.NumberToInt(starlark.Float(math.RoundToEven(f)))
	}
	n, err := starlark.AsInt32(ndigits)
	if err != nil {
		return nil, fmt.Errorf("round: ndigits: %w", err)
	}
	p := math.Pow(10, float64(n))
	return starlark.Float(math.RoundToEven(f*p) / p), nil
}

var statisticsModule = &starlarkstruct.Module{
	Name: "statistics",
	Members: starlark.StringDict{
		"mean":     starlark.NewBuiltin("mean", statMean),
		"median":   starlark.NewBuiltin("median", statMedian),
		"mode":     starlark.NewBuiltin("mode", statMode),
		"variance": starlark.NewBuiltin("variance", statVariance),
		"stdev":    starlark.NewBuiltin("stdev", statStdev),
		"pstdev":   starlark.NewBuiltin("pstdev", statPstdev),
	},
}

// floatArgs unpacks a single iterable of numbers.
func floatArgs(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, atLeast int) ([]float64, error) {
	var data starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	iter := data.Iterate()
	defer iter.Done()

	var out []float64
	var x starlark.Value
	for iter.Next(&x) {
		f, ok := starlark.AsFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want number", b.Name(), x.Type())
		}
		out = append(out, f)
	}
	if len(out) < atLeast {
		return nil, fmt.Errorf("%s requires at least %d data points", b.Name(), atLeast)
	}
	return out, nil
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func sumSquares(xs []float64) float64 {
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return ss
}

func statMean(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, err := floatArgs(b, args, kwargs, 1)
	if err != nil {
		return nil, err
	}
	return starlark.Float(mean(xs)), nil
}

func statMedian(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, err := floatArgs(b, args, kwargs, 1)
	if err != nil {
		return nil, err
	}
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return starlark.Float(xs[n/2]), nil
	}
	return starlark.Float((xs[n/2-1] + xs[n/2]) / 2), nil
}

func statVariance(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, err := floatArgs(b, args, kwargs, 2)
	if err != nil {
		return nil, err
	}
	return starlark.Float(sumSquares(xs) / float64(len(xs)-1)), nil
}

func statStdev(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, err := floatArgs(b, args, kwargs, 2)
	if err != nil {
		return nil, err
	}
	return starlark.Float(math.Sqrt(sumSquares(xs) / float64(len(xs)-1))), nil
}

func statPstdev(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	xs, err := floatArgs(b, args, kwargs, 1)
	if err != nil {
		return nil, err
	}
	return starlark.Float(math.Sqrt(sumSquares(xs) / float64(len(xs)))), nil
}

// statMode returns the most common value, the first seen on ties.
func statMode(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Iterable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	iter := data.Iterate()
	defer iter.Done()

	counts := starlark.NewDict(0)
	var order []starlark.Value
	var x starlark.Value
	for iter.Next(&x) {
		v, found, err := counts.Get(x)
		if err != nil {
			return nil, fmt.Errorf("mode: %w", err)
		}
		n := 0
		if found {
			n, _ = starlark.AsInt32(v)
		} else {
			order = append(order, x)
		}
		if err := counts.SetKey(x, starlark.MakeInt(n+1)); err != nil {
			return nil, fmt.Errorf("mode: %w", err)
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("mode requires at least 1 data point")
	}

	best, bestN := order[0], 0
	for _, v := range order {
		c, _, _ := counts.Get(v)
		n, _ := starlark.AsInt32(c)
		if n > bestN {
			best, bestN = v, n
		}
	}
	return best, nil
}
