package jinja2

import (
	"unicode"

	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

func builtinTests() map[string]TestFunc {
	t := map[string]TestFunc{
		"boolean":     typeTest(func(v value.Value) bool { _, ok := v.(value.BoolValue); return ok }),
		"callable":    typeTest(func(v value.Value) bool { _, ok := v.(value.Caller); return ok }),
		"defined":     typeTest(func(v value.Value) bool { return !value.IsUndefined(v) }),
		"undefined":   typeTest(value.IsUndefined),
		"none":        typeTest(value.IsNone),
		"true":        typeTest(func(v value.Value) bool { return v == value.BoolValue(true) }),
		"false":       typeTest(func(v value.Value) bool { return v == value.BoolValue(false) }),
		"escaped":     typeTest(value.IsSafe),
		"integer":     typeTest(func(v value.Value) bool { _, ok := v.(value.IntValue); return ok }),
		"float":       typeTest(func(v value.Value) bool { _, ok := v.(value.FloatValue); return ok }),
		"mapping":     typeTest(func(v value.Value) bool { _, ok := v.(*value.DictValue); return ok }),
		"divisibleby": testDivisibleby,
		"even":        testParity(0),
		"odd":         testParity(1),
		"in":          testIn,
		"iterable":    typeTest(isIterable),
		"sequence":    typeTest(isSequence),
		"lower":       typeTest(func(v value.Value) bool { return isString(v) && caseIs(v.String(), unicode.IsLower, unicode.IsUpper) }),
		"upper":       typeTest(func(v value.Value) bool { return isString(v) && caseIs(v.String(), unicode.IsUpper, unicode.IsLower) }),
		"number":      typeTest(isNumber),
		"string":      typeTest(isString),
		"sameas":      testSameas,
		"eq":          compareTest("=="),
		"ne":          compareTest("!="),
		"lt":          compareTest("<"),
		"le":          compareTest("<="),
		"gt":          compareTest(">"),
		"ge":          compareTest(">="),
	}
	for alias, name := range map[string]string{
		"==": "eq", "equalto": "eq", "!=": "ne", "<": "lt", "lessthan": "lt",
		"<=": "le", ">": "gt", "greaterthan": "gt", ">=": "ge",
	} {
		t[alias] = t[name]
	}
	return t
}

func typeTest(pred func(value.Value) bool) TestFunc {
	return func(_ *State, v value.Value, _ value.Args) (bool, error) { return pred(v), nil }
}

func isString(v value.Value) bool {
	switch v.(type) {
	case value.StringValue, value.MarkupValue:
		return true
	}
	return false
}

func isNumber(v value.Value) bool {
	switch v.(type) {
	case value.IntValue, value.FloatValue:
		return true
	}
	return false
}

func isIterable(v value.Value) bool {
	switch v.(type) {
	case value.StringValue, value.MarkupValue, value.ListValue, value.Iterable, *value.AsyncSeq:
		return true
	}
	return false
}

func isSequence(v value.Value) bool {
	_, ok := value.Length(v)
	return ok
}

// caseIs reports whether s has at least one cased letter and none of the
// opposite case.
func caseIs(s string, is, not func(rune) bool) bool {
	cased := false
	for _, r := range s {
		if not(r) {
			return false
		}
		cased = cased || is(r)
	}
	return cased
}

func testDivisibleby(_ *State, v value.Value, a value.Args) (bool, error) {
	n, ok := value.ToInt(v)
	if !ok {
		return false, tplerr.Runtime("divisibleby expects an integer, got %s", value.TypeName(v))
	}
	d, err := argInt(a, 0, "num", 0)
	if err != nil {
		return false, err
	}
	if d == 0 {
		return false, tplerr.Runtime("integer division or modulo by zero")
	}
	return n%int64(d) == 0, nil
}

func testParity(rem int64) TestFunc {
	return func(_ *State, v value.Value, _ value.Args) (bool, error) {
		n, ok := value.ToInt(v)
		if !ok {
			return false, tplerr.Runtime("expected an integer, got %s", value.TypeName(v))
		}
		r := n % 2
		if r < 0 {
			r = -r
		}
		return r == rem, nil
	}
}

func testIn(_ *State, v value.Value, a value.Args) (bool, error) {
	seq := a.Arg(0, "seq")
	if seq == nil {
		return false, tplerr.Runtime("test 'in' requires a container")
	}
	return value.Contains(seq, v)
}

// testSameas compares identity for reference values and equality of
// singletons otherwise.
func testSameas(_ *State, v value.Value, a value.Args) (bool, error) {
	other := a.Arg(0, "other")
	if other == nil {
		return false, tplerr.Runtime("test 'sameas' requires an argument")
	}
	switch x := v.(type) {
	case *value.DictValue:
		y, ok := other.(*value.DictValue)
		return ok && x == y, nil
	case value.ListValue:
		y, ok := other.(value.ListValue)
		return ok && len(x) == len(y) && (len(x) == 0 || &x[0] == &y[0]), nil
	case value.NoneValue, value.BoolValue:
		return v == other, nil
	}
	return value.TypeName(v) == value.TypeName(other) && value.Equal(v, other), nil
}

func compareTest(op string) TestFunc {
	return func(_ *State, v value.Value, a value.Args) (bool, error) {
		other := a.Arg(0, "other")
		if other == nil {
			return false, tplerr.Runtime("test '%s' requires an argument", op)
		}
		return value.CompareOp(op, v, other)
	}
}
