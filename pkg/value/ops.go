package value

import (
	"fmt"
	"html"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/neurodesk/jinja/pkg/tplerr"
)

func typeErr(op string, a, b Value) error {
	return tplerr.Runtime("unsupported operand type(s) for %s: '%s' and '%s'", op, TypeName(a), TypeName(b))
}

// undefinedErr returns the error of the first undefined operand.
func undefinedErr(vs ...Value) error {
	for _, v := range vs {
		if u, ok := v.(*UndefinedValue); ok {
			return u.Err()
		}
	}
	return nil
}

// numeric extracts a number. Booleans count as 0 and 1.
func numeric(v Value) (i int64, f float64, isInt, ok bool) {
	switch t := v.(type) {
	case IntValue:
		return int64(t), float64(t), true, true
	case FloatValue:
		return 0, float64(t), false, true
	case BoolValue:
		if t {
			return 1, 1, true, true
		}
		return 0, 0, true, true
	}
	return 0, 0, false, false
}

// ToFloat converts a number to float64.
func ToFloat(v Value) (float64, bool) {
	if _, f, _, ok := numeric(v); ok {
		return f, true
	}
	return 0, false
}

// ToInt converts numbers to int64, truncating floats.
func ToInt(v Value) (int64, bool) {
	i, f, isInt, ok := numeric(v)
	if !ok {
		return 0, false
	}
	if isInt {
		return i, true
	}
	return int64(f), true
}

func isString(v Value) (string, bool) {
	switch t := v.(type) {
	case StringValue:
		return string(t), true
	case MarkupValue:
		return string(t), true
	}
	return "", false
}

// Binary applies an arithmetic operator: + - * / // % **.
func Binary(op string, a, b Value) (Value, error) {
	if err := undefinedErr(a, b); err != nil {
		return nil, err
	}
	ai, af, aInt, aNum := numeric(a)
	bi, bf, bInt, bNum := numeric(b)
	if aNum && bNum {
		return arith(op, ai, af, aInt, bi, bf, bInt)
	}
	switch op {
	case "+":
		if as, ok := isString(a); ok {
			if bs, ok := isString(b); ok {
				_, am := a.(MarkupValue)
				_, bm := b.(MarkupValue)
				if am && bm {
					return MarkupValue(as + bs), nil
				}
				return StringValue(as + bs), nil
			}
		}
		if al, ok := a.(ListValue); ok {
			if bl, ok := b.(ListValue); ok {
				out := make(ListValue, 0, len(al)+len(bl))
				return append(append(out, al...), bl...), nil
			}
		}
	case "*":
		if n, ok := b.(IntValue); ok {
			return repeat(a, int(n), op, b)
		}
		if n, ok := a.(IntValue); ok {
			return repeat(b, int(n), op, a)
		}
	}
	return nil, typeErr(op, a, b)
}

func repeat(v Value, n int, op string, other Value) (Value, error) {
	if n < 0 {
		n = 0
	}
	switch t := v.(type) {
	case StringValue:
		return StringValue(strings.Repeat(string(t), n)), nil
	case MarkupValue:
		return MarkupValue(strings.Repeat(string(t), n)), nil
	case ListValue:
		out := make(ListValue, 0, len(t)*n)
		for i := 0; i < n; i++ {
			out = append(out, t...)
		}
		return out, nil
	}
	return nil, typeErr(op, v, other)
}

func arith(op string, ai int64, af float64, aInt bool, bi int64, bf float64, bInt bool) (Value, error) {
	ints := aInt && bInt
	switch op {
	case "+":
		if ints {
			return IntValue(ai + bi), nil
		}
		return FloatValue(af + bf), nil
	case "-":
		if ints {
			return IntValue(ai - bi), nil
		}
		return FloatValue(af - bf), nil
	case "*":
		if ints {
			return IntValue(ai * bi), nil
		}
		return FloatValue(af * bf), nil
	case "/":
		if bf == 0 {
			return nil, tplerr.Runtime("division by zero")
		}
		return FloatValue(af / bf), nil
	case "//":
		if bf == 0 {
			return nil, tplerr.Runtime("integer division or modulo by zero")
		}
		if ints {
			q := ai / bi
			if (ai%bi != 0) && ((ai < 0) != (bi < 0)) {
				q--
			}
			return IntValue(q), nil
		}
		return FloatValue(math.Floor(af / bf)), nil
	case "%":
		if bf == 0 {
			return nil, tplerr.Runtime("integer division or modulo by zero")
		}
		if ints {
			m := ai % bi
			if m != 0 && (m < 0) != (bi < 0) {
				m += bi
			}
			return IntValue(m), nil
		}
		m := math.Mod(af, bf)
		if m != 0 && (m < 0) != (bf < 0) {
			m += bf
		}
		return FloatValue(m), nil
	case "**":
		if ints && bi >= 0 {
			r := int64(1)
			base := ai
			for e := bi; e > 0; e >>= 1 {
				if e&1 == 1 {
					r *= base
				}
				base *= base
			}
			return IntValue(r), nil
		}
		return FloatValue(math.Pow(af, bf)), nil
	}
	return nil, tplerr.Runtime("unknown operator %s", op)
}

// Unary applies - or + to a number.
func Unary(op string, v Value) (Value, error) {
	if err := undefinedErr(v); err != nil {
		return nil, err
	}
	i, f, isInt, ok := numeric(v)
	if !ok {
		return nil, tplerr.Runtime("bad operand type for unary %s: '%s'", op, TypeName(v))
	}
	if op == "-" {
		if isInt {
			return IntValue(-i), nil
		}
		return FloatValue(-f), nil
	}
	if isInt {
		return IntValue(i), nil
	}
	return FloatValue(f), nil
}

// Equal reports template equality: numbers compare by value across int and
// float, strings compare with markup, containers compare element-wise.
func Equal(a, b Value) bool {
	if IsNone(a) || IsNone(b) {
		return IsNone(a) && IsNone(b)
	}
	if _, ok := a.(*UndefinedValue); ok {
		_, ok := b.(*UndefinedValue)
		return ok
	}
	_, af, aInt, aNum := numeric(a)
	_, bf, bInt, bNum := numeric(b)
	if aNum && bNum {
		if aInt && bInt {
			ai, _ := ToInt(a)
			bi, _ := ToInt(b)
			return ai == bi
		}
		return af == bf
	}
	if as, ok := isString(a); ok {
		bs, ok := isString(b)
		return ok && as == bs
	}
	switch at := a.(type) {
	case ListValue:
		bt, ok := b.(ListValue)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	case *DictValue:
		bt, ok := b.(*DictValue)
		if !ok || at.Len() != bt.Len() {
			return false
		}
		for _, k := range at.Keys() {
			av, _ := at.Get(k)
			bv, ok := bt.Get(k)
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Compare orders numbers, strings and lists. It returns -1, 0 or 1.
func Compare(a, b Value) (int, error) {
	if err := undefinedErr(a, b); err != nil {
		return 0, err
	}
	_, af, _, aNum := numeric(a)
	_, bf, _, bNum := numeric(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	}
	if as, ok := isString(a); ok {
		if bs, ok := isString(b); ok {
			return strings.Compare(as, bs), nil
		}
	}
	if al, ok := a.(ListValue); ok {
		if bl, ok := b.(ListValue); ok {
			for i := 0; i < len(al) && i < len(bl); i++ {
				c, err := Compare(al[i], bl[i])
				if err != nil || c != 0 {
					return c, err
				}
			}
			switch {
			case len(al) < len(bl):
				return -1, nil
			case len(al) > len(bl):
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, tplerr.Runtime("comparison not supported between instances of '%s' and '%s'", TypeName(a), TypeName(b))
}

// CompareOp evaluates one comparison operator.
func CompareOp(op string, a, b Value) (bool, error) {
	switch op {
	case "==":
		return Equal(a, b), nil
	case "!=":
		return !Equal(a, b), nil
	case "in":
		return Contains(b, a)
	case "not in":
		ok, err := Contains(b, a)
		return !ok, err
	}
	c, err := Compare(a, b)
	if err != nil {
		return false, err
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, tplerr.Runtime("unknown comparison %s", op)
}

// Contains implements the in operator.
func Contains(container, item Value) (bool, error) {
	if err := undefinedErr(container); err != nil {
		return false, err
	}
	if s, ok := isString(container); ok {
		sub, ok := isString(item)
		if !ok {
			return false, tplerr.Runtime("'in <string>' requires string as left operand, not %s", TypeName(item))
		}
		return strings.Contains(s, sub), nil
	}
	switch t := container.(type) {
	case *DictValue:
		_, ok := t.Get(keyString(item))
		return ok, nil
	case LookupHook:
		if k, ok := isString(item); ok {
			_, found := t.OnLookup(k)
			return found, nil
		}
	}
	items, err := Iterate(container)
	if err != nil {
		return false, tplerr.Runtime("argument of type '%s' is not iterable", TypeName(container))
	}
	for _, x := range items {
		if Equal(x, item) {
			return true, nil
		}
	}
	return false, nil
}

func keyString(v Value) string {
	if s, ok := isString(v); ok {
		return s
	}
	return v.String()
}

// GetAttr resolves v.name. Missing attributes yield an undefined value;
// reading an attribute of an undefined value is an error.
func GetAttr(v Value, name string) (Value, error) {
	if err := undefinedErr(v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case *DictValue:
		if x, ok := t.Get(name); ok {
			return x, nil
		}
	case LookupHook:
		if x, ok := t.OnLookup(name); ok {
			return x, nil
		}
	}
	if m, ok := method(v, name); ok {
		return m, nil
	}
	return UndefinedHint(name, fmt.Sprintf("'%s' has no attribute '%s'", TypeName(v), name)), nil
}

// GetItem resolves v[key].
func GetItem(v, key Value) (Value, error) {
	if err := undefinedErr(v); err != nil {
		return nil, err
	}
	if idx, ok := indexOf(key); ok {
		switch t := v.(type) {
		case ListValue:
			if idx < 0 {
				idx += int64(len(t))
			}
			if idx < 0 || idx >= int64(len(t)) {
				return UndefinedHint("", "list index out of range"), nil
			}
			return t[idx], nil
		case StringValue, MarkupValue:
			rs := []rune(t.String())
			if idx < 0 {
				idx += int64(len(rs))
			}
			if idx < 0 || idx >= int64(len(rs)) {
				return UndefinedHint("", "string index out of range"), nil
			}
			return StringValue(string(rs[idx])), nil
		}
	}
	switch t := v.(type) {
	case *DictValue:
		if x, ok := t.Get(keyString(key)); ok {
			return x, nil
		}
		return UndefinedHint(keyString(key), fmt.Sprintf("'dict' has no key '%s'", keyString(key))), nil
	case LookupHook:
		if k, ok := isString(key); ok {
			if x, ok := t.OnLookup(k); ok {
				return x, nil
			}
		}
	}
	if k, ok := isString(key); ok {
		return GetAttr(v, k)
	}
	return UndefinedHint("", fmt.Sprintf("'%s' object is not subscriptable by %s", TypeName(v), TypeName(key))), nil
}

func indexOf(v Value) (int64, bool) {
	switch t := v.(type) {
	case IntValue:
		return int64(t), true
	case FloatValue:
		if float64(t) == math.Trunc(float64(t)) {
			return int64(t), true
		}
	}
	return 0, false
}

// Slice implements v[start:stop:step] with Python semantics. Nil bounds are
// open.
func Slice(v Value, start, stop, step Value) (Value, error) {
	if err := undefinedErr(v); err != nil {
		return nil, err
	}
	var n int
	var str []rune
	var list ListValue
	isList := false
	switch t := v.(type) {
	case ListValue:
		list, n, isList = t, len(t), true
	case StringValue, MarkupValue:
		str = []rune(t.String())
		n = len(str)
	case nil, NoneValue:
		return ListValue{}, nil
	default:
		return nil, tplerr.Runtime("'%s' object is not sliceable", TypeName(v))
	}
	st := int64(1)
	if step != nil && !IsNone(step) {
		s, ok := ToInt(step)
		if !ok {
			return nil, tplerr.Runtime("slice indices must be integers")
		}
		if s == 0 {
			return nil, tplerr.Runtime("slice step cannot be zero")
		}
		st = s
	}
	bound := func(b Value, def int64) (int64, error) {
		if b == nil || IsNone(b) {
			return def, nil
		}
		x, ok := ToInt(b)
		if !ok {
			return 0, tplerr.Runtime("slice indices must be integers")
		}
		if x < 0 {
			x += int64(n)
			if x < 0 {
				if st < 0 {
					x = -1
				} else {
					x = 0
				}
			}
		} else if x >= int64(n) {
			if st < 0 {
				x = int64(n) - 1
			} else {
				x = int64(n)
			}
		}
		return x, nil
	}
	var lo, hi int64
	var err error
	if st > 0 {
		if lo, err = bound(start, 0); err != nil {
			return nil, err
		}
		if hi, err = bound(stop, int64(n)); err != nil {
			return nil, err
		}
	} else {
		if lo, err = bound(start, int64(n)-1); err != nil {
			return nil, err
		}
		if hi, err = bound(stop, -1); err != nil {
			return nil, err
		}
	}
	var idx []int64
	for i := lo; (st > 0 && i < hi) || (st < 0 && i > hi); i += st {
		idx = append(idx, i)
	}
	if isList {
		out := make(ListValue, 0, len(idx))
		for _, i := range idx {
			out = append(out, list[i])
		}
		return out, nil
	}
	var b strings.Builder
	for _, i := range idx {
		b.WriteRune(str[i])
	}
	if _, ok := v.(MarkupValue); ok {
		return MarkupValue(b.String()), nil
	}
	return StringValue(b.String()), nil
}

// Iterate returns the elements of v for a for loop. None and undefined
// iterate as empty; dicts iterate over their keys; strings over their
// characters.
func Iterate(v Value) ([]Value, error) {
	switch t := v.(type) {
	case nil, NoneValue, *UndefinedValue:
		return nil, nil
	case StringValue, MarkupValue:
		s := t.String()
		out := make([]Value, 0, utf8.RuneCountInString(s))
		for _, r := range s {
			out = append(out, StringValue(string(r)))
		}
		return out, nil
	case ListValue:
		out := make([]Value, len(t))
		copy(out, t)
		return out, nil
	case Iterable:
		return t.Items()
	case *AsyncSeq:
		return nil, tplerr.Runtime("async sequence can only be iterated in suspending mode")
	case *Future:
		return nil, tplerr.Runtime("future can only be awaited in suspending mode")
	}
	return nil, tplerr.Runtime("'%s' object is not iterable", TypeName(v))
}

// Length returns the number of elements of a sized value.
func Length(v Value) (int, bool) {
	switch t := v.(type) {
	case StringValue, MarkupValue:
		return utf8.RuneCountInString(t.String()), true
	case ListValue:
		return len(t), true
	case *DictValue:
		return t.Len(), true
	case Iterable:
		items, err := t.Items()
		return len(items), err == nil
	}
	return 0, false
}

// EscapeString HTML-escapes s unconditionally, so escaping twice escapes
// the ampersands of the first pass.
func EscapeString(s string) string {
	return html.EscapeString(s)
}

// Escape returns v as safe markup, escaping it unless it already is markup.
func Escape(v Value) MarkupValue {
	if m, ok := v.(MarkupValue); ok {
		return m
	}
	return MarkupValue(EscapeString(v.String()))
}

// MarkSafe marks v as not requiring escaping.
func MarkSafe(v Value) MarkupValue {
	if m, ok := v.(MarkupValue); ok {
		return m
	}
	return MarkupValue(v.String())
}

// IsSafe reports whether v is safe markup.
func IsSafe(v Value) bool {
	_, ok := v.(MarkupValue)
	return ok
}
