// Package value is the runtime value model of the template engine.
//
// Every template value implements Value. The concrete variants are closed
// over none, booleans, numbers, strings, safe markup, lists, ordered dicts,
// callables, undefined and the two asynchronous forms (Future and AsyncSeq).
// Host types can take part by implementing Value together with LookupHook
// (attribute access), Caller (calls) or Iterable (iteration).
package value

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/neurodesk/jinja/internal/numfmt"
	"github.com/neurodesk/jinja/pkg/tplerr"
)

// Value is an abstract template value. It defines string conversion and
// truthiness semantics.
type Value interface {
	String() string
	Truth() bool
}

// LookupHook is implemented by values that resolve attributes themselves:
// host objects, modules, loop objects and namespaces.
type LookupHook interface {
	OnLookup(key string) (Value, bool)
}

// SetHook is implemented by values that accept attribute assignment from
// templates ({% set ns.attr = v %}).
type SetHook interface {
	OnSet(name string, val Value) error
}

// Caller is implemented by callable values.
type Caller interface {
	Call(ctx context.Context, args Args) (Value, error)
}

// Iterable is implemented by host values that can be looped over.
type Iterable interface {
	Items() ([]Value, error)
}

// Args are the evaluated arguments of a call.
type Args struct {
	Positional []Value
	Keywords   *DictValue
}

// Kwarg returns the keyword argument name, if given.
func (a Args) Kwarg(name string) (Value, bool) {
	if a.Keywords == nil {
		return nil, false
	}
	return a.Keywords.Get(name)
}

// Arg returns positional argument i or, failing that, keyword name. It
// returns nil when neither was passed.
func (a Args) Arg(i int, name string) Value {
	if i >= 0 && i < len(a.Positional) {
		return a.Positional[i]
	}
	if v, ok := a.Kwarg(name); ok {
		return v
	}
	return nil
}

// NoneValue represents the absence of a value.
type NoneValue struct{}

// None is the none singleton.
var None Value = NoneValue{}

func (NoneValue) String() string { return "" }
func (NoneValue) Truth() bool    { return false }

// BoolValue wraps a boolean.
type BoolValue bool

func (b BoolValue) String() string {
	if b {
		return "true"
	}
	return "false"
}
func (b BoolValue) Truth() bool { return bool(b) }

// IntValue wraps an integer (64-bit).
type IntValue int64

func (i IntValue) String() string { return strconv.FormatInt(int64(i), 10) }
func (i IntValue) Truth() bool    { return i != 0 }

// FloatValue wraps a float (64-bit). It always prints with a fractional
// part or an exponent.
type FloatValue float64

func (f FloatValue) String() string { return numfmt.Float(float64(f)) }
func (f FloatValue) Truth() bool    { return f != 0 }

// StringValue wraps a string.
type StringValue string

func (s StringValue) String() string { return string(s) }
func (s StringValue) Truth() bool    { return s != "" }

// MarkupValue is a string that is safe to output without escaping.
type MarkupValue string

func (m MarkupValue) String() string { return string(m) }
func (m MarkupValue) Truth() bool    { return m != "" }

// ListValue wraps a list (or tuple) of values.
type ListValue []Value

func (l ListValue) String() string { return Repr(l) }
func (l ListValue) Truth() bool    { return len(l) > 0 }

// Items implements Iterable.
func (l ListValue) Items() ([]Value, error) { return l, nil }

// Func is the signature of host functions exposed to templates.
type Func func(ctx context.Context, args Args) (Value, error)

// CallableValue wraps a callable function that can be invoked from templates.
// It is used to model function values and methods.
type CallableValue struct {
	Name string
	Fn   Func
}

func (c CallableValue) String() string {
	if c.Name != "" {
		return "<function " + c.Name + ">"
	}
	return "<function>"
}
func (c CallableValue) Truth() bool { return true }

func (c CallableValue) Call(ctx context.Context, args Args) (Value, error) {
	return c.Fn(ctx, args)
}

// NewFunc wraps a function of positional arguments.
func NewFunc(name string, fn func(args []Value) (Value, error)) CallableValue {
	return CallableValue{Name: name, Fn: func(_ context.Context, a Args) (Value, error) {
		return fn(a.Positional)
	}}
}

// UndefinedValue stands for a name or attribute that could not be
// resolved. Using it where a concrete value is needed is an error; how
// eagerly that happens depends on the environment's undefined policy.
type UndefinedValue struct {
	Name string
	// Hint replaces the default message when set.
	Hint string
}

func (u *UndefinedValue) String() string { return "" }
func (u *UndefinedValue) Truth() bool    { return false }

// Err returns the UndefinedError raised when u is forced.
func (u *UndefinedValue) Err() error {
	if u.Hint != "" {
		return tplerr.Undefined("%s", u.Hint)
	}
	if u.Name == "" {
		return tplerr.Undefined("value is undefined")
	}
	return tplerr.Undefined("'%s' is undefined", u.Name)
}

// Undefined returns an undefined value for name.
func Undefined(name string) *UndefinedValue { return &UndefinedValue{Name: name} }

// UndefinedHint returns an undefined value with a custom message.
func UndefinedHint(name, hint string) *UndefinedValue {
	return &UndefinedValue{Name: name, Hint: hint}
}

// IsUndefined reports whether v is undefined.
func IsUndefined(v Value) bool {
	_, ok := v.(*UndefinedValue)
	return ok
}

// IsNone reports whether v is none (or nil).
func IsNone(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(NoneValue)
	return ok
}

// TypeName is the template-facing type name of v, used in messages.
func TypeName(v Value) string {
	switch v.(type) {
	case nil, NoneValue:
		return "none"
	case BoolValue:
		return "bool"
	case IntValue:
		return "int"
	case FloatValue:
		return "float"
	case StringValue:
		return "str"
	case MarkupValue:
		return "markup"
	case ListValue:
		return "list"
	case *DictValue:
		return "dict"
	case *UndefinedValue:
		return "undefined"
	case *Future:
		return "future"
	case *AsyncSeq:
		return "async sequence"
	case Caller:
		return "callable"
	}
	return fmt.Sprintf("%T", v)
}

// Repr renders v the way it appears inside a printed container.
func Repr(v Value) string {
	switch t := v.(type) {
	case nil, NoneValue:
		return "none"
	case StringValue:
		return quote(string(t))
	case MarkupValue:
		return quote(string(t))
	case ListValue:
		parts := make([]string, len(t))
		for i, x := range t {
			parts[i] = Repr(x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *DictValue:
		parts := make([]string, 0, t.Len())
		for _, k := range t.Keys() {
			x, _ := t.Get(k)
			parts = append(parts, quote(k)+": "+Repr(x))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *UndefinedValue:
		return "undefined"
	}
	return v.String()
}

func quote(s string) string {
	if strings.Contains(s, "'") && !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	return "'" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`) + "'"
}
