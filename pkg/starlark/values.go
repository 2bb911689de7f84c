package starlark

import (
	"context"
	"fmt"
	"log/slog"

	"go.starlark.net/starlark"

	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

const contextKey = "context"

// threadContext returns the context a thread was started with.
func threadContext(thread *starlark.Thread) context.Context {
	if thread != nil {
		if ctx, ok := thread.Local(contextKey).(context.Context); ok {
			return ctx
		}
	}
	return context.Background()
}

// ToStarlark converts a template value to a Starlark value.
func ToStarlark(v value.Value) starlark.Value {
	switch v := v.(type) {
	case nil, value.NoneValue, *value.UndefinedValue:
		return starlark.None
	case *Wrapped:
		return v.Value
	case value.StringValue:
		return starlark.String(string(v))
	case value.MarkupValue:
		return starlark.String(string(v))
	case value.IntValue:
		return starlark.MakeInt64(int64(v))
	case value.FloatValue:
		return starlark.Float(float64(v))
	case value.BoolValue:
		return starlark.Bool(bool(v))
	case value.ListValue:
		items := make([]starlark.Value, len(v))
		for i, item := range v {
			items[i] = ToStarlark(item)
		}
		return starlark.NewList(items)
	case *value.DictValue:
		dict := starlark.NewDict(v.Len())
		for _, k := range v.Keys() {
			item, _ := v.Get(k)
			_ = dict.SetKey(starlark.String(k), ToStarlark(item))
		}
		return dict
	case value.CallableValue:
		return starlark.NewBuiltin(builtinName(v.Name), func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			ctx := threadContext(thread)
			out, err := v.Call(ctx, toArgs(args, kwargs, nil))
			if err != nil {
				return nil, err
			}
			if f, ok := out.(*value.Future); ok {
				if out, err = f.Await(ctx); err != nil {
					return nil, err
				}
			}
			return ToStarlark(out), nil
		})
	}
	if it, ok := v.(value.Iterable); ok {
		if items, err := it.Items(); err == nil {
			return ToStarlark(value.ListValue(items))
		}
	}
	return starlark.String(v.String())
}

func builtinName(name string) string {
	if name == "" {
		return "function"
	}
	return name
}

// FromStarlark converts a Starlark value to a template value. Starlark
// functions become callables that run on a fresh thread logging print
// output to the default logger.
func FromStarlark(v starlark.Value) value.Value {
	return convert(v, slog.Default())
}

func convert(v starlark.Value, logger *slog.Logger) value.Value {
	switch v := v.(type) {
	case nil, starlark.NoneType:
		return value.None
	case starlark.String:
		return value.StringValue(string(v))
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return value.IntValue(i)
		}
		// Out of int64 range.
		return value.StringValue(v.String())
	case starlark.Float:
		return value.FloatValue(float64(v))
	case starlark.Bool:
		return value.BoolValue(bool(v))
	case *starlark.List:
		items := make(value.ListValue, v.Len())
		for i := range items {
			items[i] = convert(v.Index(i), logger)
		}
		return items
	case starlark.Tuple:
		items := make(value.ListValue, len(v))
		for i, item := range v {
			items[i] = convert(item, logger)
		}
		return items
	case *starlark.Dict:
		dict := value.NewDict()
		for _, item := range v.Items() {
			key := item[0].String()
			if s, ok := item[0].(starlark.String); ok {
				key = string(s)
			}
			dict.Set(key, convert(item[1], logger))
		}
		return dict
	case starlark.Callable:
		return callable(v, logger)
	}
	return &Wrapped{Value: v, logger: logger}
}

// callable exposes a Starlark function to templates.
func callable(fn starlark.Callable, logger *slog.Logger) value.CallableValue {
	return value.CallableValue{
		Name: fn.Name(),
		Fn: func(ctx context.Context, a value.Args) (value.Value, error) {
			res, err := call(ctx, logger, fn, a.Positional, a.Keywords)
			if err != nil {
				return nil, err
			}
			return convert(res, logger), nil
		},
	}
}

// call invokes fn on a new thread bound to ctx.
func call(ctx context.Context, logger *slog.Logger, fn starlark.Callable, pos []value.Value, kw *value.DictValue) (starlark.Value, error) {
	thread, done := newThread(ctx, "call "+fn.Name(), logger, 0)
	defer done()
	args := make(starlark.Tuple, len(pos))
	for i, p := range pos {
		args[i] = ToStarlark(p)
	}
	var kwargs []starlark.Tuple
	if kw != nil {
		for _, k := range kw.Keys() {
			v, _ := kw.Get(k)
			kwargs = append(kwargs, starlark.Tuple{starlark.String(k), ToStarlark(v)})
		}
	}
	res, err := starlark.Call(thread, fn, args, kwargs)
	if err != nil {
		return nil, scriptError(err)
	}
	return res, nil
}

// toArgs converts Starlark call arguments, prepending lead.
func toArgs(args starlark.Tuple, kwargs []starlark.Tuple, lead []value.Value) value.Args {
	a := value.Args{Positional: append([]value.Value(nil), lead...)}
	for _, p := range args {
		a.Positional = append(a.Positional, FromStarlark(p))
	}
	if len(kwargs) > 0 {
		a.Keywords = value.NewDict()
		for _, kv := range kwargs {
			k, _ := starlark.AsString(kv[0])
			a.Keywords.Set(k, FromStarlark(kv[1]))
		}
	}
	return a
}

// scriptError turns a Starlark failure into a runtime error that keeps the
// Starlark backtrace as its cause.
func scriptError(err error) error {
	if _, ok := err.(*tplerr.Error); ok {
		return err
	}
	msg := err.Error()
	if ee, ok := err.(*starlark.EvalError); ok {
		msg = ee.Msg
	}
	e := tplerr.Runtime("starlark: %s", msg)
	e.Cause = err
	return e
}

// Wrapped carries a Starlark value with no template counterpart, such as a
// struct or set. Attributes and iteration pass through to Starlark.
type Wrapped struct {
	Value  starlark.Value
	logger *slog.Logger
}

var (
	_ value.Value      = (*Wrapped)(nil)
	_ value.LookupHook = (*Wrapped)(nil)
	_ value.Iterable   = (*Wrapped)(nil)
)

func (w *Wrapped) String() string {
	if s, ok := starlark.AsString(w.Value); ok {
		return s
	}
	return w.Value.String()
}

func (w *Wrapped) Truth() bool { return bool(w.Value.Truth()) }

func (w *Wrapped) OnLookup(key string) (value.Value, bool) {
	ha, ok := w.Value.(starlark.HasAttrs)
	if !ok {
		return nil, false
	}
	v, err := ha.Attr(key)
	if err != nil || v == nil {
		return nil, false
	}
	return convert(v, w.log()), true
}

func (w *Wrapped) Items() ([]value.Value, error) {
	it, ok := w.Value.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s value is not iterable", w.Value.Type())
	}
	iter := it.Iterate()
	defer iter.Done()
	var out []value.Value
	var x starlark.Value
	for iter.Next(&x) {
		out = append(out, convert(x, w.log()))
	}
	return out, nil
}

func (w *Wrapped) log() *slog.Logger {
	if w.logger == nil {
		return slog.Default()
	}
	return w.logger
}
