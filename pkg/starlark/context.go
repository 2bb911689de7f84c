package starlark

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/neurodesk/jinja/pkg/jinja2"
	"github.com/neurodesk/jinja/pkg/value"
)

// Host receives the filters, tests and globals a script registers.
// *jinja2.Environment implements it.
type Host interface {
	AddFilter(name string, fn jinja2.FilterFunc)
	AddTest(name string, fn jinja2.TestFunc)
	AddGlobal(name string, v any)
}

var _ Host = (*jinja2.Environment)(nil)

// NewEvaluatorWithHost creates an evaluator whose scripts can call
// register_filter, register_test and set_global to extend h.
func NewEvaluatorWithHost(h Host, opts ...Option) *Evaluator {
	e := NewEvaluator(opts...)
	for k, v := range hostBuiltins(h, e) {
		e.builtins[k] = v
	}
	return e
}

func hostBuiltins(h Host, e *Evaluator) starlark.StringDict {
	return starlark.StringDict{
		"register_filter": starlark.NewBuiltin("register_filter", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var f starlark.Callable
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &name, &f); err != nil {
				return nil, err
			}
			h.AddFilter(name, func(st *jinja2.State, v value.Value, a value.Args) (value.Value, error) {
				pos := append([]value.Value{v}, a.Positional...)
				res, err := call(st.Context(), e.logger, f, pos, a.Keywords)
				if err != nil {
					return nil, fmt.Errorf("filter %s: %w", name, err)
				}
				return convert(res, e.logger), nil
			})
			e.logger.Debug("registered starlark filter", "name", name)
			return f, nil
		}),

		"register_test": starlark.NewBuiltin("register_test", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var f starlark.Callable
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &name, &f); err != nil {
				return nil, err
			}
			h.AddTest(name, func(st *jinja2.State, v value.Value, a value.Args) (bool, error) {
				pos := append([]value.Value{v}, a.Positional...)
				res, err := call(st.Context(), e.logger, f, pos, a.Keywords)
				if err != nil {
					return false, fmt.Errorf("test %s: %w", name, err)
				}
				return bool(res.Truth()), nil
			})
			e.logger.Debug("registered starlark test", "name", name)
			return f, nil
		}),

		"set_global": starlark.NewBuiltin("set_global", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var v starlark.Value
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &name, &v); err != nil {
				return nil, err
			}
			h.AddGlobal(name, convert(v, e.logger))
			return starlark.None, nil
		}),
	}
}

// Install adds every exported global of e to h.
func (e *Evaluator) Install(h Host) {
	g := e.Export()
	for _, k := range g.Keys() {
		v, _ := g.Get(k)
		h.AddGlobal(k, v)
	}
}
