package jinja2

import (
	"fmt"
	"strings"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

func constValue(v any) value.Value {
	switch t := v.(type) {
	case nil:
		return value.None
	case bool:
		return value.BoolValue(t)
	case int64:
		return value.IntValue(t)
	case float64:
		return value.FloatValue(t)
	case string:
		return value.StringValue(t)
	}
	return value.FromGo(v)
}

func (c *compiler) exprs(es []ast.Expr) ([]evalFn, error) {
	out := make([]evalFn, len(es))
	for i, e := range es {
		var err error
		if out[i], err = c.expr(e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func evalAll(st *State, fr *Frame, fns []evalFn) (value.ListValue, error) {
	out := make(value.ListValue, len(fns))
	for i, f := range fns {
		v, err := f(st, fr)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *compiler) expr(e ast.Expr) (evalFn, error) {
	switch e := e.(type) {
	case *ast.Const:
		v := constValue(e.Value)
		return func(*State, *Frame) (value.Value, error) { return v, nil }, nil

	case *ast.Name:
		name := e.Name
		return func(st *State, fr *Frame) (value.Value, error) {
			return c.await(st, st.lookup(fr, name))
		}, nil

	case *ast.Getattr:
		obj, err := c.expr(e.Node)
		if err != nil {
			return nil, err
		}
		attr, pos := e.Attr, e.Pos
		return func(st *State, fr *Frame) (value.Value, error) {
			v, err := obj(st, fr)
			if err != nil {
				return nil, err
			}
			r, err := value.GetAttr(v, attr)
			if err != nil {
				return nil, at(pos, err)
			}
			return c.await(st, r)
		}, nil

	case *ast.Getitem:
		return c.getitem(e)

	case *ast.Unary:
		operand, err := c.expr(e.Node)
		if err != nil {
			return nil, err
		}
		op := e.Op
		if op == "not" {
			return func(st *State, fr *Frame) (value.Value, error) {
				v, err := operand(st, fr)
				if err != nil {
					return nil, err
				}
				ok, err := st.truth(v)
				return value.BoolValue(!ok), err
			}, nil
		}
		return func(st *State, fr *Frame) (value.Value, error) {
			v, err := operand(st, fr)
			if err != nil {
				return nil, err
			}
			return value.Unary(op, v)
		}, nil

	case *ast.Binary:
		return c.binary(e)

	case *ast.Concat:
		parts, err := c.exprs(e.Nodes)
		if err != nil {
			return nil, err
		}
		return func(st *State, fr *Frame) (value.Value, error) {
			vals, err := evalAll(st, fr, parts)
			if err != nil {
				return nil, err
			}
			return concat(st, vals)
		}, nil

	case *ast.Compare:
		return c.compare(e)

	case *ast.CondExpr:
		test, err := c.expr(e.Test)
		if err != nil {
			return nil, err
		}
		then, err := c.expr(e.Then)
		if err != nil {
			return nil, err
		}
		var els evalFn
		if e.Else != nil {
			if els, err = c.expr(e.Else); err != nil {
				return nil, err
			}
		}
		line := e.Line
		return func(st *State, fr *Frame) (value.Value, error) {
			v, err := test(st, fr)
			if err != nil {
				return nil, err
			}
			ok, err := st.truth(v)
			if err != nil {
				return nil, err
			}
			if ok {
				return then(st, fr)
			}
			if els == nil {
				return value.UndefinedHint("", fmt.Sprintf("the inline if-expression on line %d evaluated to false and no else section was defined", line)), nil
			}
			return els(st, fr)
		}, nil

	case *ast.Call:
		return c.call(e)

	case *ast.Filter:
		node, err := c.expr(e.Node)
		if err != nil {
			return nil, err
		}
		apply, err := c.filterApply(e)
		if err != nil {
			return nil, err
		}
		return func(st *State, fr *Frame) (value.Value, error) {
			v, err := node(st, fr)
			if err != nil {
				return nil, err
			}
			return apply(st, fr, v)
		}, nil

	case *ast.Test:
		return c.test(e)

	case *ast.Tuple:
		items, err := c.exprs(e.Items)
		if err != nil {
			return nil, err
		}
		return func(st *State, fr *Frame) (value.Value, error) {
			return evalAll(st, fr, items)
		}, nil

	case *ast.List:
		items, err := c.exprs(e.Items)
		if err != nil {
			return nil, err
		}
		return func(st *State, fr *Frame) (value.Value, error) {
			return evalAll(st, fr, items)
		}, nil

	case *ast.Dict:
		keys := make([]evalFn, len(e.Pairs))
		vals := make([]evalFn, len(e.Pairs))
		for i, p := range e.Pairs {
			var err error
			if keys[i], err = c.expr(p.Key); err != nil {
				return nil, err
			}
			if vals[i], err = c.expr(p.Value); err != nil {
				return nil, err
			}
		}
		return func(st *State, fr *Frame) (value.Value, error) {
			d := value.NewDict()
			for i := range keys {
				k, err := keys[i](st, fr)
				if err != nil {
					return nil, err
				}
				v, err := vals[i](st, fr)
				if err != nil {
					return nil, err
				}
				d.Set(k.String(), v)
			}
			return d, nil
		}, nil
	}
	pos := e.Position()
	return nil, tplerr.Compile(pos.Line, pos.Col, "no compiler rule for expression %T", e)
}

func (c *compiler) getitem(e *ast.Getitem) (evalFn, error) {
	obj, err := c.expr(e.Node)
	if err != nil {
		return nil, err
	}
	pos := e.Pos
	if s, ok := e.Arg.(*ast.Slice); ok {
		bounds := make([]evalFn, 3)
		for i, b := range []ast.Expr{s.Start, s.Stop, s.Step} {
			if b == nil {
				continue
			}
			if bounds[i], err = c.expr(b); err != nil {
				return nil, err
			}
		}
		return func(st *State, fr *Frame) (value.Value, error) {
			v, err := obj(st, fr)
			if err != nil {
				return nil, err
			}
			var bv [3]value.Value
			for i, b := range bounds {
				if b == nil {
					continue
				}
				if bv[i], err = b(st, fr); err != nil {
					return nil, err
				}
			}
			r, err := value.Slice(v, bv[0], bv[1], bv[2])
			return r, at(pos, err)
		}, nil
	}
	arg, err := c.expr(e.Arg)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame) (value.Value, error) {
		v, err := obj(st, fr)
		if err != nil {
			return nil, err
		}
		k, err := arg(st, fr)
		if err != nil {
			return nil, err
		}
		r, err := value.GetItem(v, k)
		if err != nil {
			return nil, at(pos, err)
		}
		return c.await(st, r)
	}, nil
}

func (c *compiler) binary(e *ast.Binary) (evalFn, error) {
	left, err := c.expr(e.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.expr(e.Right)
	if err != nil {
		return nil, err
	}
	op, pos := e.Op, e.Pos
	switch op {
	case "and", "or":
		return func(st *State, fr *Frame) (value.Value, error) {
			l, err := left(st, fr)
			if err != nil {
				return nil, err
			}
			ok, err := st.truth(l)
			if err != nil {
				return nil, err
			}
			if ok == (op == "or") {
				return l, nil
			}
			return right(st, fr)
		}, nil
	}
	return func(st *State, fr *Frame) (value.Value, error) {
		l, err := left(st, fr)
		if err != nil {
			return nil, err
		}
		r, err := right(st, fr)
		if err != nil {
			return nil, err
		}
		v, err := value.Binary(op, l, r)
		return v, at(pos, err)
	}, nil
}

// concat joins the string forms of vals. Markup operands make the result
// markup, with the other operands escaped.
func concat(st *State, vals value.ListValue) (value.Value, error) {
	safe := false
	for _, v := range vals {
		if err := st.force(v); err != nil {
			return nil, err
		}
		safe = safe || value.IsSafe(v)
	}
	var b strings.Builder
	for _, v := range vals {
		if safe {
			b.WriteString(string(value.Escape(v)))
		} else {
			b.WriteString(v.String())
		}
	}
	if safe {
		return value.MarkupValue(b.String()), nil
	}
	return value.StringValue(b.String()), nil
}

func (c *compiler) compare(e *ast.Compare) (evalFn, error) {
	first, err := c.expr(e.Expr)
	if err != nil {
		return nil, err
	}
	ops := make([]string, len(e.Ops))
	rights := make([]evalFn, len(e.Ops))
	for i, o := range e.Ops {
		ops[i] = o.Op
		if rights[i], err = c.expr(o.Expr); err != nil {
			return nil, err
		}
	}
	pos := e.Pos
	return func(st *State, fr *Frame) (value.Value, error) {
		l, err := first(st, fr)
		if err != nil {
			return nil, err
		}
		for i, op := range ops {
			r, err := rights[i](st, fr)
			if err != nil {
				return nil, err
			}
			ok, err := value.CompareOp(op, l, r)
			if err != nil {
				return nil, at(pos, err)
			}
			if !ok {
				return value.BoolValue(false), nil
			}
			l = r
		}
		return value.BoolValue(true), nil
	}, nil
}

type argsFn func(st *State, fr *Frame) (value.Args, error)

func (c *compiler) callArgs(a ast.CallArgs) (argsFn, error) {
	pos, err := c.exprs(a.Positional)
	if err != nil {
		return nil, err
	}
	kwNames := make([]string, len(a.Keywords))
	kwVals := make([]evalFn, len(a.Keywords))
	for i, k := range a.Keywords {
		kwNames[i] = k.Name
		if kwVals[i], err = c.expr(k.Value); err != nil {
			return nil, err
		}
	}
	var dynArgs, dynKwargs evalFn
	if a.DynArgs != nil {
		if dynArgs, err = c.expr(a.DynArgs); err != nil {
			return nil, err
		}
	}
	if a.DynKwargs != nil {
		if dynKwargs, err = c.expr(a.DynKwargs); err != nil {
			return nil, err
		}
	}
	return func(st *State, fr *Frame) (value.Args, error) {
		var out value.Args
		p, err := evalAll(st, fr, pos)
		if err != nil {
			return out, err
		}
		out.Positional = p
		if dynArgs != nil {
			v, err := dynArgs(st, fr)
			if err != nil {
				return out, err
			}
			extra, err := c.iterate(st, v)
			if err != nil {
				return out, err
			}
			out.Positional = append(out.Positional, extra...)
		}
		if len(kwNames) > 0 || dynKwargs != nil {
			out.Keywords = value.NewDict()
		}
		for i, name := range kwNames {
			v, err := kwVals[i](st, fr)
			if err != nil {
				return out, err
			}
			out.Keywords.Set(name, v)
		}
		if dynKwargs != nil {
			v, err := dynKwargs(st, fr)
			if err != nil {
				return out, err
			}
			d, ok := v.(*value.DictValue)
			if !ok {
				return out, tplerr.Runtime("argument after ** must be a mapping, not %s", value.TypeName(v))
			}
			out.Keywords.Update(d)
		}
		return out, nil
	}, nil
}

func (c *compiler) call(e *ast.Call) (evalFn, error) {
	callee, err := c.expr(e.Node)
	if err != nil {
		return nil, err
	}
	args, err := c.callArgs(e.CallArgs)
	if err != nil {
		return nil, err
	}
	pos := e.Pos
	return func(st *State, fr *Frame) (value.Value, error) {
		fn, err := callee(st, fr)
		if err != nil {
			return nil, err
		}
		a, err := args(st, fr)
		if err != nil {
			return nil, err
		}
		v, err := st.Call(fn, a)
		if err != nil {
			return nil, at(pos, err)
		}
		return c.await(st, v)
	}, nil
}

func (c *compiler) filterApply(f *ast.Filter) (filterFn, error) {
	args, err := c.callArgs(f.CallArgs)
	if err != nil {
		return nil, err
	}
	name, pos := f.Name, f.Pos
	return func(st *State, fr *Frame, v value.Value) (value.Value, error) {
		v, err := c.await(st, v)
		if err != nil {
			return nil, err
		}
		a, err := args(st, fr)
		if err != nil {
			return nil, err
		}
		r, err := st.Filter(name, v, a)
		if err != nil {
			return nil, at(pos, err)
		}
		return c.await(st, r)
	}, nil
}

func (c *compiler) test(e *ast.Test) (evalFn, error) {
	node, err := c.expr(e.Node)
	if err != nil {
		return nil, err
	}
	args, err := c.callArgs(e.CallArgs)
	if err != nil {
		return nil, err
	}
	name, pos := e.Name, e.Pos
	return func(st *State, fr *Frame) (value.Value, error) {
		v, err := node(st, fr)
		if err != nil {
			return nil, err
		}
		a, err := args(st, fr)
		if err != nil {
			return nil, err
		}
		ok, err := st.Test(name, v, a)
		if err != nil {
			return nil, at(pos, err)
		}
		return value.BoolValue(ok), nil
	}, nil
}
