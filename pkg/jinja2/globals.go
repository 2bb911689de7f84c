package jinja2

import (
	"context"

	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

// maxRange bounds the length of range() results.
const maxRange = 100000

func builtinGlobals() map[string]value.Value {
	return map[string]value.Value{
		"range":     value.CallableValue{Name: "range", Fn: globalRange},
		"dict":      value.CallableValue{Name: "dict", Fn: globalDict},
		"namespace": value.CallableValue{Name: "namespace", Fn: globalNamespace},
		"cycler":    value.CallableValue{Name: "cycler", Fn: globalCycler},
		"joiner":    value.CallableValue{Name: "joiner", Fn: globalJoiner},
		"raise":     value.CallableValue{Name: "raise", Fn: globalRaise},
	}
}

func globalRange(_ context.Context, a value.Args) (value.Value, error) {
	ints := make([]int64, len(a.Positional))
	for i, p := range a.Positional {
		n, ok := value.ToInt(p)
		if !ok {
			return nil, tplerr.Runtime("range() arguments must be integers, got %s", value.TypeName(p))
		}
		ints[i] = n
	}
	var start, stop, step int64 = 0, 0, 1
	switch len(ints) {
	case 1:
		stop = ints[0]
	case 2:
		start, stop = ints[0], ints[1]
	case 3:
		start, stop, step = ints[0], ints[1], ints[2]
	default:
		return nil, tplerr.Runtime("range expected 1 to 3 arguments, got %d", len(ints))
	}
	if step == 0 {
		return nil, tplerr.Runtime("range() arg 3 must not be zero")
	}
	out := value.ListValue{}
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		if len(out) >= maxRange {
			return nil, tplerr.Runtime("range too big, maximum is %d", maxRange)
		}
		out = append(out, value.IntValue(i))
	}
	return out, nil
}

func globalDict(_ context.Context, a value.Args) (value.Value, error) {
	d := value.NewDict()
	for _, p := range a.Positional {
		src, ok := p.(*value.DictValue)
		if !ok {
			return nil, tplerr.Runtime("dict() positional argument must be a dict, got %s", value.TypeName(p))
		}
		d.Update(src)
	}
	if a.Keywords != nil {
		d.Update(a.Keywords)
	}
	return d, nil
}

// Namespace is a mutable attribute holder. It is the one object whose
// attributes templates may assign, so values set inside a loop body are
// visible after the loop.
type Namespace struct {
	attrs *value.DictValue
}

func (n *Namespace) String() string { return "<Namespace " + value.Repr(n.attrs) + ">" }
func (n *Namespace) Truth() bool    { return true }

func (n *Namespace) OnLookup(key string) (value.Value, bool) { return n.attrs.Get(key) }

func (n *Namespace) OnSet(key string, v value.Value) error {
	n.attrs.Set(key, v)
	return nil
}

func globalNamespace(ctx context.Context, a value.Args) (value.Value, error) {
	d, err := globalDict(ctx, a)
	if err != nil {
		return nil, err
	}
	return &Namespace{attrs: d.(*value.DictValue)}, nil
}

// cycler steps through its items, one per next() call.
type cycler struct {
	items []value.Value
	pos   int
}

func (c *cycler) String() string { return "<cycler>" }
func (c *cycler) Truth() bool    { return true }

func (c *cycler) OnLookup(key string) (value.Value, bool) {
	switch key {
	case "current":
		return c.items[c.pos], true
	case "next":
		return value.NewFunc("next", func([]value.Value) (value.Value, error) {
			v := c.items[c.pos]
			c.pos = (c.pos + 1) % len(c.items)
			return v, nil
		}), true
	case "reset":
		return value.NewFunc("reset", func([]value.Value) (value.Value, error) {
			c.pos = 0
			return value.None, nil
		}), true
	}
	return nil, false
}

func globalCycler(_ context.Context, a value.Args) (value.Value, error) {
	if len(a.Positional) == 0 {
		return nil, tplerr.Runtime("cycler requires at least one item")
	}
	return &cycler{items: append([]value.Value(nil), a.Positional...)}, nil
}

// globalJoiner returns a callable that yields "" on its first call and the
// separator afterwards.
func globalJoiner(_ context.Context, a value.Args) (value.Value, error) {
	sep := a.Arg(0, "sep")
	if sep == nil {
		sep = value.StringValue(", ")
	}
	used := false
	return value.NewFunc("joiner", func([]value.Value) (value.Value, error) {
		if !used {
			used = true
			return value.StringValue(""), nil
		}
		return sep, nil
	}), nil
}

func globalRaise(_ context.Context, a value.Args) (value.Value, error) {
	msg := "raised from template"
	if m := a.Arg(0, "message"); m != nil {
		msg = m.String()
	}
	return nil, tplerr.Runtime("%s", msg)
}
