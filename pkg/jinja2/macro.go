package jinja2

import (
	"context"
	"strings"

	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

// Macro is a callable defined with {% macro %}, or the caller body of a
// {% call %} block. It closes over the frame it was defined in, so later
// assignments there are visible to it.
type Macro struct {
	name     string
	params   []string
	defaults []evalFn
	body     proc
	st       *State
	frame    *Frame
}

func (m *Macro) String() string { return "<macro " + m.name + ">" }
func (m *Macro) Truth() bool    { return true }

// Name returns the macro name.
func (m *Macro) Name() string { return m.name }

// Call renders the macro body. Extra positional arguments are available
// as varargs, unknown keyword arguments as kwargs, and a caller keyword as
// caller().
func (m *Macro) Call(_ context.Context, a value.Args) (value.Value, error) {
	st := m.st
	st.shared.depth++
	defer func() { st.shared.depth-- }()
	if st.shared.depth > maxMacroDepth {
		return nil, tplerr.Runtime("maximum recursion depth exceeded in macro '%s'", m.name)
	}

	f := m.frame.Push()
	bound := make(map[string]bool, len(m.params))
	varargs := value.ListValue{}
	for i, v := range a.Positional {
		if i < len(m.params) {
			f.Set(m.params[i], v)
			bound[m.params[i]] = true
			continue
		}
		varargs = append(varargs, v)
	}
	kwargs := value.NewDict()
	for _, k := range a.Keywords.Keys() {
		v, _ := a.Keywords.Get(k)
		if !m.declares(k) {
			if k == "caller" {
				f.Set("caller", v)
			} else {
				kwargs.Set(k, v)
			}
			continue
		}
		if bound[k] {
			return nil, tplerr.Runtime("macro '%s' got multiple values for argument '%s'", m.name, k)
		}
		f.Set(k, v)
		bound[k] = true
	}
	for i, p := range m.params {
		if bound[p] {
			continue
		}
		if m.defaults[i] == nil {
			f.Set(p, value.UndefinedHint(p, "parameter '"+p+"' was not provided"))
			continue
		}
		v, err := m.defaults[i](st, f)
		if err != nil {
			return nil, err
		}
		f.Set(p, v)
	}
	f.Set("varargs", varargs)
	f.Set("kwargs", kwargs)

	var buf strings.Builder
	if err := m.body(st, f, &buf); err != nil {
		return nil, stray(err)
	}
	return value.MarkupValue(buf.String()), nil
}

func (m *Macro) declares(name string) bool {
	for _, p := range m.params {
		if p == name {
			return true
		}
	}
	return false
}
