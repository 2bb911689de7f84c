package jinja2

import (
	"context"
	"sort"
	"strings"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

func (c *compiler) block(n *ast.BlockNode) (proc, error) {
	body, err := c.stmts(n.Body)
	if err != nil {
		return nil, err
	}
	c.blocks[n.Name] = &blockDef{
		name:     n.Name,
		scoped:   n.Scoped,
		required: n.Required,
		blank:    isBlank(n.Body),
		body:     body,
		pos:      n.Pos,
	}
	name, scoped := n.Name, n.Scoped
	return func(st *State, fr *Frame, out *strings.Builder) error {
		if st.parent != nil {
			return nil
		}
		var f *Frame
		if scoped {
			f = fr.Push()
		} else {
			f = st.top.Push()
		}
		return st.renderBlock(name, f, out)
	}, nil
}

// addBlocks appends t's blocks to the chains. Templates are added child
// first, so the head of a chain is the most derived override.
func (st *State) addBlocks(t *Template) error {
	blocks := t.unit.program(st.async).blocks
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := blocks[name]
		if b.required && !b.blank {
			return tplerr.At(tplerr.Runtime("required block '%s' may only contain whitespace or comments", name), b.pos.Line, b.pos.Col)
		}
		st.blocks[name] = append(st.blocks[name], b)
	}
	return nil
}

// renderBlock renders the head of the chain for name. Overrides that are
// blank do not satisfy a required block further up the chain.
func (st *State) renderBlock(name string, fr *Frame, out *strings.Builder) error {
	chain := st.blocks[name]
	if len(chain) == 0 {
		return tplerr.Runtime("no block named '%s'", name)
	}
	for _, b := range chain {
		if b.required {
			return tplerr.Runtime("Required block '%s' not found", name)
		}
		if !b.blank {
			break
		}
	}
	return st.renderLink(name, chain, 0, fr, out)
}

func (st *State) renderLink(name string, chain []*blockDef, i int, fr *Frame, out *strings.Builder) error {
	f := fr.Push()
	f.Set("super", value.CallableValue{Name: "super", Fn: func(context.Context, value.Args) (value.Value, error) {
		if i+1 >= len(chain) {
			return nil, tplerr.Runtime("no super block available for '%s'", name)
		}
		var buf strings.Builder
		if err := st.renderLink(name, chain, i+1, fr, &buf); err != nil {
			return nil, err
		}
		return st.markup(buf.String()), nil
	}})
	return chain[i].body(st, f, out)
}

// selfValue exposes the blocks of the running template as callables.
type selfValue struct {
	st *State
}

func (s *selfValue) String() string { return "<template " + s.st.tmpl.name + ">" }
func (s *selfValue) Truth() bool    { return true }

func (s *selfValue) OnLookup(name string) (value.Value, bool) {
	if len(s.st.blocks[name]) == 0 {
		return nil, false
	}
	st := s.st
	return value.CallableValue{Name: name, Fn: func(context.Context, value.Args) (value.Value, error) {
		var buf strings.Builder
		if err := st.renderBlock(name, st.top.Push(), &buf); err != nil {
			return nil, err
		}
		return st.markup(buf.String()), nil
	}}, true
}

// templateNames turns the value of an include or extends expression into
// candidate names.
func templateNames(v value.Value) ([]string, error) {
	switch t := v.(type) {
	case value.StringValue:
		return []string{string(t)}, nil
	case value.MarkupValue:
		return []string{string(t)}, nil
	case value.ListValue:
		names := make([]string, 0, len(t))
		for _, x := range t {
			s, ok := x.(value.StringValue)
			if !ok {
				return nil, tplerr.Runtime("template name must be a string, got %s", value.TypeName(x))
			}
			names = append(names, string(s))
		}
		return names, nil
	case *value.UndefinedValue:
		return nil, t.Err()
	}
	return nil, tplerr.Runtime("template name must be a string, got %s", value.TypeName(v))
}

func (c *compiler) extends(n *ast.ExtendsNode) (proc, error) {
	e, err := c.expr(n.Template)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, _ *strings.Builder) error {
		v, err := e(st, fr)
		if err != nil {
			return err
		}
		names, err := templateNames(v)
		if err != nil {
			return err
		}
		if st.parent != nil {
			return tplerr.Runtime("template '%s' extended multiple times", st.tmpl.name)
		}
		t, err := st.env.selectTemplate(st.ctx, names)
		if err != nil {
			return err
		}
		st.parent = t
		return st.addBlocks(t)
	}, nil
}

func (c *compiler) include(n *ast.IncludeNode) (proc, error) {
	e, err := c.expr(n.Template)
	if err != nil {
		return nil, err
	}
	ignore, withContext := n.IgnoreMissing, n.WithContext
	return func(st *State, fr *Frame, out *strings.Builder) error {
		v, err := e(st, fr)
		if err != nil {
			return err
		}
		names, err := templateNames(v)
		if err != nil {
			return err
		}
		t, err := st.env.selectTemplate(st.ctx, names)
		if err != nil {
			if ignore && (tplerr.IsKind(err, tplerr.KindTemplateNotFound) || tplerr.IsKind(err, tplerr.KindTemplatesNotFound)) {
				return nil
			}
			return err
		}
		f := newFrame(nil)
		if withContext {
			f = fr.Push()
		}
		return boundary(st.sub(t).run(t, f, out), t.name)
	}, nil
}

// ModuleValue is an imported template: its exported macros and top-level
// assignments.
type ModuleValue struct {
	Name    string
	Exports *value.DictValue
}

func (m *ModuleValue) String() string { return "<module " + m.Name + ">" }
func (m *ModuleValue) Truth() bool    { return true }

func (m *ModuleValue) OnLookup(key string) (value.Value, bool) {
	if v, ok := m.Exports.Get(key); ok {
		return v, true
	}
	return value.UndefinedHint(key, "the template '"+m.Name+"' does not export the requested name '"+key+"'"), true
}

func (st *State) importModule(e evalFn, fr *Frame, withContext bool) (*ModuleValue, error) {
	v, err := e(st, fr)
	if err != nil {
		return nil, err
	}
	names, err := templateNames(v)
	if err != nil {
		return nil, err
	}
	t, err := st.env.selectTemplate(st.ctx, names)
	if err != nil {
		return nil, err
	}
	f := newFrame(nil)
	if withContext {
		f = fr.Push()
	}
	var discard strings.Builder
	if err := st.sub(t).run(t, f, &discard); err != nil {
		return nil, boundary(err, t.name)
	}
	keys := make([]string, 0, len(f.vars))
	for k := range f.vars {
		if !strings.HasPrefix(k, "_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	exports := value.NewDict()
	for _, k := range keys {
		exports.Set(k, f.vars[k])
	}
	return &ModuleValue{Name: t.name, Exports: exports}, nil
}

func (c *compiler) importStmt(n *ast.ImportNode) (proc, error) {
	e, err := c.expr(n.Template)
	if err != nil {
		return nil, err
	}
	target, withContext := n.Target, n.WithContext
	return func(st *State, fr *Frame, _ *strings.Builder) error {
		mod, err := st.importModule(e, fr, withContext)
		if err != nil {
			return err
		}
		fr.Set(target, mod)
		return nil
	}, nil
}

func (c *compiler) fromImport(n *ast.FromImportNode) (proc, error) {
	e, err := c.expr(n.Template)
	if err != nil {
		return nil, err
	}
	names, withContext := n.Names, n.WithContext
	return func(st *State, fr *Frame, _ *strings.Builder) error {
		mod, err := st.importModule(e, fr, withContext)
		if err != nil {
			return err
		}
		for _, in := range names {
			v, ok := mod.Exports.Get(in.Name)
			if !ok {
				return tplerr.Undefined("cannot import '%s' from '%s'", in.Name, mod.Name)
			}
			alias := in.Alias
			if alias == "" {
				alias = in.Name
			}
			fr.Set(alias, v)
		}
		return nil
	}, nil
}
