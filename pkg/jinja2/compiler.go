package jinja2

import (
	"sort"
	"strings"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

// proc renders statements into out.
type proc func(st *State, fr *Frame, out *strings.Builder) error

// evalFn evaluates an expression.
type evalFn func(st *State, fr *Frame) (value.Value, error)

// RenderUnit is a compiled template: a root procedure and the procedures
// of its blocks, once for direct and once for suspending execution. A unit
// is immutable and may be rendered concurrently.
type RenderUnit struct {
	Name       string
	direct     *program
	suspending *program
}

type program struct {
	root   proc
	blocks map[string]*blockDef
}

type blockDef struct {
	name     string
	scoped   bool
	required bool
	// blank is true when the body holds nothing but whitespace.
	blank bool
	body  proc
	pos   ast.Pos
}

func (u *RenderUnit) program(async bool) *program {
	if async {
		return u.suspending
	}
	return u.direct
}

// BlockNames lists the blocks the template defines, including blocks
// nested in conditionals.
func (u *RenderUnit) BlockNames() []string {
	names := make([]string, 0, len(u.direct.blocks))
	for n := range u.direct.blocks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CompileOptions configures Compile.
type CompileOptions struct {
	Name string
	// Extensions resolve CallExtensionNode nodes.
	Extensions []*Extension
}

// Compile lowers a parsed template into a render unit.
func Compile(doc *ast.Document, opts CompileOptions) (*RenderUnit, error) {
	u := &RenderUnit{Name: opts.Name}
	for _, async := range []bool{false, true} {
		c := &compiler{async: async, exts: opts.Extensions, blocks: map[string]*blockDef{}}
		root, err := c.stmts(doc.Nodes)
		if err != nil {
			return nil, err
		}
		p := &program{root: root, blocks: c.blocks}
		if async {
			u.suspending = p
		} else {
			u.direct = p
		}
	}
	return u, nil
}

// compiler produces one variant of a unit. The variants differ only in
// how suspension points are handled: await and iterate.
type compiler struct {
	async  bool
	exts   []*Extension
	blocks map[string]*blockDef
}

// await resolves futures. Direct code rejects futures and asynchronous
// sequences.
func (c *compiler) await(st *State, v value.Value) (value.Value, error) {
	for {
		if !c.async && isAsync(v) {
			return nil, tplerr.Runtime("asynchronous value used in direct mode")
		}
		f, ok := v.(*value.Future)
		if !ok {
			return v, nil
		}
		var err error
		if v, err = f.Await(st.ctx); err != nil {
			return nil, err
		}
	}
}

func isAsync(v value.Value) bool {
	switch v.(type) {
	case *value.Future, *value.AsyncSeq:
		return true
	}
	return false
}

// iterate returns the elements of v. Suspending code drains asynchronous
// sequences and awaits future elements.
func (c *compiler) iterate(st *State, v value.Value) ([]value.Value, error) {
	if err := st.force(v); err != nil {
		return nil, err
	}
	v, err := c.await(st, v)
	if err != nil {
		return nil, err
	}
	if seq, ok := v.(*value.AsyncSeq); ok && c.async {
		items, err := seq.Drain(st.ctx)
		if err != nil {
			return nil, err
		}
		v = value.ListValue(items)
	}
	items, err := value.Iterate(v)
	if err != nil || !c.async {
		return items, err
	}
	for i, it := range items {
		if items[i], err = c.await(st, it); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func at(pos ast.Pos, err error) error {
	if err == nil || isControl(err) {
		return err
	}
	return tplerr.At(err, pos.Line, pos.Col)
}

func (c *compiler) stmts(nodes []ast.Node) (proc, error) {
	procs := make([]proc, 0, len(nodes))
	for _, n := range nodes {
		p, err := c.stmt(n)
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	switch len(procs) {
	case 0:
		return func(*State, *Frame, *strings.Builder) error { return nil }, nil
	case 1:
		return procs[0], nil
	}
	return func(st *State, fr *Frame, out *strings.Builder) error {
		for _, p := range procs {
			if err := p(st, fr, out); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func (c *compiler) stmt(n ast.Node) (proc, error) {
	var p proc
	var err error
	switch n := n.(type) {
	case *ast.TextNode:
		text := n.Text
		return func(_ *State, _ *Frame, out *strings.Builder) error {
			out.WriteString(text)
			return nil
		}, nil
	case *ast.RawNode:
		text := n.Text
		return func(_ *State, _ *Frame, out *strings.Builder) error {
			out.WriteString(text)
			return nil
		}, nil
	case *ast.OutputNode:
		p, err = c.output(n)
	case *ast.SetNode:
		p, err = c.set(n)
	case *ast.SetBlockNode:
		p, err = c.setBlock(n)
	case *ast.IfNode:
		p, err = c.ifStmt(n)
	case *ast.ForNode:
		p, err = c.forStmt(n)
	case *ast.BlockNode:
		p, err = c.block(n)
	case *ast.ExtendsNode:
		p, err = c.extends(n)
	case *ast.IncludeNode:
		p, err = c.include(n)
	case *ast.ImportNode:
		p, err = c.importStmt(n)
	case *ast.FromImportNode:
		p, err = c.fromImport(n)
	case *ast.MacroNode:
		p, err = c.macro(n)
	case *ast.CallBlockNode:
		p, err = c.callBlock(n)
	case *ast.FilterBlockNode:
		p, err = c.filterBlock(n)
	case *ast.DoNode:
		p, err = c.do(n)
	case *ast.WithNode:
		p, err = c.with(n)
	case *ast.AutoescapeNode:
		p, err = c.autoescape(n)
	case *ast.BreakNode:
		return func(*State, *Frame, *strings.Builder) error { return errBreak }, nil
	case *ast.ContinueNode:
		return func(*State, *Frame, *strings.Builder) error { return errContinue }, nil
	case *ast.CallExtensionNode:
		p, err = c.callExtension(n)
	default:
		pos := n.Position()
		return nil, tplerr.Compile(pos.Line, pos.Col, "no compiler rule for node %T", n)
	}
	if err != nil {
		return nil, err
	}
	pos := n.Position()
	return func(st *State, fr *Frame, out *strings.Builder) error {
		return at(pos, p(st, fr, out))
	}, nil
}

func (c *compiler) output(n *ast.OutputNode) (proc, error) {
	e, err := c.expr(n.Expr)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, out *strings.Builder) error {
		v, err := e(st, fr)
		if err != nil {
			return err
		}
		return st.write(out, v)
	}, nil
}

// assigner binds a value to an assignment target.
type assigner func(st *State, fr *Frame, v value.Value) error

func (c *compiler) target(t ast.Expr) (assigner, error) {
	switch t := t.(type) {
	case *ast.Name:
		name := t.Name
		return func(_ *State, fr *Frame, v value.Value) error {
			fr.Set(name, v)
			return nil
		}, nil
	case *ast.NSRef:
		return func(st *State, fr *Frame, v value.Value) error {
			ns := st.lookup(fr, t.Name)
			sh, ok := ns.(value.SetHook)
			if !ok {
				return tplerr.Runtime("cannot assign attribute on non-namespace object '%s'", t.Name)
			}
			return sh.OnSet(t.Attr, v)
		}, nil
	case *ast.Tuple:
		subs := make([]assigner, len(t.Items))
		for i, it := range t.Items {
			a, err := c.target(it)
			if err != nil {
				return nil, err
			}
			subs[i] = a
		}
		return func(st *State, fr *Frame, v value.Value) error {
			items, err := c.iterate(st, v)
			if err != nil {
				return err
			}
			if len(items) != len(subs) {
				if len(items) > len(subs) {
					return tplerr.Runtime("too many values to unpack (expected %d)", len(subs))
				}
				return tplerr.Runtime("not enough values to unpack (expected %d, got %d)", len(subs), len(items))
			}
			for i, a := range subs {
				if err := a(st, fr, items[i]); err != nil {
					return err
				}
			}
			return nil
		}, nil
	}
	pos := t.Position()
	return nil, tplerr.Compile(pos.Line, pos.Col, "cannot assign to %s", ast.String(t))
}

func (c *compiler) set(n *ast.SetNode) (proc, error) {
	assign, err := c.target(n.Target)
	if err != nil {
		return nil, err
	}
	e, err := c.expr(n.Value)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, _ *strings.Builder) error {
		v, err := e(st, fr)
		if err != nil {
			return err
		}
		return assign(st, fr, v)
	}, nil
}

// filterFn applies a filter to an already computed value.
type filterFn func(st *State, fr *Frame, v value.Value) (value.Value, error)

func (c *compiler) filterChain(filters []*ast.Filter) ([]filterFn, error) {
	out := make([]filterFn, 0, len(filters))
	for _, f := range filters {
		fn, err := c.filterApply(f)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

func applyChain(st *State, fr *Frame, v value.Value, chain []filterFn) (value.Value, error) {
	for _, f := range chain {
		var err error
		if v, err = f(st, fr, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (c *compiler) setBlock(n *ast.SetBlockNode) (proc, error) {
	assign, err := c.target(n.Target)
	if err != nil {
		return nil, err
	}
	body, err := c.stmts(n.Body)
	if err != nil {
		return nil, err
	}
	chain, err := c.filterChain(n.Filters)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, _ *strings.Builder) error {
		var buf strings.Builder
		if err := body(st, fr, &buf); err != nil {
			return err
		}
		v, err := applyChain(st, fr, st.markup(buf.String()), chain)
		if err != nil {
			return err
		}
		return assign(st, fr, v)
	}, nil
}

func (c *compiler) ifStmt(n *ast.IfNode) (proc, error) {
	type branch struct {
		cond evalFn
		body proc
	}
	var branches []branch
	add := func(cond ast.Expr, body []ast.Node) error {
		e, err := c.expr(cond)
		if err != nil {
			return err
		}
		b, err := c.stmts(body)
		if err != nil {
			return err
		}
		branches = append(branches, branch{e, b})
		return nil
	}
	if err := add(n.Cond, n.Then); err != nil {
		return nil, err
	}
	for _, el := range n.Elifs {
		if err := add(el.Cond, el.Body); err != nil {
			return nil, err
		}
	}
	elseBody, err := c.stmts(n.Else)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, out *strings.Builder) error {
		for _, b := range branches {
			v, err := b.cond(st, fr)
			if err != nil {
				return err
			}
			ok, err := st.truth(v)
			if err != nil {
				return err
			}
			if ok {
				return b.body(st, fr, out)
			}
		}
		return elseBody(st, fr, out)
	}, nil
}

func (c *compiler) forStmt(n *ast.ForNode) (proc, error) {
	assign, err := c.target(n.Target)
	if err != nil {
		return nil, err
	}
	iter, err := c.expr(n.Iter)
	if err != nil {
		return nil, err
	}
	var test evalFn
	if n.Test != nil {
		if test, err = c.expr(n.Test); err != nil {
			return nil, err
		}
	}
	body, err := c.stmts(n.Body)
	if err != nil {
		return nil, err
	}
	var elseBody proc
	if n.Else != nil {
		if elseBody, err = c.stmts(n.Else); err != nil {
			return nil, err
		}
	}
	recursive := n.Recursive

	return func(st *State, fr *Frame, out *strings.Builder) error {
		var run func(items []value.Value, depth int, out *strings.Builder) (bool, error)
		run = func(items []value.Value, depth int, out *strings.Builder) (bool, error) {
			if test != nil {
				kept := items[:0:0]
				for _, it := range items {
					f := fr.Push()
					if err := assign(st, f, it); err != nil {
						return false, err
					}
					v, err := test(st, f)
					if err != nil {
						return false, err
					}
					ok, err := st.truth(v)
					if err != nil {
						return false, err
					}
					if ok {
						kept = append(kept, it)
					}
				}
				items = kept
			}
			loop := &loopValue{items: items, depth: depth}
			if recursive {
				loop.recurse = func(v value.Value) (value.Value, error) {
					sub, err := c.iterate(st, v)
					if err != nil {
						return nil, err
					}
					var buf strings.Builder
					if _, err := run(sub, depth+1, &buf); err != nil {
						return nil, err
					}
					return st.markup(buf.String()), nil
				}
			}
			for i, it := range items {
				loop.index = i
				f := fr.Push()
				if err := assign(st, f, it); err != nil {
					return false, err
				}
				f.Set("loop", loop)
				err := body(st, f, out)
				if err == errContinue {
					continue
				}
				if err == errBreak {
					break
				}
				if err != nil {
					return false, err
				}
			}
			return len(items) > 0, nil
		}

		v, err := iter(st, fr)
		if err != nil {
			return err
		}
		items, err := c.iterate(st, v)
		if err != nil {
			return err
		}
		ran, err := run(items, 0, out)
		if err != nil {
			return err
		}
		if !ran && elseBody != nil {
			return elseBody(st, fr, out)
		}
		return nil
	}, nil
}

func (c *compiler) macroValue(name string, params []ast.Param, body []ast.Node) (func(st *State, fr *Frame) *Macro, error) {
	b, err := c.stmts(body)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(params))
	defaults := make([]evalFn, len(params))
	for i, p := range params {
		names[i] = p.Name
		if p.Default != nil {
			if defaults[i], err = c.expr(p.Default); err != nil {
				return nil, err
			}
		}
	}
	return func(st *State, fr *Frame) *Macro {
		return &Macro{name: name, params: names, defaults: defaults, body: b, st: st, frame: fr}
	}, nil
}

func (c *compiler) macro(n *ast.MacroNode) (proc, error) {
	mk, err := c.macroValue(n.Name, n.Params, n.Body)
	if err != nil {
		return nil, err
	}
	name := n.Name
	return func(st *State, fr *Frame, _ *strings.Builder) error {
		fr.Set(name, mk(st, fr))
		return nil
	}, nil
}

func (c *compiler) callBlock(n *ast.CallBlockNode) (proc, error) {
	mk, err := c.macroValue("caller", n.Params, n.Body)
	if err != nil {
		return nil, err
	}
	callee, err := c.expr(n.Call.Node)
	if err != nil {
		return nil, err
	}
	args, err := c.callArgs(n.Call.CallArgs)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, out *strings.Builder) error {
		fn, err := callee(st, fr)
		if err != nil {
			return err
		}
		a, err := args(st, fr)
		if err != nil {
			return err
		}
		if a.Keywords == nil {
			a.Keywords = value.NewDict()
		}
		a.Keywords.Set("caller", mk(st, fr))
		v, err := st.Call(fn, a)
		if err != nil {
			return err
		}
		if v, err = c.await(st, v); err != nil {
			return err
		}
		return st.write(out, v)
	}, nil
}

func (c *compiler) filterBlock(n *ast.FilterBlockNode) (proc, error) {
	body, err := c.stmts(n.Body)
	if err != nil {
		return nil, err
	}
	chain, err := c.filterChain(n.Filters)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, out *strings.Builder) error {
		var buf strings.Builder
		if err := body(st, fr, &buf); err != nil {
			return err
		}
		v, err := applyChain(st, fr, st.markup(buf.String()), chain)
		if err != nil {
			return err
		}
		return st.write(out, v)
	}, nil
}

func (c *compiler) do(n *ast.DoNode) (proc, error) {
	e, err := c.expr(n.Expr)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, _ *strings.Builder) error {
		_, err := e(st, fr)
		return err
	}, nil
}

func (c *compiler) with(n *ast.WithNode) (proc, error) {
	targets := make([]assigner, len(n.Targets))
	values := make([]evalFn, len(n.Values))
	for i := range n.Targets {
		var err error
		if targets[i], err = c.target(n.Targets[i]); err != nil {
			return nil, err
		}
		if values[i], err = c.expr(n.Values[i]); err != nil {
			return nil, err
		}
	}
	body, err := c.stmts(n.Body)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, out *strings.Builder) error {
		vals := make([]value.Value, len(values))
		for i, e := range values {
			v, err := e(st, fr)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		f := fr.Push()
		for i, a := range targets {
			if err := a(st, f, vals[i]); err != nil {
				return err
			}
		}
		return body(st, f, out)
	}, nil
}

func (c *compiler) autoescape(n *ast.AutoescapeNode) (proc, error) {
	e, err := c.expr(n.Enabled)
	if err != nil {
		return nil, err
	}
	body, err := c.stmts(n.Body)
	if err != nil {
		return nil, err
	}
	return func(st *State, fr *Frame, out *strings.Builder) error {
		v, err := e(st, fr)
		if err != nil {
			return err
		}
		on, err := st.truth(v)
		if err != nil {
			return err
		}
		prev := st.autoescape
		st.autoescape = on
		defer func() { st.autoescape = prev }()
		return body(st, fr, out)
	}, nil
}

func (c *compiler) callExtension(n *ast.CallExtensionNode) (proc, error) {
	var ext *Extension
	for _, x := range c.exts {
		if x.Name == n.Ext {
			ext = x
			break
		}
	}
	if ext == nil {
		return nil, tplerr.Compile(n.Line, n.Col, "no extension named '%s'", n.Ext)
	}
	method, ok := ext.Methods[n.Method]
	if !ok {
		return nil, tplerr.Compile(n.Line, n.Col, "extension '%s' has no method '%s'", n.Ext, n.Method)
	}
	args := make([]evalFn, len(n.Args))
	for i, a := range n.Args {
		var err error
		if args[i], err = c.expr(a); err != nil {
			return nil, err
		}
	}
	bodies := make([]proc, len(n.Bodies))
	for i, b := range n.Bodies {
		var err error
		if bodies[i], err = c.stmts(b); err != nil {
			return nil, err
		}
	}
	return func(st *State, fr *Frame, out *strings.Builder) error {
		vals := make([]value.Value, len(args))
		for i, e := range args {
			v, err := e(st, fr)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		renders := make([]func() (string, error), len(bodies))
		for i, b := range bodies {
			b := b
			renders[i] = func() (string, error) {
				var buf strings.Builder
				err := b(st, fr, &buf)
				return buf.String(), err
			}
		}
		v, err := method(st, vals, renders)
		if err != nil {
			return err
		}
		if v == nil {
			return nil
		}
		if v, err = c.await(st, v); err != nil {
			return err
		}
		return st.write(out, v)
	}, nil
}

// isBlank reports whether nodes hold only whitespace text.
func isBlank(nodes []ast.Node) bool {
	for _, n := range nodes {
		t, ok := n.(*ast.TextNode)
		if !ok || strings.TrimSpace(t.Text) != "" {
			return false
		}
	}
	return true
}
