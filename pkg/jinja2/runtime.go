package jinja2

import (
	"context"
	"errors"
	"strings"

	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

// maxMacroDepth bounds nested macro calls within one render.
const maxMacroDepth = 500

var (
	errBreak    = errors.New("break")
	errContinue = errors.New("continue")
)

func isControl(err error) bool { return err == errBreak || err == errContinue }

// Frame is a scope of a render. Frames link to their parent for lookup and
// never outlive the render that created them.
type Frame struct {
	vars   map[string]value.Value
	parent *Frame
}

func newFrame(parent *Frame) *Frame {
	return &Frame{vars: map[string]value.Value{}, parent: parent}
}

// Push returns a child frame.
func (f *Frame) Push() *Frame { return newFrame(f) }

// Set binds name in f.
func (f *Frame) Set(name string, v value.Value) { f.vars[name] = v }

// Lookup resolves name through f and its ancestors.
func (f *Frame) Lookup(name string) (value.Value, bool) {
	for fr := f; fr != nil; fr = fr.parent {
		if v, ok := fr.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// shared is the part of a render common to the templates it pulls in.
type shared struct {
	depth int
}

// State is the per-render state handed to compiled code, filters, tests
// and extension methods. A State is confined to the goroutine rendering
// it.
type State struct {
	ctx        context.Context
	env        *Environment
	tmpl       *Template
	shared     *shared
	async      bool
	autoescape bool

	// top is the template's top-level frame; non-scoped blocks run in a
	// child of it.
	top *Frame
	// parent is set by extends while the child's root runs.
	parent *Template
	blocks map[string][]*blockDef
}

func newState(ctx context.Context, env *Environment, t *Template, async bool) *State {
	return &State{
		ctx:        ctx,
		env:        env,
		tmpl:       t,
		shared:     &shared{},
		async:      async,
		autoescape: t.autoescape,
		blocks:     map[string][]*blockDef{},
	}
}

// sub returns a state for rendering t inside the current render, as
// include and import do. It has its own block chain.
func (st *State) sub(t *Template) *State {
	return &State{
		ctx:        st.ctx,
		env:        st.env,
		tmpl:       t,
		shared:     st.shared,
		async:      st.async,
		autoescape: t.autoescape,
		blocks:     map[string][]*blockDef{},
	}
}

// Context returns the context of the render.
func (st *State) Context() context.Context { return st.ctx }

// Env returns the environment.
func (st *State) Env() *Environment { return st.env }

// Autoescape reports whether output is currently escaped.
func (st *State) Autoescape() bool { return st.autoescape }

// Suspending reports whether the render runs in suspending mode.
func (st *State) Suspending() bool { return st.async }

// TemplateName is the name of the template being rendered.
func (st *State) TemplateName() string { return st.tmpl.name }

// Filter applies the named filter, as {{ v|name(args) }} would.
func (st *State) Filter(name string, v value.Value, args value.Args) (value.Value, error) {
	fn, ok := st.env.filter(name)
	if !ok {
		return nil, tplerr.Runtime("no filter named '%s'", name)
	}
	return fn(st, v, args)
}

// Test applies the named test, as {{ v is name(args) }} would.
func (st *State) Test(name string, v value.Value, args value.Args) (bool, error) {
	fn, ok := st.env.test(name)
	if !ok {
		return false, tplerr.Runtime("no test named '%s'", name)
	}
	return fn(st, v, args)
}

// Call invokes a callable value.
func (st *State) Call(v value.Value, args value.Args) (value.Value, error) {
	switch t := v.(type) {
	case *value.UndefinedValue:
		return nil, t.Err()
	case value.Caller:
		r, err := t.Call(st.ctx, args)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return value.None, nil
		}
		return r, nil
	}
	return nil, tplerr.Runtime("'%s' object is not callable", value.TypeName(v))
}

func (st *State) lookup(fr *Frame, name string) value.Value {
	if v, ok := fr.Lookup(name); ok {
		return v
	}
	if name == "self" {
		return &selfValue{st: st}
	}
	if v, ok := st.env.global(name); ok {
		return v
	}
	return value.Undefined(name)
}

// force rejects undefined values when the environment is strict.
func (st *State) force(v value.Value) error {
	if u, ok := v.(*value.UndefinedValue); ok && st.env.strict {
		return u.Err()
	}
	return nil
}

func (st *State) truth(v value.Value) (bool, error) {
	if err := st.force(v); err != nil {
		return false, err
	}
	return v.Truth(), nil
}

// write outputs v, escaping it when autoescape is on.
func (st *State) write(out *strings.Builder, v value.Value) error {
	if err := st.force(v); err != nil {
		return err
	}
	if value.IsUndefined(v) {
		return nil
	}
	if !st.async && isAsync(v) {
		return tplerr.Runtime("asynchronous value used in direct mode")
	}
	if st.autoescape {
		out.WriteString(string(value.Escape(v)))
		return nil
	}
	out.WriteString(v.String())
	return nil
}

// markup wraps rendered output so it is not escaped a second time.
func (st *State) markup(s string) value.Value {
	if st.autoescape {
		return value.MarkupValue(s)
	}
	return value.StringValue(s)
}

// run executes t's root with fr as its top-level frame and follows the
// extends chain. Output of a template that extends another is discarded.
func (st *State) run(t *Template, fr *Frame, out *strings.Builder) error {
	st.top = fr
	if err := st.addBlocks(t); err != nil {
		return err
	}
	var buf strings.Builder
	if err := t.unit.program(st.async).root(st, fr, &buf); err != nil {
		return err
	}
	for st.parent != nil {
		p := st.parent
		st.parent = nil
		buf.Reset()
		if err := p.unit.program(st.async).root(st, fr, &buf); err != nil {
			return err
		}
	}
	out.WriteString(buf.String())
	return nil
}

// boundary annotates err with the template it is leaving.
func boundary(err error, name string) error {
	if err == nil {
		return nil
	}
	return tplerr.From(stray(err)).Update(name)
}

// stray turns a loop control signal that escaped its body into an error.
func stray(err error) error {
	switch err {
	case errBreak:
		return tplerr.Runtime("break outside of a loop")
	case errContinue:
		return tplerr.Runtime("continue outside of a loop")
	}
	return err
}

// Items returns the elements of v as a for loop would see them, draining
// asynchronous sequences when the render is suspending.
func (st *State) Items(v value.Value) ([]value.Value, error) {
	return (&compiler{async: st.async}).iterate(st, v)
}

// Await resolves v if it is a future.
func (st *State) Await(v value.Value) (value.Value, error) {
	return (&compiler{async: st.async}).await(st, v)
}
