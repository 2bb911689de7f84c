package jinja2

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurodesk/jinja/pkg/tplerr"
)

func memEnv(templates map[string]string) *Environment {
	return MustNew(Config{Loader: MemoryLoader(templates), Extensions: []*Extension{LoopControls()}})
}

func mustRender(t *testing.T, env *Environment, name string, data any) string {
	t.Helper()
	out, err := env.Render(name, data)
	require.NoError(t, err)
	return out
}

func TestInclude(t *testing.T) {
	env := memEnv(map[string]string{
		"main":     "X[{% include 'p' %}]Y",
		"loop":     "{% for x in [1, 2] %}{% include 'p' %}{% endfor %}",
		"isolated": "[{% include 'p' without context %}]",
		"choice":   "{% include ['missing', 'p'] %}",
		"ignore":   "[{% include 'missing' ignore missing %}]",
		"dynamic":  "{% include name %}",
		"p":        "{{ x }}",
	})
	assert.Equal(t, "X[5]Y", mustRender(t, env, "main", map[string]any{"x": 5}))
	assert.Equal(t, "12", mustRender(t, env, "loop", nil))
	assert.Equal(t, "[]", mustRender(t, env, "isolated", map[string]any{"x": 5}))
	assert.Equal(t, "5", mustRender(t, env, "choice", map[string]any{"x": 5}))
	assert.Equal(t, "[]", mustRender(t, env, "ignore", nil))
	assert.Equal(t, "7", mustRender(t, env, "dynamic", map[string]any{"name": "p", "x": 7}))
}

func TestIncludeMissing(t *testing.T) {
	env := memEnv(map[string]string{
		"one":  "{% include 'nope' %}",
		"many": "{% include ['a', 'b'] %}",
	})

	_, err := env.Render("one", nil)
	require.Error(t, err)
	assert.True(t, tplerr.IsKind(err, tplerr.KindTemplateNotFound))
	assert.True(t, errors.Is(err, ErrTemplateNotFound))

	_, err = env.Render("many", nil)
	require.Error(t, err)
	assert.True(t, tplerr.IsKind(err, tplerr.KindTemplatesNotFound))
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
	var e *tplerr.Error
	require.True(t, errors.As(err, &e))
	assert.Len(t, e.Errs, 2)
}

func TestErrorTrail(t *testing.T) {
	env := memEnv(map[string]string{
		"main": "a\n{% include 'bad' %}",
		"bad":  "{{ missing.attr }}",
	})
	_, err := env.Render("main", nil)
	require.Error(t, err)
	var e *tplerr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, []string{"bad", "main"}, e.Trail())
	assert.Equal(t, "bad", e.Path)
	assert.Equal(t, tplerr.KindUndefined, e.Kind)
	assert.Contains(t, err.Error(), "(main)\n (bad) [Line 1, Column")
}

func TestExtendsAndBlocks(t *testing.T) {
	env := memEnv(map[string]string{
		"base":    "Header-{% block content %}Default{% endblock %}-Footer",
		"child":   "ignored{% extends 'base' %}{% block content %}[Child {{ name }}]{% endblock %}ignored",
		"nothing": "{% extends 'base' %}",
		"dynamic": "{% extends layout %}{% block content %}dyn{% endblock %}",
		"twice":   "{% extends 'base' %}{% extends 'base' %}",
		"self":    "{% block t %}T{% endblock %}|{{ self.t() }}",
		"hoisted": "{% if false %}{% block a %}A{% endblock %}{% endif %}[{{ self.a() }}]",
		"guarded": "{% extends 'base' %}{% if false %}{% block content %}from child{% endblock %}{% endif %}",
	})
	assert.Equal(t, "Header-[Child Neo]-Footer", mustRender(t, env, "child", map[string]any{"name": "Neo"}))
	assert.Equal(t, "Header-Default-Footer", mustRender(t, env, "nothing", nil))
	assert.Equal(t, "Header-dyn-Footer", mustRender(t, env, "dynamic", map[string]any{"layout": "base"}))
	assert.Equal(t, "T|T", mustRender(t, env, "self", nil))
	assert.Equal(t, "[A]", mustRender(t, env, "hoisted", nil))
	assert.Equal(t, "Header-from child-Footer", mustRender(t, env, "guarded", nil))

	_, err := env.Render("twice", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extended multiple times")
}

func TestInheritanceDepth(t *testing.T) {
	env := memEnv(map[string]string{
		"l1": "{% block a %}1a{% endblock %}|{% block b %}1b{% endblock %}|{% block c %}1c{% endblock %}|{% block d %}1d{% endblock %}",
		"l2": "{% extends 'l1' %}{% block b %}2b{% endblock %}",
		"l3": "{% extends 'l2' %}{% block c %}3c{% endblock %}",
		"l4": "{% extends 'l3' %}{% block d %}4d{% endblock %}{% block b %}4b{% endblock %}",
	})
	for name, want := range map[string]string{
		"l1": "1a|1b|1c|1d",
		"l2": "1a|2b|1c|1d",
		"l3": "1a|2b|3c|1d",
		"l4": "1a|4b|3c|4d",
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want, mustRender(t, env, name, nil))
		})
	}
}

func TestSuperChain(t *testing.T) {
	env := memEnv(map[string]string{
		"a":    "<{% block b %}A{% endblock %}>",
		"b":    "{% extends 'a' %}{% block b %}B({{ super() }}){% endblock %}",
		"c":    "{% extends 'b' %}{% block b %}C({{ super() }}){% endblock %}",
		"d":    "{% extends 'c' %}{% block b %}D({{ super() }}){% endblock %}",
		"skip": "{% extends 'b' %}",
		"top":  "{% block b %}{{ super() }}{% endblock %}",
	})
	assert.Equal(t, "<D(C(B(A)))>", mustRender(t, env, "d", nil))
	assert.Equal(t, "<B(A)>", mustRender(t, env, "skip", nil))

	_, err := env.Render("top", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no super block")
}

func TestRequiredBlocks(t *testing.T) {
	env := memEnv(map[string]string{
		"req":     "[{% block body required %} {# only a comment #} {% endblock %}]",
		"filled":  "{% extends 'req' %}{% block body %}filled{% endblock %}",
		"blank":   "{% extends 'req' %}{% block body %}  {% endblock %}",
		"missing": "{% extends 'req' %}",
		"content": "{% block body required %}x{% endblock %}",
		"deep":    "{% extends 'filled' %}",
	})
	assert.Equal(t, "[filled]", mustRender(t, env, "filled", nil))
	assert.Equal(t, "[filled]", mustRender(t, env, "deep", nil))

	for _, name := range []string{"req", "blank", "missing"} {
		_, err := env.Render(name, nil)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "Required block 'body' not found", name)
	}

	_, err := env.Render("content", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required block 'body' may only contain whitespace or comments")
}

func TestScopedBlocks(t *testing.T) {
	env := memEnv(map[string]string{
		"scoped":   "{% for i in [1, 2] %}{% block x scoped %}{{ i }}{% endblock %}{% endfor %}",
		"unscoped": "{% for i in [1, 2] %}{% block x %}[{{ i }}]{% endblock %}{% endfor %}",
		"toplevel": "{% set v = 'top' %}{% block x %}{{ v }}{% endblock %}",
	})
	assert.Equal(t, "12", mustRender(t, env, "scoped", nil))
	assert.Equal(t, "[][]", mustRender(t, env, "unscoped", nil))
	assert.Equal(t, "top", mustRender(t, env, "toplevel", nil))
}

func TestImport(t *testing.T) {
	env := memEnv(map[string]string{
		"m":       "{% macro hi(n) %}hi {{ n }}{% endmacro %}{% set _private = 1 %}{% set pub = 2 %}output is discarded",
		"import":  "{% import 'm' as m %}{{ m.hi('x') }} {{ m.pub }} [{{ m._private }}]",
		"from":    "{% from 'm' import hi as greet, pub %}{{ greet('y') }}{{ pub }}",
		"missing": "{% from 'm' import nope %}",
	})
	assert.Equal(t, "hi x 2 []", mustRender(t, env, "import", nil))
	assert.Equal(t, "hi y2", mustRender(t, env, "from", nil))

	_, err := env.Render("missing", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tplerr.ErrUndefined))
	assert.Contains(t, err.Error(), "cannot import 'nope' from 'm'")
}

func TestImportIsolation(t *testing.T) {
	env := memEnv(map[string]string{
		"iso":          "{% set leaked = 'module' %}{% set outer = 'shadow' %}{% macro show() %}{{ outer }}{% endmacro %}",
		"without":      "{% import 'iso' as iso %}[{{ leaked }}][{{ outer }}][{{ iso.show() }}]",
		"with":         "{% import 'iso' as iso with context %}[{{ leaked }}][{{ outer }}][{{ iso.show() }}]",
		"from context": "{% set outer = 'local' %}{% from 'iso' import show with context %}[{{ show() }}][{{ outer }}]",
	})
	data := map[string]any{"outer": "ctx"}
	assert.Equal(t, "[][ctx][shadow]", mustRender(t, env, "without", data))
	assert.Equal(t, "[][ctx][shadow]", mustRender(t, env, "with", data))
	assert.Equal(t, "[shadow][local]", mustRender(t, env, "from context", data))
}

func TestImportSeesContext(t *testing.T) {
	env := memEnv(map[string]string{
		"m":       "{% macro show() %}{{ user }}{% endmacro %}",
		"with":    "{% import 'm' as m with context %}{{ m.show() }}",
		"without": "{% import 'm' as m %}[{{ m.show() }}]",
	})
	data := map[string]any{"user": "ann"}
	assert.Equal(t, "ann", mustRender(t, env, "with", data))
	assert.Equal(t, "[]", mustRender(t, env, "without", data))
}

func TestTemplateCache(t *testing.T) {
	calls := 0
	fresh := true
	env := MustNew(Config{Loader: LoaderFunc(func(_ context.Context, name string) (*Source, error) {
		calls++
		return &Source{Source: "v{{ 1 }}", Filename: name, Uptodate: func() bool { return fresh }}, nil
	})})

	for i := 0; i < 3; i++ {
		assert.Equal(t, "v1", mustRender(t, env, "t", nil))
	}
	assert.Equal(t, 1, calls)

	fresh = false
	mustRender(t, env, "t", nil)
	assert.Equal(t, 2, calls)

	fresh = true
	env.ClearCache()
	mustRender(t, env, "t", nil)
	assert.Equal(t, 3, calls)

	nocache := MustNew(Config{NoCache: true, Loader: MemoryLoader{"t": "x"}})
	a, err := nocache.GetTemplate("t")
	require.NoError(t, err)
	b, err := nocache.GetTemplate("t")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestPrecompiledLoader(t *testing.T) {
	src := MustNew(Config{})
	unit, err := src.Compile("Hello {{ name }}{% block b %}!{% endblock %}", "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, unit.BlockNames())

	env := MustNew(Config{Loader: PrecompiledLoader{"hello": unit}})
	assert.Equal(t, "Hello Ann!", mustRender(t, env, "hello", map[string]any{"name": "Ann"}))

	_, err = env.Source(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not expose template source")

	mem := memEnv(map[string]string{"a": "src"})
	s, err := mem.Source(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "src", s.Source)
}

func TestChoiceLoader(t *testing.T) {
	env := MustNew(Config{Loader: ChoiceLoader{
		MemoryLoader{"a": "first"},
		MemoryLoader{"a": "second", "b": "b"},
	}})
	assert.Equal(t, "first", mustRender(t, env, "a", nil))
	assert.Equal(t, "b", mustRender(t, env, "b", nil))
	_, err := env.Render("c", nil)
	assert.True(t, tplerr.IsNotFound(err))
}
