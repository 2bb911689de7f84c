package jinja2

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

func renderHelper(t *testing.T, tpl string, data any) (string, error) {
	t.Helper()
	return TemplateString(tpl).Render(data)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tpl  string
		data map[string]any
		want string
	}{
		{"text and output", "Hello {{ name }}!", map[string]any{"name": "world"}, "Hello world!"},
		{"filter chain", "Hello {{ name|default('Anon')|upper }}!", nil, "Hello ANON!"},
		{"if elif else", "{% if a %}A{% elif b %}B{% else %}C{% endif %}", map[string]any{"b": true}, "B"},
		{"for else empty", "{% for x in items %}-{{ x }}{% else %}empty{% endfor %}", map[string]any{"items": []int{}}, "empty"},
		{"for", "{% for x in items %}-{{ x }}{% else %}empty{% endfor %}", map[string]any{"items": []int{1, 2}}, "-1-2"},
		{"set", "{% set greeting = 'hi' %}{{ greeting }}", nil, "hi"},
		{"raw and comments", "A{# comment #}B{% raw %} {{ x }} {% endraw %}C", nil, "AB {{ x }} C"},
		{"whitespace control", "{% for i in [1, 2] -%}\n  {{ i }}\n{%- endfor %}", nil, "12"},
		{"precedence", "{{ 1 + 2 * 3 - 4 // 2 }}", nil, "5"},
		{"arithmetic", "{{ 7 // 2 }} {{ -7 // 2 }} {{ 7 % 3 }} {{ -7 % 3 }} {{ 7 / 2 }} {{ 2 ** 10 }}", nil, "3 -4 1 2 3.5 1024"},
		{"concat", "{{ 'a' ~ 1 ~ 2.5 }}", nil, "a12.5"},
		{"compare chain", "{{ 1 < 2 < 3 }} {{ 3 > 2 > 2 }}", nil, "true false"},
		{"and or values", "{{ none or 'fallback' }} {{ 0 and 1 }}", nil, "fallback 0"},
		{"membership", "{{ 'b' in ['a', 'b'] }} {{ 'z' not in 'xyz' }}", nil, "true false"},
		{"slices", "{{ 'hello'[1:3] }} {{ [1, 2, 3, 4][::-1]|join(',') }} {{ 'hello'[-1] }}", nil, "el 4,3,2,1 o"},
		{"string methods", "{{ 'a,b'.split(',')|length }} {{ ' x '.strip() }} {{ 'Abc'.startswith('A') }}", nil, "2 x true"},
		{"inline if", "{{ 'y' if flag else 'n' }}", map[string]any{"flag": true}, "y"},
		{"inline if without else", "[{{ 'y' if flag }}]", nil, "[]"},
		{"dict literal", "{% set d = {'a': {'b': 1}} %}{{ d.a.b }}{{ d['a']['b'] }}", nil, "11"},
		{"undefined prints empty", "[{{ missing }}]", nil, "[]"},
		{"defined test", "{{ missing is defined }} {{ name is defined }}", map[string]any{"name": "x"}, "false true"},
		{"none prints empty", "[{{ none }}]", nil, "[]"},
		{"loop scoping", "{% set x = 1 %}{% for i in [1] %}{% set x = 2 %}{% endfor %}{{ x }}", nil, "1"},
		{"namespace", "{% set ns = namespace(total=0) %}{% for i in [1, 2, 3] %}{% set ns.total = ns.total + i %}{% endfor %}{{ ns.total }}", nil, "6"},
		{"loop variables", "{% for i in 'abc' %}{{ loop.index }}{{ loop.revindex0 }}{% if loop.first %}F{% endif %}{% endfor %}", nil, "12F2130"},
		{"loop cycle", "{% for i in [1, 2, 3] %}{{ loop.cycle('odd', 'even') }} {% endfor %}", nil, "odd even odd "},
		{"loop changed", "{% for i in [1, 1, 2] %}{% if loop.changed(i) %}{{ i }}{% endif %}{% endfor %}", nil, "12"},
		{"loop previtem", "{% for i in [1, 2] %}{{ loop.previtem }}{% endfor %}", nil, "1"},
		{"for filter", "{% for i in range(6) if i is even %}{{ i }}{{ loop.length }} {% endfor %}", nil, "03 23 43 "},
		{"tuple unpack", "{% for k, v in {'a': 1, 'b': 2}|items %}{{ k }}={{ v }};{% endfor %}", nil, "a=1;b=2;"},
		{"dict items method", "{% for k, v in d.items() %}{{ k }}{{ v }}{% endfor %}", map[string]any{"d": map[string]any{"y": 2, "x": 1}}, "x1y2"},
		{"with", "{% with a = 1, b = 2 %}{{ a + b }}{% endwith %}[{{ a }}]", nil, "3[]"},
		{"set block filter", "{% set s | upper %}hi{% endset %}{{ s }}", nil, "HI"},
		{"filter block", "{% filter upper %}abc{% endfilter %}", nil, "ABC"},
		{"do", "{% do range(3) %}ok", nil, "ok"},
		{"break and continue", "{% for i in range(10) %}{% if i == 3 %}{% break %}{% endif %}{% if i == 1 %}{% continue %}{% endif %}{{ i }}{% endfor %}", nil, "02"},
		{"macro defaults", "{% macro greet(name, greeting='Hello') %}{{ greeting }}, {{ name }}!{% endmacro %}{{ greet('Ann') }} {{ greet('Bob', greeting='Hi') }}", nil, "Hello, Ann! Hi, Bob!"},
		{"macro varargs kwargs", "{% macro m(a) %}{{ a }}|{{ varargs|join(',') }}|{{ kwargs.x }}{% endmacro %}{{ m(1, 2, 3, x=4) }}", nil, "1|2,3|4"},
		{"macro sees later assignment", "{% macro m() %}{{ v }}{% endmacro %}{% set v = 'late' %}{{ m() }}", nil, "late"},
		{"call block", "{% macro wrap() %}<{{ caller() }}>{% endmacro %}{% call wrap() %}inner{% endcall %}", nil, "<inner>"},
		{"call block args", "{% macro each(items) %}{% for i in items %}{{ caller(i) }}{% endfor %}{% endmacro %}{% call(x) each([1, 2]) %}[{{ x }}]{% endcall %}", nil, "[1][2]"},
		{"spread args", "{% macro add(a, b) %}{{ a + b }}{% endmacro %}{{ add(*[1, 2]) }} {{ add(**{'a': 3, 'b': 4}) }}", nil, "3 7"},
		{"cycler and joiner", "{% set c = cycler('a', 'b') %}{% set j = joiner('-') %}{% for i in range(3) %}{{ j() }}{{ c.next() }}{% endfor %}", nil, "a-b-a"},
		{"dict global", "{{ dict(a=1)|items|list|length }}", nil, "1"},
		{"recursive loop", "{% for item in items recursive %}[{{ item.name }}{% if item.children %}<{{ loop(item.children) }}>{% endif %}]{% endfor %}",
			map[string]any{"items": []any{
				map[string]any{"name": "1", "children": []any{map[string]any{"name": "1"}, map[string]any{"name": "2"}}},
				map[string]any{"name": "2", "children": []any{map[string]any{"name": "1"}, map[string]any{"name": "2"}}},
				map[string]any{"name": "3", "children": []any{map[string]any{"name": "a"}}},
			}},
			"[1<[1][2]>][2<[1][2]>][3<[a]>]"},
		{"loop depth", "{% for i in items recursive %}{{ loop.depth }}{% if i is iterable %}{{ loop(i) }}{% endif %}{% endfor %}", map[string]any{"items": []any{1, []any{2}}}, "112"},
		{"loop depth0", "{% for i in items recursive %}{{ loop.depth0 }}{% if i is iterable %}({{ loop(i) }}){% endif %}{% endfor %}", map[string]any{"items": []any{1, []any{2, []any{3}}}}, "00(11(2))"},
		{"loop lookaround", "{% for i in [1, 2, 3] %}{{ loop.previtem is undefined }}/{{ loop.nextitem if loop.nextitem is defined else 'end' }} {% endfor %}", nil, "true/2 false/3 false/end "},
		{"dict keys and values", "{% set d = {'b': 1, 'a': 2} %}{{ d.keys()|join(',') }} {{ d.values()|join(',') }}", nil, "b,a 1,2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := renderHelper(t, tc.tpl, tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMapIntListComparison(t *testing.T) {
	cases := []struct {
		version string
		want    string
	}{
		{"6.0.6", "Y"},
		{"6.0.5", "N"},
		{"5.0.9", "N"},
	}
	tpl := "{% if self.version.split('.') | map('int') | list >= [6, 0, 6] %}Y{% else %}N{% endif %}"
	for _, tc := range cases {
		got, err := renderHelper(t, tpl, map[string]any{"self": map[string]any{"version": tc.version}})
		if err != nil {
			t.Fatalf("render error: %v", err)
		}
		if got != tc.want {
			t.Fatalf("version %q: got %q, want %q", tc.version, got, tc.want)
		}
	}
}

func TestIndexingAndStringMethods(t *testing.T) {
	data := map[string]any{
		"self": map[string]any{
			"version": "1.6",
			"urls":    map[string]any{"1.6": "https://example.com/jq-1.6"},
		},
	}
	got, err := renderHelper(t, "{{ self.urls[self.version] }}", data)
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	if want := "https://example.com/jq-1.6"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLoopLastAndSplit(t *testing.T) {
	tpl := "{% for x in self.p.split() %}{% if not loop.last -%}{{ x }},{% else -%}{{ x }}{% endif %}{% endfor %}"
	got, err := renderHelper(t, tpl, map[string]any{"self": map[string]any{"p": "one two three"}})
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	if want := "one,two,three"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInNotInTuple(t *testing.T) {
	tpl := "{% if self.v not in ('5.0.9', '5.0.8') %}OK{% else %}BAD{% endif %}"
	for v, want := range map[string]string{"6.0.1": "OK", "5.0.9": "BAD"} {
		got, err := renderHelper(t, tpl, map[string]any{"self": map[string]any{"v": v}})
		if err != nil {
			t.Fatalf("render error: %v", err)
		}
		if got != want {
			t.Fatalf("v=%s: got %q, want %q", v, got, want)
		}
	}
}

func TestLogicalAndOr(t *testing.T) {
	tpl := `{% if self.version == "2.4.1" or self.version == "2.4.2" or self.version == "2.4.3" %}ZIP{% else %}TAR{% endif %}`
	got, err := renderHelper(t, tpl, map[string]any{"self": map[string]any{"version": "2.4.3"}})
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	if got != "ZIP" {
		t.Fatalf("got %q, want ZIP", got)
	}
	tpl = "{% if self.a and self.b or self.c %}TRUE{% else %}FALSE{% endif %}"
	got, err = renderHelper(t, tpl, map[string]any{"self": map[string]any{"a": true, "b": false, "c": true}})
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	if got != "TRUE" {
		t.Fatalf("got %q, want TRUE", got)
	}
}

func TestRaiseFunction(t *testing.T) {
	_, err := renderHelper(t, "{{ raise('boom') }}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, errors.Is(err, tplerr.ErrRuntime))
}

type user struct {
	Name  string `json:"name"`
	Email string `yaml:"mail"`
	age   int
}

func (u user) Greeting(prefix string) string { return prefix + " " + u.Name }

func TestStructData(t *testing.T) {
	got, err := renderHelper(t, "{{ u.name }} <{{ u.mail }}> {{ u.Greeting('Hi') }}", map[string]any{"u": user{Name: "Ann", Email: "ann@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "Ann <ann@example.com> Hi Ann", got)

	got, err = renderHelper(t, "{{ name }}", user{Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, "Bob", got)
}

func TestRenderErrors(t *testing.T) {
	tests := []struct {
		name string
		tpl  string
		kind tplerr.Kind
		msg  string
	}{
		{"attribute of undefined", "{{ missing.attr }}", tplerr.KindUndefined, "'missing' is undefined"},
		{"inline if without else", "{{ (1 if false).bar }}", tplerr.KindUndefined, "the inline if-expression on line 1 evaluated to false and no else section was defined"},
		{"unknown filter", "{{ 1|nope }}", tplerr.KindRuntime, "no filter named 'nope'"},
		{"unknown test", "{{ 1 is nope }}", tplerr.KindRuntime, "no test named 'nope'"},
		{"not callable", "{{ 1() }}", tplerr.KindRuntime, "'int' object is not callable"},
		{"division by zero", "{{ 1 // 0 }}", tplerr.KindRuntime, "division"},
		{"multiple values", "{% macro m(a) %}{% endmacro %}{{ m(1, a=2) }}", tplerr.KindRuntime, "got multiple values for argument 'a'"},
		{"kwargs spread", "{% macro m() %}{% endmacro %}{{ m(**[1]) }}", tplerr.KindRuntime, "must be a mapping"},
		{"unpack", "{% for a, b in [[1, 2, 3]] %}{% endfor %}", tplerr.KindRuntime, "too many values to unpack"},
		{"recursion", "{% macro r() %}{{ r() }}{% endmacro %}{{ r() }}", tplerr.KindRuntime, "maximum recursion depth"},
		{"syntax", "{% if %}", tplerr.KindSyntax, ""},
		{"break outside loop", "{% break %}", tplerr.KindRuntime, "break outside of a loop"},
		{"break in macro called from loop", "{% macro m() %}{% break %}{% endmacro %}{% for i in [1, 2, 3] %}{{ i }}{{ m() }}{% endfor %}", tplerr.KindRuntime, "break outside of a loop"},
		{"continue in caller body", "{% macro m() %}{{ caller() }}{% endmacro %}{% for i in [1, 2] %}{% call m() %}{% continue %}{% endcall %}{% endfor %}", tplerr.KindRuntime, "continue outside of a loop"},
		{"non recursive loop call", "{% for i in [1] %}{{ loop([]) }}{% endfor %}", tplerr.KindRuntime, "non recursive loop"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := renderHelper(t, tc.tpl, nil)
			require.Error(t, err)
			assert.True(t, tplerr.IsKind(err, tc.kind), "kind of %v", err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestErrorPosition(t *testing.T) {
	_, err := renderHelper(t, "line one\n{{ 'a' + 1 }}", nil)
	require.Error(t, err)
	var e *tplerr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 2, e.Line)
	assert.Contains(t, err.Error(), "[Line 2, Column")
}

func TestStrictUndefined(t *testing.T) {
	env := MustNew(Config{Undefined: UndefinedStrict})
	for _, tpl := range []string{"{{ missing }}", "{% if missing %}{% endif %}", "{% for x in missing %}{% endfor %}"} {
		_, err := env.RenderString(tpl, nil)
		require.Error(t, err, tpl)
		assert.True(t, errors.Is(err, tplerr.ErrUndefined), tpl)
	}
	got, err := env.RenderString("{{ missing is defined }}{{ missing|default('d') }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "falsed", got)
}

func TestAutoescape(t *testing.T) {
	env := MustNew(Config{Autoescape: true})
	data := map[string]any{"x": `<a href="q">&</a>`, "safe": value.MarkupValue("<b>")}
	tests := []struct {
		tpl  string
		want string
	}{
		{"{{ x }}", "&lt;a href=&#34;q&#34;&gt;&amp;&lt;/a&gt;"},
		{"{{ safe }}", "<b>"},
		{"{{ x|safe }}", `<a href="q">&</a>`},
		{"{{ safe|escape|escape }}", "<b>"},
		{"{{ safe|forceescape }}", "&lt;b&gt;"},
		{"{{ safe ~ '<i>' }}", "<b>&lt;i&gt;"},
		{"{% autoescape false %}{{ x }}{% endautoescape %}", `<a href="q">&</a>`},
		{"{% macro m() %}<p>{% endmacro %}{{ m() }}", "<p>"},
		{"{% set s %}<br>{% endset %}{{ s }}", "<br>"},
		{"{{ ['<', safe]|join('|') }}", "&lt;|<b>"},
	}
	for _, tc := range tests {
		got, err := env.RenderString(tc.tpl, data)
		require.NoError(t, err, tc.tpl)
		assert.Equal(t, tc.want, got, tc.tpl)
	}

	plain := MustNew(Config{})
	got, err := plain.RenderString("{{ x }}{{ x|escape }}", map[string]any{"x": "<"})
	require.NoError(t, err)
	assert.Equal(t, "<&lt;", got)
}

func TestTrailingNewline(t *testing.T) {
	got, err := MustNew(Config{}).RenderString("a\n", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	got, err = MustNew(Config{KeepTrailingNewline: true}).RenderString("a\n", nil)
	require.NoError(t, err)
	assert.Equal(t, "a\n", got)
}

func TestGoFunctionsAsGlobals(t *testing.T) {
	env := MustNew(Config{Globals: map[string]any{
		"add":  func(a, b int) int { return a + b },
		"site": map[string]any{"title": "Docs"},
	}})
	got, err := env.RenderString("{{ add(2, 3) }} {{ site.title }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "5 Docs", got)
}

func TestTemplateStringValidate(t *testing.T) {
	assert.NoError(t, TemplateString("{{ name|replace('.j2', '') }}").Validate())
	err := TemplateString("{% for %}").Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid jinja template")
	assert.True(t, tplerr.IsKind(err, tplerr.KindSyntax))
}
