package parser

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/lexer"
	"github.com/neurodesk/jinja/pkg/tplerr"
)

func mustParse(t *testing.T, src string) *ast.Document {
	t.Helper()
	doc, err := ParseString(src, lexer.Config{})
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return doc
}

func outputExpr(t *testing.T, src string) string {
	t.Helper()
	doc := mustParse(t, "{{ "+src+" }}")
	if len(doc.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(doc.Nodes))
	}
	out, ok := doc.Nodes[0].(*ast.OutputNode)
	if !ok {
		t.Fatalf("got %T, want *ast.OutputNode", doc.Nodes[0])
	}
	return ast.String(out.Expr)
}

func TestExpressionPrecedence(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"2 * 3 + 4 % 2 + 1 - 2", "((((2 * 3) + (4 % 2)) + 1) - 2)"},
		{"2 ** 3 ** 2", "((2 ** 3) ** 2)"},
		{"a // b / c", "((a // b) / c)"},
		{"a ~ b + c", "(a ~ (b + c))"},
		{"a ~ b == c", "((a ~ b) == c)"},
		{"a < b < c", "(a < b < c)"},
		{"a not in b", "(a not in b)"},
		{"not a and b or c", "(((not a) and b) or c)"},
		{"not a in b", "(not (a in b))"},
		{"-x|abs", "(-x)|abs"},
		{"-2 ** 2", "((-2) ** 2)"},
		{"x|default('a')|upper is not none", `(not (x|default("a")|upper is none))`},
		{"x is divisibleby 3", "(x is divisibleby(3))"},
		{"x is defined and y", "((x is defined) and y)"},
		{"a if b else c if d", "(a if b else (c if d))"},
		{"a.b[0].c(1, k=2)", "a.b[0].c(1, k=2)"},
		{"foo.0", "foo[0]"},
		{"s[1:2]", "s[1:2]"},
		{"s[::2]", "s[::2]"},
		{"s[:-1]", "s[:(-1)]"},
		{"[1, 'a', none, true]", `[1, "a", none, true]`},
		{"{'a': 1, 'b': [2]}", `{"a": 1, "b": [2]}`},
		{"(1, 2)", "(1, 2)"},
		{"(1,)", "(1,)"},
		{"'a' 'b'", `"ab"`},
		{"1, 2", "(1, 2)"},
		{"f(*args, **kw)", "f(*args, **kw)"},
		{"f(a=1, *b)", "f(*b, a=1)"},
		{"x|f.g(1)", "x|f.g(1)"},
	}
	for _, tc := range tests {
		t.Run(tc.src, func(t *testing.T) {
			if got := outputExpr(t, tc.src); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPretty(t *testing.T) {
	src := `{% extends "base.html" %}
{%- block body scoped required %}{% endblock body %}
{%- for a, b in items if a recursive %}{{ loop(b) }}{% else %}none{% endfor %}
{%- if x %}1{% elif y %}2{% else %}3{% endif %}
{%- macro m(a, b=2) %}{{ caller(a) }}{% endmacro %}
{%- call(v) m(1) %}{{ v }}{% endcall %}
{%- set ns.total = 1 %}{% set a, b = 1, 2 %}{% set c | upper %}x{% endset %}
{%- include ["a", "b"] ignore missing without context %}
{%- import "m" as lib with context %}{% from "m" import x as y, z %}
{%- filter upper|trim %}t{% endfilter %}{% raw %}{{ r }}{% endraw %}
{%- with q = 1 %}{{ q }}{% endwith %}{% autoescape false %}{% endautoescape %}{% do f() %}`
	want := `Document
  Extends("base.html")
  Block(body scoped required)
  For((a, b) in items if a recursive)
    Output(loop(b))
  Else
    Text("none")
  If(x)
    Text("1")
  Elif(y)
    Text("2")
  Else
    Text("3")
  Macro(m(a, b=2))
    Output(caller(a))
  CallBlock((v) m(1))
    Output(v)
  Set(ns.total = 1)
  Set((a, b) = (1, 2))
  SetBlock(c|upper)
    Text("x")
  Include(["a", "b"] ignore_missing=true with_context=false)
  Import("m" as lib with_context=true)
  FromImport("m": x as y, z with_context=false)
  FilterBlock(upper|trim)
    Text("t")
  Raw("{{ r }}")
  With(q = 1)
    Output(q)
  Autoescape(false)
  Do(f())
`
	got := ast.Pretty(mustParse(t, src))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("pretty mismatch (-want +got):\n%s", diff)
	}
}

func TestContextDefaults(t *testing.T) {
	doc := mustParse(t, `{% include "a" %}{% import "b" as b %}{% from "c" import d %}`)
	if inc := doc.Nodes[0].(*ast.IncludeNode); !inc.WithContext || inc.IgnoreMissing {
		t.Fatalf("include defaults: got %+v", inc)
	}
	if imp := doc.Nodes[1].(*ast.ImportNode); imp.WithContext {
		t.Fatalf("import should default to without context")
	}
	if from := doc.Nodes[2].(*ast.FromImportNode); from.WithContext {
		t.Fatalf("from-import should default to without context")
	}
}

func TestSyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"positional after keyword", "{{ f(a=1, b) }}", "invalid syntax for function call"},
		{"positional after star", "{{ f(*a, b) }}", "invalid syntax for function call"},
		{"keyword after kwargs", "{{ f(**k, a=1) }}", "invalid syntax for function call"},
		{"star after kwargs", "{{ f(**k, *a) }}", "invalid syntax for function call"},
		{"star in signature", "{% macro m(*a) %}{% endmacro %}", "unexpected '*'"},
		{"kwargs in signature", "{% macro m(**a) %}{% endmacro %}", "unexpected '**'"},
		{"default order", "{% macro m(a=1, b) %}{% endmacro %}", "non-default argument"},
		{"duplicate param", "{% macro m(a, a) %}{% endmacro %}", "duplicate argument 'a'"},
		{"required before scoped", "{% block x required scoped %}{% endblock %}", "'scoped' must come before 'required'"},
		{"duplicate scoped", "{% block x scoped scoped %}{% endblock %}", "duplicate 'scoped'"},
		{"duplicate required", "{% block x required required %}{% endblock %}", "duplicate 'required'"},
		{"endblock mismatch", "{% block x %}{% endblock y %}", "does not match block 'x'"},
		{"block twice", "{% block x %}{% endblock %}{% block x %}{% endblock %}", "block 'x' defined twice"},
		{"private import", `{% from "m" import _secret %}`, "underline"},
		{"unknown tag", "{% frobnicate %}", "unknown tag 'frobnicate'"},
		{"stray end tag", "{% if a %}{% endfor %}", "expected 'elif' or 'elseif' or 'else' or 'endif'"},
		{"unclosed for", "{% for a in b %}", "expected 'endfor' or 'else'"},
		{"missing expression", "{{ }}", "expected an expression"},
		{"call block without call", "{% call m %}{% endcall %}", "expected call"},
		{"break without extension", "{% for a in b %}{% break %}{% endfor %}", "unknown tag 'break'"},
		{"lexer error wins", "{% if 'abc %}", "unterminated string"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseString(tc.src, lexer.Config{})
			if err == nil {
				t.Fatalf("expected error for %q", tc.src)
			}
			if !tplerr.IsKind(err, tplerr.KindSyntax) {
				t.Fatalf("got %v, want a syntax error", err)
			}
			if !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("got %q, want it to contain %q", err.Error(), tc.msg)
			}
		})
	}
}

func TestErrorPosition(t *testing.T) {
	_, err := ParseString("line one\n{{ a + }}", lexer.Config{})
	e := tplerr.From(err)
	if e == nil || e.Line != 2 || e.Col != 8 {
		t.Fatalf("got %v, want error at 2:8", err)
	}
}

func TestExtensionTag(t *testing.T) {
	tags := map[string]TagFunc{
		"shout": func(p *Parser, tag lexer.Token) (ast.Node, error) {
			arg, err := p.ParseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.ExpectBlockEnd(); err != nil {
				return nil, err
			}
			body, _, err := p.ParseBody("endshout")
			if err != nil {
				return nil, err
			}
			if err := p.ExpectBlockEnd(); err != nil {
				return nil, err
			}
			return &ast.CallExtensionNode{
				Pos:    ast.Pos{Line: tag.Line, Col: tag.Col},
				Ext:    "shout",
				Method: "run",
				Args:   []ast.Expr{arg},
				Bodies: [][]ast.Node{body},
			}, nil
		},
	}
	doc, err := Parse(lexer.New(`{% shout "!" %}hi{% endshout %}`, lexer.Config{}), Options{Tags: tags})
	if err != nil {
		t.Fatal(err)
	}
	want := "Document\n  CallExtension(shout.run(\"!\"))\n    Text(\"hi\")\n"
	if diff := cmp.Diff(want, ast.Pretty(doc)); diff != "" {
		t.Fatalf("pretty mismatch (-want +got):\n%s", diff)
	}
}
