package lexer

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/neurodesk/jinja/pkg/tplerr"
)

type tok struct {
	Type  TokenType
	Value string
}

func lex(t *testing.T, src string, cfg Config) []tok {
	t.Helper()
	toks, err := Tokenize(src, cfg)
	if err != nil {
		t.Fatalf("Tokenize(%q): %v", src, err)
	}
	out := make([]tok, 0, len(toks))
	for _, x := range toks {
		out = append(out, tok{x.Type, x.Value})
	}
	return out
}

// data returns only the concatenated Data token values, which is what
// whitespace control is about.
func data(t *testing.T, src string, cfg Config) string {
	t.Helper()
	var s string
	for _, x := range lex(t, src, cfg) {
		if x.Type == Data {
			s += x.Value
		}
	}
	return s
}

func TestTokenizeBasic(t *testing.T) {
	got := lex(t, "Hello {{ name|upper }}!{% if x %}y{% endif %}{# note #}", Config{})
	want := []tok{
		{Data, "Hello "},
		{VariableStart, "{{"},
		{Name, "name"},
		{Operator, "|"},
		{Name, "upper"},
		{VariableEnd, "}}"},
		{Data, "!"},
		{BlockStart, "{%"},
		{Name, "if"},
		{Name, "x"},
		{BlockEnd, "%}"},
		{Data, "y"},
		{BlockStart, "{%"},
		{Name, "endif"},
		{BlockEnd, "%}"},
		{EOF, ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestLiterals(t *testing.T) {
	got := lex(t, `{{ 'a\'b' "c\n" 42 3.5 true False none None 1_000 0x1F 0b101 0o17 1_2.3_4e5_6 1e3 }}`, Config{})
	want := []tok{
		{VariableStart, "{{"},
		{String, "a'b"},
		{String, "c\n"},
		{Int, "42"},
		{Float, "3.5"},
		{Boolean, "true"},
		{Boolean, "false"},
		{None, "none"},
		{None, "none"},
		{Int, "1000"},
		{Int, "31"},
		{Int, "5"},
		{Int, "15"},
		{Float, "1.234e+57"},
		{Float, "1000.0"},
		{VariableEnd, "}}"},
		{EOF, ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestOperatorsLongestMatch(t *testing.T) {
	got := lex(t, "{{ a // b ** c == d != e <= f >= g ~ h }}", Config{})
	var ops []string
	for _, x := range got {
		if x.Type == Operator {
			ops = append(ops, x.Value)
		}
	}
	want := []string{"//", "**", "==", "!=", "<=", ">=", "~"}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("operators mismatch (-want +got):\n%s", diff)
	}
}

func TestDictLiteralInsideVariable(t *testing.T) {
	got := lex(t, "{{ {'a': {'b': 1}} }}x", Config{})
	last := got[len(got)-2]
	if last != (tok{Data, "x"}) {
		t.Fatalf("got %v, want trailing data x", got)
	}
	if got[len(got)-3] != (tok{VariableEnd, "}}"}) {
		t.Fatalf("variable not closed at the right place: %v", got)
	}
}

func TestWhitespaceControl(t *testing.T) {
	tests := []struct {
		name string
		src  string
		cfg  Config
		want string
	}{
		{"minus strips both sides", "a  \n {%- if true -%} \n b {%- endif %}", Config{}, "ab"},
		{"variable minus", "x {{- 1 -}} y", Config{}, "xy"},
		{"comment minus", "a {#- c -#} b", Config{}, "ab"},
		{"trim blocks", "{% if x %}\nA\n{% endif %}\nB", Config{TrimBlocks: true}, "A\nB"},
		{"trim blocks not for variables", "{{ x }}\nA", Config{TrimBlocks: true}, "\nA"},
		{"lstrip blocks", "  {% if x %}\n    A\n  {% endif %}", Config{LstripBlocks: true}, "\n    A\n"},
		{"lstrip only at line start", "x  {% if y %}", Config{LstripBlocks: true}, "x  "},
		{"plus disables lstrip", "  {%+ if x %}", Config{LstripBlocks: true}, "  "},
		{"plus disables trim", "{% if x +%}\nA", Config{TrimBlocks: true}, "\nA"},
		{"both", "<div>\n    {% if x %}\n    yay\n    {% endif %}\n</div>", Config{TrimBlocks: true, LstripBlocks: true}, "<div>\n    yay\n</div>"},
		{"comment lstrip and trim", "a\n  {# c #}\nb", Config{TrimBlocks: true, LstripBlocks: true}, "a\nb"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := data(t, tc.src, tc.cfg); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRaw(t *testing.T) {
	got := lex(t, "a{% raw %}{{ x }}{% if %}{%- endraw %}b{% verbatim %}{#{% endverbatim %}", Config{})
	want := []tok{
		{Data, "a"},
		{BlockStart, "{%"}, {Name, "raw"}, {BlockEnd, "%}"},
		{Data, "{{ x }}{% if %}"},
		{BlockStart, "{%"}, {Name, "endraw"}, {BlockEnd, "%}"},
		{Data, "b"},
		{BlockStart, "{%"}, {Name, "verbatim"}, {BlockEnd, "%}"},
		{Data, "{#"},
		{BlockStart, "{%"}, {Name, "endverbatim"}, {BlockEnd, "%}"},
		{EOF, ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestCustomDelimiters(t *testing.T) {
	cfg := Config{Delimiters: Delimiters{
		BlockStart: "<%", BlockEnd: "%>",
		VariableStart: "${", VariableEnd: "}",
		CommentStart: "<#", CommentEnd: "#>",
	}}
	got := lex(t, "<% if a %>${ b }<# c #><% endif %>", cfg)
	want := []tok{
		{BlockStart, "<%"}, {Name, "if"}, {Name, "a"}, {BlockEnd, "%>"},
		{VariableStart, "${"}, {Name, "b"}, {VariableEnd, "}"},
		{BlockStart, "<%"}, {Name, "endif"}, {BlockEnd, "%>"},
		{EOF, ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestLineStatements(t *testing.T) {
	cfg := Config{Delimiters: Delimiters{LineStatementPrefix: "#", LineCommentPrefix: "##"}}
	got := lex(t, "# for x in xs:\n- {{ x }} ## note\n# endfor\n", cfg)
	want := []tok{
		{BlockStart, "#"}, {Name, "for"}, {Name, "x"}, {Name, "in"}, {Name, "xs"}, {BlockEnd, "\n"},
		{Data, "- "},
		{VariableStart, "{{"}, {Name, "x"}, {VariableEnd, "}}"},
		{Data, " "},
		{Data, "\n"},
		{BlockStart, "#"}, {Name, "endfor"}, {BlockEnd, "\n"},
		{EOF, ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestPositions(t *testing.T) {
	toks, err := Tokenize("ab\n  {{ x }}", Config{})
	if err != nil {
		t.Fatal(err)
	}
	var name Token
	for _, x := range toks {
		if x.Type == Name {
			name = x
		}
	}
	if name.Line != 2 || name.Col != 6 {
		t.Fatalf("got %d:%d, want 2:6", name.Line, name.Col)
	}
	if diff := cmp.Diff(Token{Type: Name, Value: "x", Line: 2, Col: 6}, name, cmpopts.IgnoreFields(Token{}, "Pos")); diff != "" {
		t.Fatal(diff)
	}
}

func TestSyntaxErrors(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		line     int
		col      int
		contains string
	}{
		{"unterminated variable", "a\n{{ x", 2, 5, "end of print statement"},
		{"unterminated block", "{% if x", 1, 8, "end of statement block"},
		{"unterminated string", "{{ 'abc }}", 1, 4, "unterminated string"},
		{"unterminated comment", "x {# abc", 1, 3, "end of comment"},
		{"unterminated raw", "{% raw %}abc", 1, 1, "end of raw block"},
		{"bad char", "{{ a $ b }}", 1, 6, "unexpected char"},
		{"unbalanced", "{{ a) }}", 1, 5, "unexpected ')'"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Tokenize(tc.src, Config{})
			if err == nil {
				t.Fatalf("expected error for %q", tc.src)
			}
			e := tplerr.From(err)
			if e.Kind != tplerr.KindSyntax {
				t.Fatalf("got kind %v, want syntax", e.Kind)
			}
			if e.Line != tc.line || e.Col != tc.col {
				t.Fatalf("got position %d:%d, want %d:%d (%v)", e.Line, e.Col, tc.line, tc.col, err)
			}
			if !strings.Contains(e.Message, tc.contains) {
				t.Fatalf("got %q, want it to mention %q", e.Message, tc.contains)
			}
		})
	}
}

func TestLazyAfterError(t *testing.T) {
	l := New("{{ 'x", Config{})
	if _, err := l.Next(); err != nil {
		t.Fatalf("first token should lex: %v", err)
	}
	_, err1 := l.Next()
	_, err2 := l.Next()
	if err1 == nil || err1 != err2 {
		t.Fatalf("expected the same sticky error, got %v and %v", err1, err2)
	}
}
