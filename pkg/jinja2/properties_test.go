//go:build property
// +build property

package jinja2

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/neurodesk/jinja/pkg/value"
)

// arith builds an expression from positive operands and reports the value
// it should evaluate to under the usual precedence rules.
func arith(nums, exps []int, ops []string) (string, int64) {
	var src strings.Builder
	factor := func(i int) int64 {
		n := int64(nums[i])
		src.WriteString(strconv.Itoa(nums[i]))
		if exps[i] > 1 {
			fmt.Fprintf(&src, " ** %d", exps[i])
			p := int64(1)
			for k := 0; k < exps[i]; k++ {
				p *= n
			}
			return p
		}
		return n
	}

	var total int64
	sign := int64(1)
	term := factor(0)
	for i, op := range ops {
		fmt.Fprintf(&src, " %s ", op)
		f := factor(i + 1)
		switch op {
		case "*":
			term *= f
		case "//":
			term /= f
		case "%":
			term %= f
		case "+", "-":
			total += sign * term
			sign = 1
			if op == "-" {
				sign = -1
			}
			term = f
		}
	}
	return src.String(), total + sign*term
}

func TestArithmeticPrecedenceProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	env := MustNew(Config{})

	properties.Property("operators follow standard precedence", prop.ForAll(
		func(nums, exps []int, ops []string) bool {
			expr, want := arith(nums, exps, ops)
			got, err := env.RenderString("{{ "+expr+" }}", nil)
			if err != nil {
				t.Logf("%s: %v", expr, err)
				return false
			}
			return got == strconv.FormatInt(want, 10)
		},
		gen.SliceOfN(6, gen.IntRange(1, 9)),
		gen.SliceOfN(6, gen.IntRange(1, 3)),
		gen.SliceOfN(5, gen.OneConstOf("+", "-", "*", "//", "%")),
	))

	properties.TestingRun(t)
}

func TestModeEquivalenceProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	templates := map[string]string{
		"loop":    "{% for x in xs %}{{ loop.index }}:{{ x }}{{ '|' if not loop.last }}{% else %}empty{% endfor %}",
		"filters": "{{ xs|sort|join(',') }} {{ xs|unique|length }} {{ xs|select('even')|list }} {{ xs|map('abs')|max }}",
		"tests":   "{% for x in xs %}{% if x is odd %}o{% elif x is divisibleby 4 %}f{% else %}e{% endif %}{% endfor %}",
		"groups":  "{% for g in xs|batch(3, 0) %}[{{ g|sum }}]{% endfor %}{% for c in xs|slice(2) %}({{ c|length }}){% endfor %}",
		"macro":   "{% macro m(v, sep='-') %}{{ v }}{{ sep }}{% endmacro %}{% for x in xs|reverse %}{{ m(x) }}{% endfor %}{{ m(xs|length, sep='!') }}",
		"ns":      "{% set ns = namespace(acc=0) %}{% for x in xs if x > 0 %}{% set ns.acc = ns.acc + x %}{% endfor %}{{ ns.acc }}",
		"cycler":  "{% set c = cycler('a', 'b') %}{% for x in xs %}{{ c.next() }}{{ loop.cycle('<', '>') }}{% endfor %}",
		"page":    "{% extends 'base' %}{% block body %}{{ super() }}{{ xs|first }}{% endblock %}",
		"base":    "<{% block body %}{{ xs|length }}{% endblock %}>",
	}
	names := make([]string, 0, len(templates))
	for name := range templates {
		if name != "base" {
			names = append(names, name)
		}
	}
	direct := MustNew(Config{Loader: MemoryLoader(templates)})
	suspending := MustNew(Config{Loader: MemoryLoader(templates), Mode: ModeSuspending})

	properties.Property("direct and suspending renders are identical", prop.ForAll(
		func(xs []int, pick int) bool {
			name := names[pick%len(names)]
			data := map[string]any{"xs": xs}
			want, werr := direct.Render(name, data)
			got, gerr := suspending.Render(name, data)
			if (werr == nil) != (gerr == nil) {
				return false
			}
			if werr != nil {
				return werr.Error() == gerr.Error()
			}
			return want == got
		},
		gen.SliceOf(gen.IntRange(-50, 50)),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func TestEscapeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	env := MustNew(Config{Autoescape: true})

	properties.Property("safe values are never re-escaped", prop.ForAll(
		func(s string) bool {
			return string(value.Escape(value.MarkSafe(value.StringValue(s)))) == s
		},
		gen.AnyString(),
	))

	properties.Property("escaped output contains no markup characters", prop.ForAll(
		func(s string) bool {
			out := string(value.Escape(value.StringValue(s)))
			return !strings.ContainsAny(out, `<>"'`)
		},
		gen.AnyString(),
	))

	properties.Property("escaping twice differs only when the input has an ampersand or markup", prop.ForAll(
		func(s string) bool {
			once := value.Escape(value.StringValue(s))
			twice := value.Escape(value.StringValue(string(once)))
			return (once == twice) == !strings.ContainsAny(s, `&<>"'`)
		},
		gen.AnyString(),
	))

	properties.Property("autoescaped output matches the escape filter", prop.ForAll(
		func(s string) bool {
			auto, err := env.RenderString("{{ s }}|{{ s|safe }}", map[string]any{"s": s})
			if err != nil {
				return false
			}
			return auto == string(value.Escape(value.StringValue(s)))+"|"+s
		},
		gen.RegexMatch(`^[a-z<>&"' ]{0,20}$`),
	))

	properties.TestingRun(t)
}
