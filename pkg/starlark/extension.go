package starlark

import (
	"strings"

	"go.starlark.net/starlark"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/jinja2"
	"github.com/neurodesk/jinja/pkg/lexer"
	"github.com/neurodesk/jinja/pkg/parser"
	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

// Extension adds the statement
//
//	{% starlark user, title=page.title %}
//	emit("hello", user.name)
//	{% endstarlark %}
//
// The body runs as a Starlark script on each render with the listed
// template values predeclared. Whatever the script passes to emit is
// written to the output, separated by spaces.
func Extension(e *Evaluator) *jinja2.Extension {
	return &jinja2.Extension{
		Name: "starlark",
		Tags: map[string]parser.TagFunc{"starlark": parseStarlark},
		Methods: map[string]jinja2.ExtensionMethod{
			"exec": func(st *jinja2.State, args []value.Value, bodies []func() (string, error)) (value.Value, error) {
				src, err := bodies[0]()
				if err != nil {
					return nil, err
				}
				extra := starlark.StringDict{}
				for i := 0; i+1 < len(args); i += 2 {
					extra[args[i].String()] = ToStarlark(args[i+1])
				}
				var out strings.Builder
				extra["emit"] = starlark.NewBuiltin("emit", func(_ *starlark.Thread, _ *starlark.Builtin, a starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
					for i, v := range a {
						if i > 0 || out.Len() > 0 {
							out.WriteByte(' ')
						}
						if s, ok := starlark.AsString(v); ok {
							out.WriteString(s)
						} else {
							out.WriteString(v.String())
						}
					}
					return starlark.None, nil
				})
				if _, err := e.run(st.Context(), st.TemplateName(), dedent(src), extra); err != nil {
					return nil, err
				}
				return value.StringValue(out.String()), nil
			},
		},
	}
}

// parseStarlark parses the argument list of the tag and its body. Each
// argument is passed as a (name, value) pair.
func parseStarlark(p *parser.Parser, tag lexer.Token) (ast.Node, error) {
	var args []ast.Expr
	for !p.Peek().Is(lexer.BlockEnd, "") {
		if len(args) > 0 {
			if _, err := p.Expect(lexer.Operator, ","); err != nil {
				return nil, err
			}
		}
		name := p.Peek()
		if name.Type != lexer.Name {
			return nil, p.Errorf(name, "starlark arguments must be names or name=expression")
		}
		var expr ast.Expr
		if p.PeekN(1).Is(lexer.Operator, "=") {
			p.Next()
			p.Next()
			var err error
			if expr, err = p.ParseExpression(); err != nil {
				return nil, err
			}
		} else {
			p.Next()
			expr = &ast.Name{Pos: ast.Pos{Line: name.Line, Col: name.Col}, Name: name.Value}
		}
		args = append(args, &ast.Const{Pos: ast.Pos{Line: name.Line, Col: name.Col}, Value: name.Value}, expr)
	}
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	body, _, err := p.ParseBody("endstarlark")
	if err != nil {
		return nil, err
	}
	for _, n := range body {
		if _, ok := n.(*ast.TextNode); !ok {
			return nil, tplerr.Syntax(tag.Line, tag.Col, "starlark blocks may only contain script text")
		}
	}
	return &ast.CallExtensionNode{
		Pos:    ast.Pos{Line: tag.Line, Col: tag.Col},
		Ext:    "starlark",
		Method: "exec",
		Args:   args,
		Bodies: [][]ast.Node{body},
	}, p.ExpectBlockEnd()
}

// dedent strips the common leading indentation so scripts can be indented
// with the surrounding template.
func dedent(src string) string {
	lines := strings.Split(src, "\n")
	prefix := ""
	first := true
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		ws := l[:len(l)-len(strings.TrimLeft(l, " \t"))]
		if first {
			prefix, first = ws, false
			continue
		}
		for !strings.HasPrefix(ws, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	for i, l := range lines {
		lines[i] = strings.TrimPrefix(l, prefix)
	}
	return strings.Join(lines, "\n")
}
