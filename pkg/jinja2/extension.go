package jinja2

import (
	"sort"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/lexer"
	"github.com/neurodesk/jinja/pkg/parser"
	"github.com/neurodesk/jinja/pkg/value"
)

// DefaultPriority is the priority of an extension that does not set one.
const DefaultPriority = 100

// Hook names a capability an extension provides.
type Hook uint8

const (
	HookPreprocess Hook = 1 << iota
	HookTokenFilter
	HookTags
	HookNodes
)

// ExtensionMethod implements a CallExtensionNode. bodies render the node's
// bodies on demand. A nil result writes nothing.
type ExtensionMethod func(st *State, args []value.Value, bodies []func() (string, error)) (value.Value, error)

// Extension plugs into the template pipeline. Extensions are consulted in
// ascending priority order, so lower priorities see the source and token
// stream first.
type Extension struct {
	Name string
	// Priority orders extensions; zero means DefaultPriority.
	Priority int

	// Preprocess rewrites template source before lexing.
	Preprocess func(src, name string) (string, error)
	// FilterStream wraps the token stream between lexer and parser.
	FilterStream func(ts lexer.TokenStream) lexer.TokenStream
	// Tags parse custom statements.
	Tags map[string]parser.TagFunc
	// Methods run the CallExtensionNode nodes the tags emit.
	Methods map[string]ExtensionMethod
}

// Hooks reports which capabilities x provides.
func (x *Extension) Hooks() Hook {
	var h Hook
	if x.Preprocess != nil {
		h |= HookPreprocess
	}
	if x.FilterStream != nil {
		h |= HookTokenFilter
	}
	if len(x.Tags) > 0 {
		h |= HookTags
	}
	if len(x.Methods) > 0 {
		h |= HookNodes
	}
	return h
}

// Has reports whether x provides h.
func (x *Extension) Has(h Hook) bool { return x.Hooks()&h != 0 }

func (x *Extension) priority() int {
	if x.Priority == 0 {
		return DefaultPriority
	}
	return x.Priority
}

func sortExtensions(exts []*Extension) {
	sort.SliceStable(exts, func(i, j int) bool { return exts[i].priority() < exts[j].priority() })
}

// LoopControls adds {% break %} and {% continue %}.
func LoopControls() *Extension {
	return &Extension{
		Name: "loopcontrols",
		Tags: map[string]parser.TagFunc{
			"break": func(p *parser.Parser, tag lexer.Token) (ast.Node, error) {
				return &ast.BreakNode{Pos: ast.Pos{Line: tag.Line, Col: tag.Col}}, p.ExpectBlockEnd()
			},
			"continue": func(p *parser.Parser, tag lexer.Token) (ast.Node, error) {
				return &ast.ContinueNode{Pos: ast.Pos{Line: tag.Line, Col: tag.Col}}, p.ExpectBlockEnd()
			},
		},
	}
}
