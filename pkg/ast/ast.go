// Package ast defines the node tree produced by the parser and consumed by
// the compiler. Nodes are plain data and carry their source position.
package ast

// Pos is a 1-based source position.
type Pos struct {
	Line int
	Col  int
}

// Position returns p. Embedding Pos gives every node its Position method.
func (p Pos) Position() Pos { return p }

// Node is any AST node in a parsed template.
type Node interface {
	Position() Pos
	node()
}

// Expr is a node that evaluates to a value.
type Expr interface {
	Node
	expr()
}

// Document is the root node produced by Parse.
type Document struct {
	Pos
	Nodes []Node
}

// TextNode represents literal text between tags.
type TextNode struct {
	Pos
	Text string
}

// OutputNode represents a variable/output expression: {{ expr }}
type OutputNode struct {
	Pos
	Expr Expr
}

// SetNode represents an assignment: {% set target = expr %}. Target is a
// Name, a Tuple of names or an NSRef.
type SetNode struct {
	Pos
	Target Expr
	Value  Expr
}

// SetBlockNode captures its rendered body: {% set x | f %}...{% endset %}
type SetBlockNode struct {
	Pos
	Target  Expr
	Filters []*Filter // Node is nil; applied innermost first
	Body    []Node
}

// IfNode represents an if/elif/else block.
type IfNode struct {
	Pos
	Cond  Expr
	Then  []Node
	Elifs []ElifBranch
	Else  []Node
}

// ElifBranch is a single elif condition with its body.
type ElifBranch struct {
	Pos
	Cond Expr
	Body []Node
}

// ForNode represents a for loop:
// {% for target in iterable [if test] [recursive] %}
type ForNode struct {
	Pos
	Target    Expr
	Iter      Expr
	Test      Expr
	Recursive bool
	Body      []Node
	Else      []Node
}

// RawNode represents a raw block where delimiters are not parsed.
// It is produced by: {% raw %}...{% endraw %}
type RawNode struct {
	Pos
	Text string
}

// BlockNode represents a named block for template inheritance.
type BlockNode struct {
	Pos
	Name     string
	Scoped   bool
	Required bool
	Body     []Node
}

// ExtendsNode declares that this template extends a parent template.
type ExtendsNode struct {
	Pos
	Template Expr
}

// IncludeNode includes another template by name or by the first existing
// name of a list.
type IncludeNode struct {
	Pos
	Template      Expr
	IgnoreMissing bool
	WithContext   bool
}

// ImportNode binds a template's exports as a module: {% import "m" as m %}
type ImportNode struct {
	Pos
	Template    Expr
	Target      string
	WithContext bool
}

// ImportName is one name of a from-import, optionally aliased.
type ImportName struct {
	Name  string
	Alias string
}

// FromImportNode binds individual exports: {% from "m" import a, b as c %}
type FromImportNode struct {
	Pos
	Template    Expr
	Names       []ImportName
	WithContext bool
}

// Param is a macro or call-block parameter.
type Param struct {
	Name    string
	Default Expr
}

// MacroNode defines a macro.
type MacroNode struct {
	Pos
	Name   string
	Params []Param
	Body   []Node
}

// CallBlockNode calls a macro passing its body as caller():
// {% call(args) macro(...) %}...{% endcall %}
type CallBlockNode struct {
	Pos
	Call   *Call
	Params []Param
	Body   []Node
}

// FilterBlockNode applies filters to its rendered body.
type FilterBlockNode struct {
	Pos
	Filters []*Filter // Node is nil; applied innermost first
	Body    []Node
}

// DoNode evaluates an expression and discards the result.
type DoNode struct {
	Pos
	Expr Expr
}

// WithNode opens a scope with extra bindings.
type WithNode struct {
	Pos
	Targets []Expr
	Values  []Expr
	Body    []Node
}

// AutoescapeNode toggles autoescaping for its body.
type AutoescapeNode struct {
	Pos
	Enabled Expr
	Body    []Node
}

// BreakNode and ContinueNode are loop controls.
type BreakNode struct{ Pos }

type ContinueNode struct{ Pos }

// CallExtensionNode is emitted by extension tag parsers. The compiler looks
// up Method in the extension named Ext and calls it with the evaluated Args
// and the rendered Bodies.
type CallExtensionNode struct {
	Pos
	Ext    string
	Method string
	Args   []Expr
	Bodies [][]Node
}

func (*Document) node()          {}
func (*TextNode) node()          {}
func (*OutputNode) node()        {}
func (*SetNode) node()           {}
func (*SetBlockNode) node()      {}
func (*IfNode) node()            {}
func (*ForNode) node()           {}
func (*RawNode) node()           {}
func (*BlockNode) node()         {}
func (*ExtendsNode) node()       {}
func (*IncludeNode) node()       {}
func (*ImportNode) node()        {}
func (*FromImportNode) node()    {}
func (*MacroNode) node()         {}
func (*CallBlockNode) node()     {}
func (*FilterBlockNode) node()   {}
func (*DoNode) node()            {}
func (*WithNode) node()          {}
func (*AutoescapeNode) node()    {}
func (*BreakNode) node()         {}
func (*ContinueNode) node()      {}
func (*CallExtensionNode) node() {}
