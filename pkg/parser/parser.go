// Package parser turns a token stream into an AST.
//
// It is a hand written recursive descent parser. Statement tags it does not
// know are offered to the TagFunc registered for the tag name, which lets
// extensions add syntax. The token helpers used by the parser itself are
// exported for those tag functions.
package parser

import (
	"fmt"
	"strings"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/lexer"
	"github.com/neurodesk/jinja/pkg/tplerr"
)

// TagFunc parses a custom statement. It is called after the tag name has
// been consumed and must consume everything up to and including the closing
// block delimiter of the tag (and of any end tag it owns).
type TagFunc func(p *Parser, tag lexer.Token) (ast.Node, error)

// Options configures a parser.
type Options struct {
	// Tags maps statement names to extension parsers. Built-in statements
	// take precedence.
	Tags map[string]TagFunc
}

// Parser holds the state of one parse.
type Parser struct {
	ts     lexer.TokenStream
	buf    []lexer.Token
	lexErr error
	last   lexer.Token

	tags   map[string]TagFunc
	blocks map[string]bool
	// end tags currently expected, innermost last
	ends [][]string
}

// New returns a parser reading from ts.
func New(ts lexer.TokenStream, opts Options) *Parser {
	return &Parser{ts: ts, tags: opts.Tags, blocks: map[string]bool{}}
}

// Parse parses a whole template.
func Parse(ts lexer.TokenStream, opts Options) (*ast.Document, error) {
	return New(ts, opts).ParseDocument()
}

// ParseString lexes and parses src with no extensions.
func ParseString(src string, cfg lexer.Config) (*ast.Document, error) {
	return Parse(lexer.New(src, cfg), Options{})
}

// ParseDocument parses until EOF.
func (p *Parser) ParseDocument() (*ast.Document, error) {
	doc := &ast.Document{Pos: ast.Pos{Line: 1, Col: 1}}
	nodes, _, err := p.parseNodes(nil)
	if err != nil {
		return nil, err
	}
	if p.lexErr != nil {
		return nil, p.lexErr
	}
	doc.Nodes = nodes
	return doc, nil
}

func (p *Parser) fill(n int) {
	for len(p.buf) <= n {
		if p.lexErr != nil {
			p.buf = append(p.buf, lexer.Token{Type: lexer.EOF, Line: p.last.Line, Col: p.last.Col})
			continue
		}
		t, err := p.ts.Next()
		if err != nil {
			p.lexErr = err
			continue
		}
		p.buf = append(p.buf, t)
	}
}

// Peek returns the next token without consuming it.
func (p *Parser) Peek() lexer.Token {
	p.fill(0)
	return p.buf[0]
}

// PeekN returns the token n positions ahead (PeekN(0) == Peek()).
func (p *Parser) PeekN(n int) lexer.Token {
	p.fill(n)
	return p.buf[n]
}

// Next consumes and returns the next token.
func (p *Parser) Next() lexer.Token {
	p.fill(0)
	t := p.buf[0]
	if t.Type != lexer.EOF {
		p.buf = p.buf[1:]
	}
	p.last = t
	return t
}

// Errorf returns a syntax error positioned at tok. A pending lexer error
// takes precedence since it caused whatever the parser tripped over.
func (p *Parser) Errorf(tok lexer.Token, format string, args ...any) error {
	if p.lexErr != nil {
		return p.lexErr
	}
	return tplerr.Syntax(tok.Line, tok.Col, format, args...)
}

func (p *Parser) unexpected(tok lexer.Token, want string) error {
	if tok.Type == lexer.EOF {
		return p.Errorf(tok, "unexpected end of template, expected %s", want)
	}
	return p.Errorf(tok, "expected %s, got %s", want, tok.Describe())
}

// Expect consumes the next token if it has the given type (and value, when
// not empty) or fails.
func (p *Parser) Expect(typ lexer.TokenType, value string) (lexer.Token, error) {
	t := p.Peek()
	if !t.Is(typ, value) {
		want := typ.String()
		if value != "" {
			want = fmt.Sprintf("'%s'", value)
		}
		return t, p.unexpected(t, want)
	}
	return p.Next(), nil
}

// ExpectName consumes a name token and returns its value.
func (p *Parser) ExpectName() (string, error) {
	t, err := p.Expect(lexer.Name, "")
	return t.Value, err
}

// ExpectBlockEnd consumes the closing delimiter of a statement.
func (p *Parser) ExpectBlockEnd() error {
	_, err := p.Expect(lexer.BlockEnd, "")
	return err
}

// SkipIf consumes the next token if it matches.
func (p *Parser) SkipIf(typ lexer.TokenType, value string) bool {
	if p.Peek().Is(typ, value) {
		p.Next()
		return true
	}
	return false
}

// SkipName consumes the name n if it is next.
func (p *Parser) SkipName(n string) bool { return p.SkipIf(lexer.Name, n) }

// SkipOp consumes the operator op if it is next.
func (p *Parser) SkipOp(op string) bool { return p.SkipIf(lexer.Operator, op) }

// ParseBody parses statements until one of endTags. It consumes the end tag
// name and returns it; the caller consumes the rest of the end tag.
func (p *Parser) ParseBody(endTags ...string) ([]ast.Node, string, error) {
	return p.parseNodes(endTags)
}

func (p *Parser) parseNodes(endTags []string) ([]ast.Node, string, error) {
	if len(endTags) > 0 {
		p.ends = append(p.ends, endTags)
		defer func() { p.ends = p.ends[:len(p.ends)-1] }()
	}
	var nodes []ast.Node
	for {
		t := p.Next()
		switch t.Type {
		case lexer.EOF:
			if len(endTags) > 0 {
				return nil, "", p.Errorf(t, "unexpected end of template, expected %s", quoteAll(endTags))
			}
			return nodes, "", nil
		case lexer.Data:
			nodes = append(nodes, &ast.TextNode{Pos: pos(t), Text: t.Value})
		case lexer.VariableStart:
			e, err := p.ParseTuple(true, nil)
			if err != nil {
				return nil, "", err
			}
			if _, err := p.Expect(lexer.VariableEnd, ""); err != nil {
				return nil, "", err
			}
			nodes = append(nodes, &ast.OutputNode{Pos: pos(t), Expr: e})
		case lexer.BlockStart:
			name := p.Peek()
			if name.Type == lexer.Name && contains(endTags, name.Value) {
				p.Next()
				return nodes, name.Value, nil
			}
			n, err := p.parseStatement()
			if err != nil {
				return nil, "", err
			}
			if n != nil {
				nodes = append(nodes, n)
			}
		default:
			return nil, "", p.Errorf(t, "unexpected %s", t.Describe())
		}
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = "'" + n + "'"
	}
	return strings.Join(q, " or ")
}

func pos(t lexer.Token) ast.Pos { return ast.Pos{Line: t.Line, Col: t.Col} }

func (p *Parser) parseStatement() (ast.Node, error) {
	t := p.Next()
	if t.Type != lexer.Name {
		return nil, p.unexpected(t, "statement name")
	}
	switch t.Value {
	case "if":
		return p.parseIf(t)
	case "for":
		return p.parseFor(t)
	case "block":
		return p.parseBlock(t)
	case "extends":
		return p.parseExtends(t)
	case "include":
		return p.parseInclude(t)
	case "import":
		return p.parseImport(t)
	case "from":
		return p.parseFromImport(t)
	case "set":
		return p.parseSet(t)
	case "macro":
		return p.parseMacro(t)
	case "call":
		return p.parseCallBlock(t)
	case "filter":
		return p.parseFilterBlock(t)
	case "raw", "verbatim":
		return p.parseRaw(t)
	case "do":
		return p.parseDo(t)
	case "with":
		return p.parseWith(t)
	case "autoescape":
		return p.parseAutoescape(t)
	}
	if fn, ok := p.tags[t.Value]; ok {
		return fn(p, t)
	}
	msg := fmt.Sprintf("unknown tag '%s'", t.Value)
	if len(p.ends) > 0 {
		msg += fmt.Sprintf(", expected %s", quoteAll(p.ends[len(p.ends)-1]))
	}
	return nil, p.Errorf(t, "%s", msg)
}

func (p *Parser) parseIf(tag lexer.Token) (ast.Node, error) {
	n := &ast.IfNode{Pos: pos(tag)}
	cond, err := p.ParseTuple(false, nil)
	if err != nil {
		return nil, err
	}
	n.Cond = cond
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	body, end, err := p.parseNodes([]string{"elif", "elseif", "else", "endif"})
	if err != nil {
		return nil, err
	}
	n.Then = body
	for end == "elif" || end == "elseif" {
		at := p.last
		c, err := p.ParseTuple(false, nil)
		if err != nil {
			return nil, err
		}
		if err := p.ExpectBlockEnd(); err != nil {
			return nil, err
		}
		b, e, err := p.parseNodes([]string{"elif", "elseif", "else", "endif"})
		if err != nil {
			return nil, err
		}
		n.Elifs = append(n.Elifs, ast.ElifBranch{Pos: pos(at), Cond: c, Body: b})
		end = e
	}
	if end == "else" {
		if err := p.ExpectBlockEnd(); err != nil {
			return nil, err
		}
		b, _, err := p.parseNodes([]string{"endif"})
		if err != nil {
			return nil, err
		}
		n.Else = b
	}
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseFor(tag lexer.Token) (ast.Node, error) {
	n := &ast.ForNode{Pos: pos(tag)}
	target, err := p.parseAssignTarget(true, false)
	if err != nil {
		return nil, err
	}
	n.Target = target
	if _, err := p.Expect(lexer.Name, "in"); err != nil {
		return nil, err
	}
	iter, err := p.parseTupleExpr(false, false, []string{"recursive"})
	if err != nil {
		return nil, err
	}
	n.Iter = iter
	if p.SkipName("if") {
		test, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		n.Test = test
	}
	n.Recursive = p.SkipName("recursive")
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	body, end, err := p.parseNodes([]string{"endfor", "else"})
	if err != nil {
		return nil, err
	}
	n.Body = body
	if end == "else" {
		if err := p.ExpectBlockEnd(); err != nil {
			return nil, err
		}
		if n.Else, _, err = p.parseNodes([]string{"endfor"}); err != nil {
			return nil, err
		}
	}
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseBlock(tag lexer.Token) (ast.Node, error) {
	n := &ast.BlockNode{Pos: pos(tag)}
	name, err := p.ExpectName()
	if err != nil {
		return nil, err
	}
	n.Name = name
	for {
		t := p.Peek()
		if t.Type != lexer.Name {
			break
		}
		switch {
		case t.Value == "scoped" && n.Scoped:
			return nil, p.Errorf(t, "duplicate 'scoped' modifier on block '%s'", name)
		case t.Value == "scoped" && n.Required:
			return nil, p.Errorf(t, "'scoped' must come before 'required' on block '%s'", name)
		case t.Value == "scoped":
			n.Scoped = true
		case t.Value == "required" && n.Required:
			return nil, p.Errorf(t, "duplicate 'required' modifier on block '%s'", name)
		case t.Value == "required":
			n.Required = true
		default:
			return nil, p.unexpected(t, "'end of statement block'")
		}
		p.Next()
	}
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	if p.blocks[name] {
		return nil, p.Errorf(tag, "block '%s' defined twice", name)
	}
	p.blocks[name] = true
	body, _, err := p.parseNodes([]string{"endblock"})
	if err != nil {
		return nil, err
	}
	n.Body = body
	if t := p.Peek(); t.Type == lexer.Name {
		p.Next()
		if t.Value != name {
			return nil, p.Errorf(t, "endblock name '%s' does not match block '%s'", t.Value, name)
		}
	}
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseExtends(tag lexer.Token) (ast.Node, error) {
	e, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	return &ast.ExtendsNode{Pos: pos(tag), Template: e}, p.ExpectBlockEnd()
}

// parseContext reads an optional "with context" / "without context".
func (p *Parser) parseContext(def bool) bool {
	t := p.Peek()
	if (t.IsName("with") || t.IsName("without")) && p.PeekN(1).IsName("context") {
		p.Next()
		p.Next()
		return t.Value == "with"
	}
	return def
}

func (p *Parser) parseInclude(tag lexer.Token) (ast.Node, error) {
	e, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	n := &ast.IncludeNode{Pos: pos(tag), Template: e}
	if p.Peek().IsName("ignore") && p.PeekN(1).IsName("missing") {
		p.Next()
		p.Next()
		n.IgnoreMissing = true
	}
	n.WithContext = p.parseContext(true)
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseImport(tag lexer.Token) (ast.Node, error) {
	e, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.Expect(lexer.Name, "as"); err != nil {
		return nil, err
	}
	target, err := p.ExpectName()
	if err != nil {
		return nil, err
	}
	n := &ast.ImportNode{Pos: pos(tag), Template: e, Target: target}
	n.WithContext = p.parseContext(false)
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseFromImport(tag lexer.Token) (ast.Node, error) {
	e, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.Expect(lexer.Name, "import"); err != nil {
		return nil, err
	}
	n := &ast.FromImportNode{Pos: pos(tag), Template: e}
	for {
		if len(n.Names) > 0 {
			if t := p.Peek(); (t.IsName("with") || t.IsName("without")) && p.PeekN(1).IsName("context") {
				break
			}
		}
		t, err := p.Expect(lexer.Name, "")
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(t.Value, "_") {
			return nil, p.Errorf(t, "names starting with an underline can not be imported")
		}
		in := ast.ImportName{Name: t.Value}
		if p.SkipName("as") {
			if in.Alias, err = p.ExpectName(); err != nil {
				return nil, err
			}
		}
		n.Names = append(n.Names, in)
		if !p.SkipOp(",") {
			break
		}
		if p.Peek().Type == lexer.BlockEnd {
			break
		}
	}
	n.WithContext = p.parseContext(false)
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseSet(tag lexer.Token) (ast.Node, error) {
	target, err := p.parseAssignTarget(true, true)
	if err != nil {
		return nil, err
	}
	if p.SkipOp("=") {
		v, err := p.ParseTuple(true, nil)
		if err != nil {
			return nil, err
		}
		return &ast.SetNode{Pos: pos(tag), Target: target, Value: v}, p.ExpectBlockEnd()
	}
	if _, ok := target.(*ast.Tuple); ok {
		return nil, p.Errorf(tag, "block assignment needs a single target")
	}
	n := &ast.SetBlockNode{Pos: pos(tag), Target: target}
	for p.SkipOp("|") {
		f, err := p.parseFilter(nil)
		if err != nil {
			return nil, err
		}
		n.Filters = append(n.Filters, f)
	}
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	body, _, err := p.parseNodes([]string{"endset"})
	if err != nil {
		return nil, err
	}
	n.Body = body
	return n, p.ExpectBlockEnd()
}

// parseSignature reads a parameter list. Catch-all parameters are not
// allowed in definitions.
func (p *Parser) parseSignature() ([]ast.Param, error) {
	if _, err := p.Expect(lexer.Operator, "("); err != nil {
		return nil, err
	}
	var params []ast.Param
	seen := map[string]bool{}
	hasDefault := false
	for !p.Peek().IsOp(")") {
		if len(params) > 0 {
			if _, err := p.Expect(lexer.Operator, ","); err != nil {
				return nil, err
			}
			if p.Peek().IsOp(")") {
				break
			}
		}
		t := p.Peek()
		if t.IsOp("*") || t.IsOp("**") {
			return nil, p.Errorf(t, "unexpected '%s' in parameter list", t.Value)
		}
		name, err := p.ExpectName()
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, p.Errorf(t, "duplicate argument '%s'", name)
		}
		seen[name] = true
		prm := ast.Param{Name: name}
		if p.SkipOp("=") {
			if prm.Default, err = p.ParseExpression(); err != nil {
				return nil, err
			}
			hasDefault = true
		} else if hasDefault {
			return nil, p.Errorf(t, "non-default argument follows default argument")
		}
		params = append(params, prm)
	}
	p.Next()
	return params, nil
}

func (p *Parser) parseMacro(tag lexer.Token) (ast.Node, error) {
	name, err := p.ExpectName()
	if err != nil {
		return nil, err
	}
	params, err := p.parseSignature()
	if err != nil {
		return nil, err
	}
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	body, _, err := p.parseNodes([]string{"endmacro"})
	if err != nil {
		return nil, err
	}
	if t := p.Peek(); t.Type == lexer.Name {
		p.Next()
		if t.Value != name {
			return nil, p.Errorf(t, "endmacro name '%s' does not match macro '%s'", t.Value, name)
		}
	}
	return &ast.MacroNode{Pos: pos(tag), Name: name, Params: params, Body: body}, p.ExpectBlockEnd()
}

func (p *Parser) parseCallBlock(tag lexer.Token) (ast.Node, error) {
	n := &ast.CallBlockNode{Pos: pos(tag)}
	if p.Peek().IsOp("(") {
		params, err := p.parseSignature()
		if err != nil {
			return nil, err
		}
		n.Params = params
	}
	at := p.Peek()
	e, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	call, ok := e.(*ast.Call)
	if !ok {
		return nil, p.Errorf(at, "expected call")
	}
	n.Call = call
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	if n.Body, _, err = p.parseNodes([]string{"endcall"}); err != nil {
		return nil, err
	}
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseFilterBlock(tag lexer.Token) (ast.Node, error) {
	n := &ast.FilterBlockNode{Pos: pos(tag)}
	for {
		f, err := p.parseFilter(nil)
		if err != nil {
			return nil, err
		}
		n.Filters = append(n.Filters, f)
		if !p.SkipOp("|") {
			break
		}
	}
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	body, _, err := p.parseNodes([]string{"endfilter"})
	if err != nil {
		return nil, err
	}
	n.Body = body
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseRaw(tag lexer.Token) (ast.Node, error) {
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	n := &ast.RawNode{Pos: pos(tag)}
	if t := p.Peek(); t.Type == lexer.Data {
		n.Text = p.Next().Value
	}
	if _, err := p.Expect(lexer.BlockStart, ""); err != nil {
		return nil, err
	}
	if _, err := p.Expect(lexer.Name, "end"+tag.Value); err != nil {
		return nil, err
	}
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseDo(tag lexer.Token) (ast.Node, error) {
	e, err := p.ParseTuple(true, nil)
	if err != nil {
		return nil, err
	}
	return &ast.DoNode{Pos: pos(tag), Expr: e}, p.ExpectBlockEnd()
}

func (p *Parser) parseWith(tag lexer.Token) (ast.Node, error) {
	n := &ast.WithNode{Pos: pos(tag)}
	for p.Peek().Type != lexer.BlockEnd {
		if len(n.Targets) > 0 {
			if _, err := p.Expect(lexer.Operator, ","); err != nil {
				return nil, err
			}
		}
		target, err := p.parseAssignTarget(false, false)
		if err != nil {
			return nil, err
		}
		if _, err := p.Expect(lexer.Operator, "="); err != nil {
			return nil, err
		}
		v, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		n.Targets = append(n.Targets, target)
		n.Values = append(n.Values, v)
	}
	p.Next()
	body, _, err := p.parseNodes([]string{"endwith"})
	if err != nil {
		return nil, err
	}
	n.Body = body
	return n, p.ExpectBlockEnd()
}

func (p *Parser) parseAutoescape(tag lexer.Token) (ast.Node, error) {
	e, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.ExpectBlockEnd(); err != nil {
		return nil, err
	}
	body, _, err := p.parseNodes([]string{"endautoescape"})
	if err != nil {
		return nil, err
	}
	return &ast.AutoescapeNode{Pos: pos(tag), Enabled: e, Body: body}, p.ExpectBlockEnd()
}

// parseAssignTarget reads a name, a namespace reference (ns.attr) when
// withNamespace is set, or a comma separated list of names when withTuple
// is set.
func (p *Parser) parseAssignTarget(withTuple, withNamespace bool) (ast.Expr, error) {
	t := p.Peek()
	if withNamespace && t.Type == lexer.Name && p.PeekN(1).IsOp(".") && p.PeekN(2).Type == lexer.Name {
		p.Next()
		p.Next()
		attr := p.Next()
		return &ast.NSRef{Pos: pos(t), Name: t.Value, Attr: attr.Value}, nil
	}
	paren := withTuple && p.SkipOp("(")
	var items []ast.Expr
	trailing := false
	for {
		nt := p.Peek()
		if nt.Type != lexer.Name {
			return nil, p.Errorf(nt, "can't assign to %s", nt.Describe())
		}
		p.Next()
		items = append(items, &ast.Name{Pos: pos(nt), Name: nt.Value})
		trailing = false
		if !withTuple || !p.SkipOp(",") {
			break
		}
		trailing = true
		if nx := p.Peek(); nx.Type != lexer.Name {
			break
		}
	}
	if paren {
		if _, err := p.Expect(lexer.Operator, ")"); err != nil {
			return nil, err
		}
	}
	if len(items) == 1 && !trailing && !paren {
		return items[0], nil
	}
	return &ast.Tuple{Pos: pos(t), Items: items}, nil
}
