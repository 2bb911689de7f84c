package parser

import (
	"strconv"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/lexer"
)

// Operator precedence, lowest first:
//
//	x if c else y
//	or
//	and
//	not
//	== != < <= > >= in, not in (chained)
//	~
//	+ -
//	* / // %
//	**
//	unary - +
//	|filter, is test
//	.attr [item] (call)

// ParseExpression parses a single expression including conditional
// expressions.
func (p *Parser) ParseExpression() (ast.Expr, error) {
	return p.parseExpr(true)
}

// ParseTuple parses an expression or a comma separated tuple of them. It
// stops at the end of a tag, a closing parenthesis or one of the names in
// extraEnd.
func (p *Parser) ParseTuple(withCondExpr bool, extraEnd []string) (ast.Expr, error) {
	return p.parseTupleExpr(withCondExpr, false, extraEnd)
}

func (p *Parser) parseExpr(withCondExpr bool) (ast.Expr, error) {
	if withCondExpr {
		return p.parseCondExpr()
	}
	return p.parseOr()
}

func (p *Parser) isTupleEnd(extraEnd []string) bool {
	t := p.Peek()
	switch t.Type {
	case lexer.VariableEnd, lexer.BlockEnd, lexer.EOF:
		return true
	case lexer.Operator:
		return t.Value == ")"
	case lexer.Name:
		return contains(extraEnd, t.Value)
	}
	return false
}

func (p *Parser) parseTupleExpr(withCondExpr, explicitParens bool, extraEnd []string) (ast.Expr, error) {
	start := p.Peek()
	var items []ast.Expr
	isTuple := false
	for {
		if len(items) > 0 {
			if _, err := p.Expect(lexer.Operator, ","); err != nil {
				return nil, err
			}
		}
		if p.isTupleEnd(extraEnd) {
			break
		}
		e, err := p.parseExpr(withCondExpr)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
		if p.Peek().IsOp(",") {
			isTuple = true
		} else {
			break
		}
	}
	if !isTuple {
		if len(items) > 0 {
			return items[0], nil
		}
		if !explicitParens {
			return nil, p.unexpected(p.Peek(), "an expression")
		}
	}
	return &ast.Tuple{Pos: pos(start), Items: items}, nil
}

func (p *Parser) parseCondExpr() (ast.Expr, error) {
	start := p.Peek()
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	for p.SkipName("if") {
		test, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		c := &ast.CondExpr{Pos: pos(start), Test: test, Then: e}
		if p.SkipName("else") {
			if c.Else, err = p.parseCondExpr(); err != nil {
				return nil, err
			}
		}
		e = c
	}
	return e, nil
}

func (p *Parser) parseOr() (ast.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.Peek().IsName("or") {
		t := p.Next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Pos: pos(t), Op: "or", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (ast.Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.Peek().IsName("and") {
		t := p.Next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Pos: pos(t), Op: "and", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (ast.Expr, error) {
	if t := p.Peek(); t.IsName("not") {
		p.Next()
		n, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &ast.Unary{Pos: pos(t), Op: "not", Node: n}, nil
	}
	return p.parseCompare()
}

var compareOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *Parser) parseCompare() (ast.Expr, error) {
	start := p.Peek()
	e, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	var ops []ast.Operand
	for {
		t := p.Peek()
		var op string
		switch {
		case t.Type == lexer.Operator && compareOps[t.Value]:
			p.Next()
			op = t.Value
		case t.IsName("in"):
			p.Next()
			op = "in"
		case t.IsName("not") && p.PeekN(1).IsName("in"):
			p.Next()
			p.Next()
			op = "not in"
		}
		if op == "" {
			break
		}
		r, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		ops = append(ops, ast.Operand{Op: op, Expr: r})
	}
	if len(ops) == 0 {
		return e, nil
	}
	return &ast.Compare{Pos: pos(start), Expr: e, Ops: ops}, nil
}

func (p *Parser) parseConcat() (ast.Expr, error) {
	start := p.Peek()
	e, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	nodes := []ast.Expr{e}
	for p.SkipOp("~") {
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, r)
	}
	if len(nodes) == 1 {
		return e, nil
	}
	return &ast.Concat{Pos: pos(start), Nodes: nodes}, nil
}

// binaryLevel parses a left associative chain of the given operators.
func (p *Parser) binaryLevel(next func() (ast.Expr, error), ops ...string) (ast.Expr, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		t := p.Peek()
		if t.Type != lexer.Operator || !contains(ops, t.Value) {
			return left, nil
		}
		p.Next()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &ast.Binary{Pos: pos(t), Op: t.Value, Left: left, Right: right}
	}
}

func (p *Parser) parseAdditive() (ast.Expr, error) {
	return p.binaryLevel(p.parseMultiplicative, "+", "-")
}

func (p *Parser) parseMultiplicative() (ast.Expr, error) {
	return p.binaryLevel(p.parsePow, "*", "/", "//", "%")
}

func (p *Parser) parsePow() (ast.Expr, error) {
	return p.binaryLevel(func() (ast.Expr, error) { return p.parseUnary(true) }, "**")
}

func (p *Parser) parseUnary(withFilter bool) (ast.Expr, error) {
	t := p.Peek()
	var n ast.Expr
	var err error
	if t.IsOp("-") || t.IsOp("+") {
		p.Next()
		operand, err := p.parseUnary(false)
		if err != nil {
			return nil, err
		}
		n = &ast.Unary{Pos: pos(t), Op: t.Value, Node: operand}
	} else {
		if n, err = p.parsePrimary(); err != nil {
			return nil, err
		}
		if n, err = p.parsePostfix(n); err != nil {
			return nil, err
		}
	}
	if withFilter {
		return p.parseFilterExpr(n)
	}
	return n, nil
}

func (p *Parser) parsePrimary() (ast.Expr, error) {
	t := p.Next()
	ps := pos(t)
	switch t.Type {
	case lexer.Name:
		return &ast.Name{Pos: ps, Name: t.Value}, nil
	case lexer.String:
		s := t.Value
		for p.Peek().Type == lexer.String {
			s += p.Next().Value
		}
		return &ast.Const{Pos: ps, Value: s}, nil
	case lexer.Int:
		if i, err := strconv.ParseInt(t.Value, 10, 64); err == nil {
			return &ast.Const{Pos: ps, Value: i}, nil
		}
		f, _ := strconv.ParseFloat(t.Value, 64)
		return &ast.Const{Pos: ps, Value: f}, nil
	case lexer.Float:
		f, err := strconv.ParseFloat(t.Value, 64)
		if err != nil {
			return nil, p.Errorf(t, "invalid float %q", t.Value)
		}
		return &ast.Const{Pos: ps, Value: f}, nil
	case lexer.Boolean:
		return &ast.Const{Pos: ps, Value: t.Value == "true"}, nil
	case lexer.None:
		return &ast.Const{Pos: ps, Value: nil}, nil
	case lexer.Operator:
		switch t.Value {
		case "(":
			if p.SkipOp(")") {
				return &ast.Tuple{Pos: ps}, nil
			}
			e, err := p.parseTupleExpr(true, true, nil)
			if err != nil {
				return nil, err
			}
			if _, err := p.Expect(lexer.Operator, ")"); err != nil {
				return nil, err
			}
			return e, nil
		case "[":
			return p.parseList(t)
		case "{":
			return p.parseDict(t)
		}
	}
	if t.Type == lexer.EOF {
		return nil, p.Errorf(t, "unexpected end of template, expected an expression")
	}
	return nil, p.Errorf(t, "unexpected %s", t.Describe())
}

func (p *Parser) parseList(open lexer.Token) (ast.Expr, error) {
	n := &ast.List{Pos: pos(open)}
	for !p.Peek().IsOp("]") {
		if len(n.Items) > 0 {
			if _, err := p.Expect(lexer.Operator, ","); err != nil {
				return nil, err
			}
			if p.Peek().IsOp("]") {
				break
			}
		}
		e, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		n.Items = append(n.Items, e)
	}
	p.Next()
	return n, nil
}

func (p *Parser) parseDict(open lexer.Token) (ast.Expr, error) {
	n := &ast.Dict{Pos: pos(open)}
	for !p.Peek().IsOp("}") {
		if len(n.Pairs) > 0 {
			if _, err := p.Expect(lexer.Operator, ","); err != nil {
				return nil, err
			}
			if p.Peek().IsOp("}") {
				break
			}
		}
		k, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.Expect(lexer.Operator, ":"); err != nil {
			return nil, err
		}
		v, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		n.Pairs = append(n.Pairs, ast.Pair{Key: k, Value: v})
	}
	p.Next()
	return n, nil
}

func (p *Parser) parsePostfix(n ast.Expr) (ast.Expr, error) {
	for {
		t := p.Peek()
		switch {
		case t.IsOp("."):
			p.Next()
			attr := p.Next()
			switch attr.Type {
			case lexer.Name:
				n = &ast.Getattr{Pos: pos(t), Node: n, Attr: attr.Value}
			case lexer.Int:
				i, _ := strconv.ParseInt(attr.Value, 10, 64)
				n = &ast.Getitem{Pos: pos(t), Node: n, Arg: &ast.Const{Pos: pos(attr), Value: i}}
			default:
				return nil, p.unexpected(attr, "attribute name")
			}
		case t.IsOp("["):
			p.Next()
			arg, err := p.parseSubscript(t)
			if err != nil {
				return nil, err
			}
			n = &ast.Getitem{Pos: pos(t), Node: n, Arg: arg}
		case t.IsOp("("):
			p.Next()
			args, err := p.parseCallArgs()
			if err != nil {
				return nil, err
			}
			n = &ast.Call{Pos: pos(t), Node: n, CallArgs: args}
		default:
			return n, nil
		}
	}
}

func (p *Parser) parseSubscript(open lexer.Token) (ast.Expr, error) {
	var items []ast.Expr
	for {
		if len(items) > 0 {
			if _, err := p.Expect(lexer.Operator, ","); err != nil {
				return nil, err
			}
			if p.Peek().IsOp("]") {
				break
			}
		}
		e, err := p.parseSubscribed()
		if err != nil {
			return nil, err
		}
		items = append(items, e)
		if !p.Peek().IsOp(",") {
			break
		}
	}
	if _, err := p.Expect(lexer.Operator, "]"); err != nil {
		return nil, err
	}
	if len(items) == 1 {
		return items[0], nil
	}
	return &ast.Tuple{Pos: pos(open), Items: items}, nil
}

func (p *Parser) sliceBoundEnds() bool {
	t := p.Peek()
	return t.IsOp("]") || t.IsOp(",") || t.IsOp(":")
}

func (p *Parser) parseSubscribed() (ast.Expr, error) {
	start := p.Peek()
	s := &ast.Slice{Pos: pos(start)}
	if !start.IsOp(":") {
		e, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		if !p.Peek().IsOp(":") {
			return e, nil
		}
		s.Start = e
	}
	p.Next()
	if !p.sliceBoundEnds() {
		e, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		s.Stop = e
	}
	if p.SkipOp(":") && !p.sliceBoundEnds() {
		e, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		s.Step = e
	}
	return s, nil
}

// parseCallArgs parses arguments after the opening parenthesis. Positional
// arguments come first; keywords and a single *args may follow in any
// order; a single **kwargs comes last.
func (p *Parser) parseCallArgs() (ast.CallArgs, error) {
	var a ast.CallArgs
	first := true
	for !p.Peek().IsOp(")") {
		if !first {
			if _, err := p.Expect(lexer.Operator, ","); err != nil {
				return a, err
			}
			if p.Peek().IsOp(")") {
				break
			}
		}
		first = false
		t := p.Peek()
		invalid := func() error {
			return p.Errorf(t, "invalid syntax for function call expression")
		}
		switch {
		case t.IsOp("*"):
			if a.DynArgs != nil || a.DynKwargs != nil {
				return a, invalid()
			}
			p.Next()
			e, err := p.ParseExpression()
			if err != nil {
				return a, err
			}
			a.DynArgs = e
		case t.IsOp("**"):
			if a.DynKwargs != nil {
				return a, invalid()
			}
			p.Next()
			e, err := p.ParseExpression()
			if err != nil {
				return a, err
			}
			a.DynKwargs = e
		case t.Type == lexer.Name && p.PeekN(1).IsOp("="):
			if a.DynKwargs != nil {
				return a, invalid()
			}
			p.Next()
			p.Next()
			e, err := p.ParseExpression()
			if err != nil {
				return a, err
			}
			a.Keywords = append(a.Keywords, ast.Keyword{Name: t.Value, Value: e})
		default:
			if a.DynArgs != nil || a.DynKwargs != nil || len(a.Keywords) > 0 {
				return a, invalid()
			}
			e, err := p.ParseExpression()
			if err != nil {
				return a, err
			}
			a.Positional = append(a.Positional, e)
		}
	}
	_, err := p.Expect(lexer.Operator, ")")
	return a, err
}

func (p *Parser) parseFilterExpr(n ast.Expr) (ast.Expr, error) {
	for {
		t := p.Peek()
		var err error
		switch {
		case t.IsOp("|"):
			p.Next()
			n, err = p.parseFilter(n)
		case t.IsName("is"):
			p.Next()
			n, err = p.parseTest(n, t)
		case t.IsOp("("):
			p.Next()
			var args ast.CallArgs
			args, err = p.parseCallArgs()
			n = &ast.Call{Pos: pos(t), Node: n, CallArgs: args}
		default:
			return n, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// parseFilter parses name[(args)] after a '|'. n may be nil for filter
// blocks and block assignments.
func (p *Parser) parseFilter(n ast.Expr) (*ast.Filter, error) {
	t, err := p.Expect(lexer.Name, "")
	if err != nil {
		return nil, err
	}
	f := &ast.Filter{Pos: pos(t), Node: n, Name: t.Value}
	for p.Peek().IsOp(".") && p.PeekN(1).Type == lexer.Name {
		p.Next()
		f.Name += "." + p.Next().Value
	}
	if p.SkipOp("(") {
		if f.CallArgs, err = p.parseCallArgs(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

var noTestArg = map[string]bool{"else": true, "or": true, "and": true, "if": true, "in": true, "not": true, "recursive": true, "is": true}

func (p *Parser) parseTest(n ast.Expr, isTok lexer.Token) (ast.Expr, error) {
	negated := p.SkipName("not")
	t := p.Next()
	var name string
	switch t.Type {
	case lexer.Name, lexer.Boolean, lexer.None:
		name = t.Value
	default:
		return nil, p.unexpected(t, "test name")
	}
	for p.Peek().IsOp(".") && p.PeekN(1).Type == lexer.Name {
		p.Next()
		name += "." + p.Next().Value
	}
	test := &ast.Test{Pos: pos(t), Node: n, Name: name}
	nt := p.Peek()
	switch {
	case nt.IsOp("("):
		p.Next()
		args, err := p.parseCallArgs()
		if err != nil {
			return nil, err
		}
		test.CallArgs = args
	case nt.Type == lexer.String || nt.Type == lexer.Int || nt.Type == lexer.Float ||
		nt.Type == lexer.Boolean || nt.Type == lexer.None ||
		nt.IsOp("[") || nt.IsOp("{") ||
		nt.Type == lexer.Name && !noTestArg[nt.Value]:
		arg, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		if arg, err = p.parsePostfix(arg); err != nil {
			return nil, err
		}
		test.Positional = []ast.Expr{arg}
	}
	if negated {
		return &ast.Unary{Pos: pos(isTok), Op: "not", Node: test}, nil
	}
	return test, nil
}
