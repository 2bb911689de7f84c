package ast

// Const is a literal: nil, bool, int64, float64 or string.
type Const struct {
	Pos
	Value any
}

// Name references a variable.
type Name struct {
	Pos
	Name string
}

// NSRef is an assignment target of the form ns.attr.
type NSRef struct {
	Pos
	Name string
	Attr string
}

// Getattr is x.attr.
type Getattr struct {
	Pos
	Node Expr
	Attr string
}

// Getitem is x[arg]; Arg may be a *Slice.
type Getitem struct {
	Pos
	Node Expr
	Arg  Expr
}

// Slice is start:stop:step inside a subscript. Absent bounds are nil.
type Slice struct {
	Pos
	Start Expr
	Stop  Expr
	Step  Expr
}

// Unary is one of not, - and +.
type Unary struct {
	Pos
	Op   string
	Node Expr
}

// Binary covers the arithmetic operators and the short-circuit and/or.
type Binary struct {
	Pos
	Op    string
	Left  Expr
	Right Expr
}

// Concat joins the string forms of its operands (the ~ operator).
type Concat struct {
	Pos
	Nodes []Expr
}

// Operand is one link of a comparison chain.
type Operand struct {
	Op   string // ==, !=, <, <=, >, >=, in, not in
	Expr Expr
}

// Compare is a comparison chain: a < b < c means a < b and b < c.
type Compare struct {
	Pos
	Expr Expr
	Ops  []Operand
}

// CondExpr is "then if test else else". Else is nil when omitted.
type CondExpr struct {
	Pos
	Test Expr
	Then Expr
	Else Expr
}

// Keyword is a name=value call argument.
type Keyword struct {
	Name  string
	Value Expr
}

// CallArgs holds the argument groups of a call, filter or test.
type CallArgs struct {
	Positional []Expr
	Keywords   []Keyword
	DynArgs    Expr // *args
	DynKwargs  Expr // **kwargs
}

// Call is x(args).
type Call struct {
	Pos
	Node Expr
	CallArgs
}

// Filter is x|name(args). Node is nil inside filter blocks.
type Filter struct {
	Pos
	Node Expr
	Name string
	CallArgs
}

// Test is x is name(args).
type Test struct {
	Pos
	Node Expr
	Name string
	CallArgs
}

type Tuple struct {
	Pos
	Items []Expr
}

type List struct {
	Pos
	Items []Expr
}

type Pair struct {
	Key   Expr
	Value Expr
}

type Dict struct {
	Pos
	Pairs []Pair
}

func (*Const) node()    {}
func (*Name) node()     {}
func (*NSRef) node()    {}
func (*Getattr) node()  {}
func (*Getitem) node()  {}
func (*Slice) node()    {}
func (*Unary) node()    {}
func (*Binary) node()   {}
func (*Concat) node()   {}
func (*Compare) node()  {}
func (*CondExpr) node() {}
func (*Call) node()     {}
func (*Filter) node()   {}
func (*Test) node()     {}
func (*Tuple) node()    {}
func (*List) node()     {}
func (*Dict) node()     {}

func (*Const) expr()    {}
func (*Name) expr()     {}
func (*NSRef) expr()    {}
func (*Getattr) expr()  {}
func (*Getitem) expr()  {}
func (*Slice) expr()    {}
func (*Unary) expr()    {}
func (*Binary) expr()   {}
func (*Concat) expr()   {}
func (*Compare) expr()  {}
func (*CondExpr) expr() {}
func (*Call) expr()     {}
func (*Filter) expr()   {}
func (*Test) expr()     {}
func (*Tuple) expr()    {}
func (*List) expr()     {}
func (*Dict) expr()     {}
