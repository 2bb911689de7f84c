package lexer

import "fmt"

// TokenType identifies the kind of a lexed token.
type TokenType int

const (
	EOF TokenType = iota
	Data
	BlockStart    // {% or {%- or a line statement prefix
	BlockEnd      // %} or -%} or the newline ending a line statement
	VariableStart // {{ or {{-
	VariableEnd   // }} or -}}
	Name
	String
	Int
	Float
	Boolean
	None
	Operator
)

var tokenTypeNames = map[TokenType]string{
	EOF:           "end of template",
	Data:          "template data",
	BlockStart:    "begin of statement block",
	BlockEnd:      "end of statement block",
	VariableStart: "begin of print statement",
	VariableEnd:   "end of print statement",
	Name:          "name",
	String:        "string",
	Int:           "integer",
	Float:         "float",
	Boolean:       "boolean",
	None:          "none",
	Operator:      "operator",
}

func (t TokenType) String() string {
	if s, ok := tokenTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// Token is a single lexical unit. Line and Col are 1-based; Pos is the byte
// offset into the (preprocessed) source.
type Token struct {
	Type  TokenType
	Value string
	Line  int
	Col   int
	Pos   int
}

// Is reports whether the token has the given type and, when value is not
// empty, the given value.
func (t Token) Is(typ TokenType, value string) bool {
	return t.Type == typ && (value == "" || t.Value == value)
}

// IsName reports whether the token is the name n.
func (t Token) IsName(n string) bool {
	return t.Type == Name && t.Value == n
}

// IsOp reports whether the token is the operator op.
func (t Token) IsOp(op string) bool {
	return t.Type == Operator && t.Value == op
}

// Describe renders the token for error messages.
func (t Token) Describe() string {
	switch t.Type {
	case Name, Operator:
		return fmt.Sprintf("'%s'", t.Value)
	case EOF, BlockStart, BlockEnd, VariableStart, VariableEnd:
		return t.Type.String()
	default:
		return fmt.Sprintf("%s %q", t.Type, t.Value)
	}
}

func (t Token) String() string {
	return fmt.Sprintf("%d:%d %s %q", t.Line, t.Col, t.Type, t.Value)
}

// TokenStream yields tokens one at a time. Implementations are single pass.
type TokenStream interface {
	Next() (Token, error)
}

// StreamFunc adapts a function to a TokenStream.
type StreamFunc func() (Token, error)

func (f StreamFunc) Next() (Token, error) { return f() }

// SliceStream replays a fixed list of tokens and then EOF.
type SliceStream struct {
	toks []Token
	i    int
}

func NewSliceStream(toks []Token) *SliceStream {
	return &SliceStream{toks: toks}
}

func (s *SliceStream) Next() (Token, error) {
	if s.i >= len(s.toks) {
		if n := len(s.toks); n > 0 && s.toks[n-1].Type == EOF {
			return s.toks[n-1], nil
		}
		return Token{Type: EOF}, nil
	}
	t := s.toks[s.i]
	s.i++
	return t, nil
}

// Collect drains a stream into a slice, including the trailing EOF token.
func Collect(ts TokenStream) ([]Token, error) {
	var out []Token
	for {
		t, err := ts.Next()
		if err != nil {
			return out, err
		}
		out = append(out, t)
		if t.Type == EOF {
			return out, nil
		}
	}
}
