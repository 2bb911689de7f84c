// Package lexer scans template source into tokens.
//
// Text outside tags becomes Data tokens. Inside {{ }} and {% %} the lexer
// yields names, literals and operators. Comments {# #} produce no tokens.
// Delimiters are configurable; the matching rules are built from them when a
// Lexer is constructed.
package lexer

import (
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/neurodesk/jinja/internal/numfmt"
	"github.com/neurodesk/jinja/pkg/tplerr"
)

// Delimiters is the tag syntax of an environment.
type Delimiters struct {
	BlockStart    string `yaml:"block_start"`
	BlockEnd      string `yaml:"block_end"`
	VariableStart string `yaml:"variable_start"`
	VariableEnd   string `yaml:"variable_end"`
	CommentStart  string `yaml:"comment_start"`
	CommentEnd    string `yaml:"comment_end"`
	// LineStatementPrefix, when set, turns a line starting with it into a
	// statement terminated by the end of the line.
	LineStatementPrefix string `yaml:"line_statement_prefix,omitempty"`
	LineCommentPrefix   string `yaml:"line_comment_prefix,omitempty"`
}

// DefaultDelimiters returns the standard {% %}, {{ }} and {# #} syntax.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		BlockStart:    "{%",
		BlockEnd:      "%}",
		VariableStart: "{{",
		VariableEnd:   "}}",
		CommentStart:  "{#",
		CommentEnd:    "#}",
	}
}

// Config controls delimiters and whitespace handling.
type Config struct {
	Delimiters `yaml:",inline"`
	// TrimBlocks removes the first newline after a block or comment tag.
	TrimBlocks bool `yaml:"trim_blocks"`
	// LstripBlocks strips spaces and tabs from the start of a line up to a
	// block or comment tag.
	LstripBlocks bool `yaml:"lstrip_blocks"`
}

type mode int

const (
	modeData mode = iota
	modeBlock
	modeVariable
	modeLineStatement
)

type markerKind int

const (
	markNone markerKind = iota
	markBlock
	markVariable
	markComment
	markLineStatement
	markLineComment
)

type marker struct {
	kind markerKind
	text string
}

// Lexer produces tokens lazily. It is single pass: once drained it keeps
// returning EOF (or the error that stopped it).
type Lexer struct {
	src string
	cfg Config

	pos  int
	line int
	col  int

	mode    mode
	pending []Token
	braces  []byte
	err     error

	// whitespace policy carried from the previous tag into the next data run
	stripNext   bool
	trimNewline bool

	// tag delimiters ordered longest first so overlapping prefixes resolve
	starts []marker
}

// New returns a lexer over src. Zero-valued delimiters fall back to the
// defaults.
func New(src string, cfg Config) *Lexer {
	def := DefaultDelimiters()
	d := &cfg.Delimiters
	for v, dv := range map[*string]string{
		&d.BlockStart:    def.BlockStart,
		&d.BlockEnd:      def.BlockEnd,
		&d.VariableStart: def.VariableStart,
		&d.VariableEnd:   def.VariableEnd,
		&d.CommentStart:  def.CommentStart,
		&d.CommentEnd:    def.CommentEnd,
	} {
		if *v == "" {
			*v = dv
		}
	}
	l := &Lexer{src: src, cfg: cfg, line: 1, col: 1}
	l.starts = []marker{
		{markBlock, d.BlockStart},
		{markVariable, d.VariableStart},
		{markComment, d.CommentStart},
	}
	sort.SliceStable(l.starts, func(i, j int) bool {
		return len(l.starts[i].text) > len(l.starts[j].text)
	})
	return l
}

// Tokenize is a convenience that lexes src fully.
func Tokenize(src string, cfg Config) ([]Token, error) {
	return Collect(New(src, cfg))
}

// Next returns the next token.
func (l *Lexer) Next() (Token, error) {
	for len(l.pending) == 0 {
		if l.err != nil {
			return Token{}, l.err
		}
		var err error
		if l.mode == modeData {
			err = l.lexData()
		} else {
			err = l.lexTag()
		}
		if err != nil {
			l.err = err
			l.pending = nil
			return Token{}, err
		}
	}
	t := l.pending[0]
	l.pending = l.pending[1:]
	return t, nil
}

func (l *Lexer) emit(typ TokenType, val string, pos, line, col int) {
	l.pending = append(l.pending, Token{Type: typ, Value: val, Line: line, Col: col, Pos: pos})
}

// advance moves the cursor to p, keeping line and column current.
func (l *Lexer) advance(p int) {
	for l.pos < p {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if r == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
		l.pos += size
	}
}

func (l *Lexer) syntaxErr(format string, args ...any) error {
	return tplerr.Syntax(l.line, l.col, format, args...)
}

func atLineStart(src string, i int) bool {
	return i == 0 || src[i-1] == '\n'
}

// findMarker locates the next tag opener at or after from.
func (l *Lexer) findMarker(from int) (int, marker) {
	d := l.cfg.Delimiters
	for i := from; i < len(l.src); i++ {
		if d.LineStatementPrefix != "" && atLineStart(l.src, i) {
			j := i
			for j < len(l.src) && (l.src[j] == ' ' || l.src[j] == '\t') {
				j++
			}
			isComment := d.LineCommentPrefix != "" && len(d.LineCommentPrefix) > len(d.LineStatementPrefix) &&
				strings.HasPrefix(l.src[j:], d.LineCommentPrefix)
			if !isComment && strings.HasPrefix(l.src[j:], d.LineStatementPrefix) {
				return i, marker{markLineStatement, l.src[i : j+len(d.LineStatementPrefix)]}
			}
		}
		if d.LineCommentPrefix != "" && strings.HasPrefix(l.src[i:], d.LineCommentPrefix) {
			return i, marker{markLineComment, d.LineCommentPrefix}
		}
		for _, m := range l.starts {
			if strings.HasPrefix(l.src[i:], m.text) {
				return i, m
			}
		}
	}
	return len(l.src), marker{}
}

const spaceChars = " \t\r\n"

// lstripTail removes trailing spaces and tabs when they are the only content
// between the start of the line and the tag at end.
func lstripTail(src string, start, end int) int {
	i := end
	for i > start && (src[i-1] == ' ' || src[i-1] == '\t') {
		i--
	}
	if i > start {
		if src[i-1] == '\n' {
			return i
		}
		return end
	}
	if atLineStart(src, i) {
		return i
	}
	return end
}

func (l *Lexer) lexData() error {
	for {
		if l.pos >= len(l.src) {
			l.emit(EOF, "", l.pos, l.line, l.col)
			return nil
		}
		start := l.pos
		idx, m := l.findMarker(start)

		// modifier directly after the opener
		var modifier byte
		if m.kind == markBlock || m.kind == markVariable || m.kind == markComment {
			if p := idx + len(m.text); p < len(l.src) && (l.src[p] == '-' || l.src[p] == '+') {
				modifier = l.src[p]
			}
		}

		end := idx
		switch {
		case modifier == '-':
			end = len(strings.TrimRight(l.src[start:idx], spaceChars)) + start
		case l.cfg.LstripBlocks && modifier != '+' && (m.kind == markBlock || m.kind == markComment):
			end = lstripTail(l.src, start, idx)
		}
		text := l.src[start:end]
		if l.stripNext {
			text = strings.TrimLeft(text, spaceChars)
		} else if l.trimNewline {
			if strings.HasPrefix(text, "\r\n") {
				text = text[2:]
			} else if strings.HasPrefix(text, "\n") {
				text = text[1:]
			}
		}
		l.stripNext, l.trimNewline = false, false
		if text != "" {
			line, col := l.line, l.col
			l.emit(Data, text, start, line, col)
		}
		l.advance(idx)

		switch m.kind {
		case markNone:
			continue
		case markComment:
			if err := l.skipComment(m, modifier); err != nil {
				return err
			}
			if len(l.pending) > 0 {
				return nil
			}
		case markLineComment:
			nl := strings.IndexByte(l.src[l.pos:], '\n')
			if nl < 0 {
				l.advance(len(l.src))
			} else {
				l.advance(l.pos + nl)
			}
			if len(l.pending) > 0 {
				return nil
			}
		case markLineStatement:
			l.emit(BlockStart, strings.TrimLeft(m.text, " \t"), l.pos, l.line, l.col)
			l.advance(l.pos + len(m.text))
			l.mode = modeLineStatement
			return nil
		case markVariable:
			l.emit(VariableStart, m.text, l.pos, l.line, l.col)
			n := len(m.text)
			if modifier == '-' {
				n++
			}
			l.advance(l.pos + n)
			l.mode = modeVariable
			return nil
		case markBlock:
			ok, err := l.lexRaw(m)
			if err != nil || ok {
				return err
			}
			l.emit(BlockStart, m.text, l.pos, l.line, l.col)
			n := len(m.text)
			if modifier != 0 {
				n++
			}
			l.advance(l.pos + n)
			l.mode = modeBlock
			return nil
		}
	}
}

func (l *Lexer) skipComment(m marker, modifier byte) error {
	d := l.cfg.Delimiters
	body := l.pos + len(m.text)
	if modifier != 0 {
		body++
	}
	i := strings.Index(l.src[body:], d.CommentEnd)
	if i < 0 {
		return l.syntaxErr("unexpected end of comment")
	}
	closeAt := body + i
	l.setTrailing(l.src[body:closeAt])
	l.advance(closeAt + len(d.CommentEnd))
	return nil
}

// setTrailing applies the whitespace policy of a tag's closing modifier
// given the tag's inner text.
func (l *Lexer) setTrailing(inner string) {
	switch {
	case strings.HasSuffix(inner, "-"):
		l.stripNext = true
	case strings.HasSuffix(inner, "+"):
	case l.cfg.TrimBlocks:
		l.trimNewline = true
	}
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }
func isIdentPart(r rune) bool  { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

func skipSpace(s string, i int) int {
	for i < len(s) && strings.IndexByte(spaceChars, s[i]) >= 0 {
		i++
	}
	return i
}

func readIdent(s string, i int) (string, int) {
	j := i
	for j < len(s) {
		r, size := utf8.DecodeRuneInString(s[j:])
		if j == i && !isIdentStart(r) || j > i && !isIdentPart(r) {
			break
		}
		j += size
	}
	return s[i:j], j
}

// matchTag reports whether a tag {% name %} starts at i. On success it
// returns the position after the closing delimiter and the open and close
// modifiers.
func (l *Lexer) matchTag(i int, name string) (end int, openMod, closeMod byte, ok bool) {
	d := l.cfg.Delimiters
	if !strings.HasPrefix(l.src[i:], d.BlockStart) {
		return 0, 0, 0, false
	}
	j := i + len(d.BlockStart)
	if j < len(l.src) && (l.src[j] == '-' || l.src[j] == '+') {
		openMod = l.src[j]
		j++
	}
	j = skipSpace(l.src, j)
	id, j := readIdent(l.src, j)
	if id != name {
		return 0, 0, 0, false
	}
	j = skipSpace(l.src, j)
	if j < len(l.src) && (l.src[j] == '-' || l.src[j] == '+') {
		closeMod = l.src[j]
		j++
	}
	if !strings.HasPrefix(l.src[j:], d.BlockEnd) {
		return 0, 0, 0, false
	}
	return j + len(d.BlockEnd), openMod, closeMod, true
}

// lexRaw handles {% raw %} and {% verbatim %}: everything up to the matching
// end tag becomes a single Data token.
func (l *Lexer) lexRaw(m marker) (bool, error) {
	var name string
	for _, n := range []string{"raw", "verbatim"} {
		if _, _, _, ok := l.matchTag(l.pos, n); ok {
			name = n
			break
		}
	}
	if name == "" {
		return false, nil
	}
	bodyStart, _, closeMod, _ := l.matchTag(l.pos, name)
	endName := "end" + name

	line, col, pos := l.line, l.col, l.pos
	l.emit(BlockStart, m.text, pos, line, col)
	l.emit(Name, name, pos, line, col)
	l.emit(BlockEnd, l.cfg.BlockEnd, pos, line, col)

	d := l.cfg.Delimiters
	for i := bodyStart; i < len(l.src); i++ {
		if !strings.HasPrefix(l.src[i:], d.BlockStart) {
			continue
		}
		after, open, endClose, ok := l.matchTag(i, endName)
		if !ok {
			continue
		}
		content := l.src[bodyStart:i]
		switch {
		case open == '-':
			content = strings.TrimRight(content, spaceChars)
		case l.cfg.LstripBlocks && open != '+':
			content = l.src[bodyStart:lstripTail(l.src, bodyStart, i)]
		}
		switch {
		case closeMod == '-':
			content = strings.TrimLeft(content, spaceChars)
		case closeMod != '+' && l.cfg.TrimBlocks:
			if strings.HasPrefix(content, "\r\n") {
				content = content[2:]
			} else if strings.HasPrefix(content, "\n") {
				content = content[1:]
			}
		}
		l.advance(bodyStart)
		if content != "" {
			l.emit(Data, content, bodyStart, l.line, l.col)
		}
		l.advance(i)
		l.emit(BlockStart, d.BlockStart, i, l.line, l.col)
		l.emit(Name, endName, i, l.line, l.col)
		l.emit(BlockEnd, d.BlockEnd, i, l.line, l.col)
		l.advance(after)
		switch endClose {
		case '-':
			l.stripNext = true
		case '+':
		default:
			l.trimNewline = l.cfg.TrimBlocks
		}
		return true, nil
	}
	return false, tplerr.Syntax(line, col, "unexpected end of template, expected 'end of %s block'", name)
}

func (l *Lexer) lexTag() error {
	// whitespace
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\n' && l.mode == modeLineStatement && len(l.braces) == 0 {
			l.emit(BlockEnd, "\n", l.pos, l.line, l.col)
			l.advance(l.pos + 1)
			l.mode = modeData
			return nil
		}
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			break
		}
		l.advance(l.pos + 1)
	}
	if l.pos >= len(l.src) {
		if l.mode == modeLineStatement {
			l.emit(BlockEnd, "", l.pos, l.line, l.col)
			l.mode = modeData
			return nil
		}
		if l.mode == modeBlock {
			return l.syntaxErr("unexpected end of template, expected 'end of statement block'")
		}
		return l.syntaxErr("unexpected end of template, expected 'end of print statement'")
	}

	if len(l.braces) == 0 && l.lexTagEnd() {
		return nil
	}
	if l.mode == modeLineStatement && len(l.braces) == 0 && l.src[l.pos] == ':' {
		j := l.pos + 1
		for j < len(l.src) && (l.src[j] == ' ' || l.src[j] == '\t' || l.src[j] == '\r') {
			j++
		}
		if j >= len(l.src) || l.src[j] == '\n' {
			// optional trailing colon of a line statement
			l.advance(j)
			return nil
		}
	}

	rest := l.src[l.pos:]
	r, _ := utf8.DecodeRuneInString(rest)
	switch {
	case isIdentStart(r):
		id, _ := readIdent(rest, 0)
		switch id {
		case "true", "false", "True", "False":
			l.emit(Boolean, strings.ToLower(id), l.pos, l.line, l.col)
		case "none", "None":
			l.emit(None, "none", l.pos, l.line, l.col)
		default:
			l.emit(Name, id, l.pos, l.line, l.col)
		}
		l.advance(l.pos + len(id))
		return nil
	case r >= '0' && r <= '9':
		return l.lexNumber()
	case r == '"' || r == '\'':
		return l.lexString(byte(r))
	}
	return l.lexOperator()
}

// lexTagEnd emits the closing delimiter of the current tag if one starts at
// the cursor.
func (l *Lexer) lexTagEnd() bool {
	var closing string
	switch l.mode {
	case modeBlock:
		closing = l.cfg.BlockEnd
	case modeVariable:
		closing = l.cfg.VariableEnd
	default:
		return false
	}
	rest := l.src[l.pos:]
	var mod byte
	switch {
	case strings.HasPrefix(rest, "-"+closing):
		mod = '-'
	case l.mode == modeBlock && strings.HasPrefix(rest, "+"+closing):
		mod = '+'
	case strings.HasPrefix(rest, closing):
	default:
		return false
	}
	typ := BlockEnd
	if l.mode == modeVariable {
		typ = VariableEnd
	}
	l.emit(typ, closing, l.pos, l.line, l.col)
	n := len(closing)
	if mod != 0 {
		n++
	}
	l.advance(l.pos + n)
	switch {
	case mod == '-':
		l.stripNext = true
	case mod == '+':
	case l.mode == modeBlock && l.cfg.TrimBlocks:
		l.trimNewline = true
	}
	l.mode = modeData
	return true
}

var operators2 = []string{"//", "**", "==", "!=", "<=", ">="}

const operators1 = "+-*/%~<>=()[]{},.:|;"

var closers = map[byte]byte{')': '(', ']': '[', '}': '{'}

func (l *Lexer) lexOperator() error {
	rest := l.src[l.pos:]
	for _, op := range operators2 {
		if strings.HasPrefix(rest, op) {
			l.emit(Operator, op, l.pos, l.line, l.col)
			l.advance(l.pos + 2)
			return nil
		}
	}
	c := rest[0]
	if strings.IndexByte(operators1, c) < 0 {
		r, _ := utf8.DecodeRuneInString(rest)
		return l.syntaxErr("unexpected char %q", r)
	}
	switch c {
	case '(', '[', '{':
		l.braces = append(l.braces, c)
	case ')', ']', '}':
		if len(l.braces) == 0 {
			return l.syntaxErr("unexpected '%c'", c)
		}
		if open := l.braces[len(l.braces)-1]; open != closers[c] {
			return l.syntaxErr("unexpected '%c', expected closing of '%c'", c, open)
		}
		l.braces = l.braces[:len(l.braces)-1]
	}
	l.emit(Operator, string(c), l.pos, l.line, l.col)
	l.advance(l.pos + 1)
	return nil
}

func isDigitFor(c byte, base int) bool {
	switch base {
	case 2:
		return c == '0' || c == '1'
	case 8:
		return c >= '0' && c <= '7'
	case 16:
		return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
	}
	return c >= '0' && c <= '9'
}

// scanDigits consumes digits of base with single underscores between them.
func scanDigits(s string, i, base int) (int, bool) {
	start := i
	for i < len(s) {
		if isDigitFor(s[i], base) {
			i++
			continue
		}
		if s[i] == '_' && i > start && i+1 < len(s) && isDigitFor(s[i+1], base) {
			i++
			continue
		}
		break
	}
	return i, i > start
}

func (l *Lexer) lexNumber() error {
	s := l.src
	start := l.pos
	if s[start] == '0' && start+1 < len(s) {
		base := 0
		switch s[start+1] {
		case 'b', 'B':
			base = 2
		case 'o', 'O':
			base = 8
		case 'x', 'X':
			base = 16
		}
		if base != 0 {
			i := start + 2
			if i < len(s) && s[i] == '_' {
				i++
			}
			end, ok := scanDigits(s, i, base)
			if !ok {
				return l.syntaxErr("invalid number literal %q", s[start:i])
			}
			n, ok := new(big.Int).SetString(strings.ReplaceAll(s[i:end], "_", ""), base)
			if !ok {
				return l.syntaxErr("invalid number literal %q", s[start:end])
			}
			l.emit(Int, n.String(), start, l.line, l.col)
			l.advance(end)
			return nil
		}
	}

	i, _ := scanDigits(s, start, 10)
	isFloat := false
	if i+1 < len(s) && s[i] == '.' && s[i+1] >= '0' && s[i+1] <= '9' {
		i, _ = scanDigits(s, i+1, 10)
		isFloat = true
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && s[j] >= '0' && s[j] <= '9' {
			i, _ = scanDigits(s, j, 10)
			isFloat = true
		}
	}
	raw := strings.ReplaceAll(s[start:i], "_", "")
	if isFloat {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil && !isRangeErr(err) {
			return l.syntaxErr("invalid number literal %q", s[start:i])
		}
		l.emit(Float, numfmt.Float(f), start, l.line, l.col)
	} else {
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return l.syntaxErr("invalid number literal %q", s[start:i])
		}
		l.emit(Int, n.String(), start, l.line, l.col)
	}
	l.advance(i)
	return nil
}

func isRangeErr(err error) bool {
	ne, ok := err.(*strconv.NumError)
	return ok && ne.Err == strconv.ErrRange
}

func (l *Lexer) lexString(quote byte) error {
	s := l.src
	line, col, start := l.line, l.col, l.pos
	var b strings.Builder
	i := start + 1
	for {
		if i >= len(s) {
			return tplerr.Syntax(line, col, "unterminated string")
		}
		c := s[i]
		if c == quote {
			i++
			break
		}
		if c != '\\' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(s) {
			return tplerr.Syntax(line, col, "unterminated string")
		}
		esc := s[i+1]
		i += 2
		switch esc {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '0':
			b.WriteByte(0)
		case '\\', '\'', '"':
			b.WriteByte(esc)
		case '\n':
			// line continuation
		case 'x', 'u', 'U':
			n := map[byte]int{'x': 2, 'u': 4, 'U': 8}[esc]
			if i+n > len(s) {
				return tplerr.Syntax(line, col, "truncated \\%c escape", esc)
			}
			v, err := strconv.ParseUint(s[i:i+n], 16, 32)
			if err != nil {
				return tplerr.Syntax(line, col, "invalid \\%c escape", esc)
			}
			b.WriteRune(rune(v))
			i += n
		default:
			b.WriteByte('\\')
			b.WriteByte(esc)
		}
	}
	l.emit(String, b.String(), start, line, col)
	l.advance(i)
	return nil
}
