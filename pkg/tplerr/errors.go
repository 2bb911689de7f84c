// Package tplerr defines the error values produced by the template engine.
//
// Every error carries a Kind so that host code can branch on it, the raw
// message, and an optional position. Errors that cross template boundaries
// (include, import, extends) are annotated with the template path through
// Update, mirroring how the error travelled through the templates.
package tplerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine error.
type Kind int

const (
	KindRuntime Kind = iota
	KindSyntax
	KindTemplateNotFound
	KindTemplatesNotFound
	KindUndefined
	KindCompile
)

func (k Kind) String() string {
	switch k {
	case KindSyntax:
		return "syntax error"
	case KindTemplateNotFound:
		return "template not found"
	case KindTemplatesNotFound:
		return "templates not found"
	case KindUndefined:
		return "undefined error"
	case KindCompile:
		return "compile error"
	default:
		return "runtime error"
	}
}

// Error is the single concrete error type of the engine.
type Error struct {
	Kind    Kind
	Message string
	Line    int
	Col     int
	// Path is the innermost template the error was raised in.
	Path string
	// Name is the template (or block) name the error is about, if any.
	Name string
	// Errs holds aggregated causes, e.g. the individual misses of a
	// TemplatesNotFound error.
	Errs  []error
	Cause error

	trail []string
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.trail) == 0 {
		if e.Line > 0 {
			return fmt.Sprintf("%s [Line %d, Column %d]", msg, e.Line, e.Col)
		}
		return msg
	}
	// trail[0] is the innermost path; only it carries the position.
	var b strings.Builder
	for i := len(e.trail) - 1; i >= 0; i-- {
		b.WriteString("(")
		b.WriteString(e.trail[i])
		b.WriteString(")")
		if i == 0 {
			if e.Line > 0 && e.Col > 0 {
				fmt.Fprintf(&b, " [Line %d, Column %d]", e.Line, e.Col)
			} else if e.Line > 0 {
				fmt.Fprintf(&b, " [Line %d]", e.Line)
			}
			b.WriteString("\n  ")
		} else {
			b.WriteString("\n ")
		}
	}
	b.WriteString(msg)
	return b.String()
}

// Unwrap exposes the cause and any aggregated errors.
func (e *Error) Unwrap() []error {
	var out []error
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return append(out, e.Errs...)
}

// Is reports kind equality against another *Error with no message, so
// errors.Is(err, tplerr.ErrUndefined) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Update records that the error propagated out of the template at path.
// Only the first crossing keeps the line and column in the rendered message.
func (e *Error) Update(path string) *Error {
	if path == "" {
		path = "unknown path"
	}
	if len(e.trail) == 0 && e.Path == "" {
		e.Path = path
	}
	e.trail = append(e.trail, path)
	return e
}

// Trail returns the template paths the error crossed, innermost first.
func (e *Error) Trail() []string {
	return append([]string(nil), e.trail...)
}

// Kind sentinels usable with errors.Is.
var (
	ErrSyntax            = &Error{Kind: KindSyntax}
	ErrTemplateNotFound  = &Error{Kind: KindTemplateNotFound}
	ErrTemplatesNotFound = &Error{Kind: KindTemplatesNotFound}
	ErrUndefined         = &Error{Kind: KindUndefined}
	ErrRuntime           = &Error{Kind: KindRuntime}
	ErrCompile           = &Error{Kind: KindCompile}
)

// Syntax returns a syntax error at the given position.
func Syntax(line, col int, format string, args ...any) *Error {
	return &Error{Kind: KindSyntax, Message: fmt.Sprintf(format, args...), Line: line, Col: col}
}

// Runtime returns a render-time semantic error.
func Runtime(format string, args ...any) *Error {
	return &Error{Kind: KindRuntime, Message: fmt.Sprintf(format, args...)}
}

// Compile returns a compile error.
func Compile(line, col int, format string, args ...any) *Error {
	return &Error{Kind: KindCompile, Message: fmt.Sprintf(format, args...), Line: line, Col: col}
}

// Undefined returns an error raised when an undefined value was forced.
func Undefined(format string, args ...any) *Error {
	return &Error{Kind: KindUndefined, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a TemplateNotFound error for name.
func NotFound(name string, cause error) *Error {
	return &Error{Kind: KindTemplateNotFound, Message: "template not found: " + name, Name: name, Cause: cause}
}

// NotFoundAny aggregates the misses of a candidate list.
func NotFoundAny(names []string, errs []error) *Error {
	return &Error{
		Kind:    KindTemplatesNotFound,
		Message: "none of the templates could be found: " + strings.Join(names, ", "),
		Name:    strings.Join(names, ", "),
		Errs:    errs,
	}
}

// At converts err into an *Error and attaches a position unless one is
// already present. Non-engine errors become runtime errors.
func At(err error, line, col int) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindRuntime, Message: err.Error(), Cause: err}
	}
	if e.Line == 0 && line > 0 {
		e.Line, e.Col = line, col
	}
	return e
}

// From converts any error into an *Error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindRuntime, Message: err.Error(), Cause: err}
}

// IsKind reports whether err is an engine error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// IsNotFound reports whether err is a (single) template miss.
func IsNotFound(err error) bool {
	return IsKind(err, KindTemplateNotFound)
}
