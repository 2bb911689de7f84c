package jinja2

import (
	"context"
	"errors"

	"github.com/neurodesk/jinja/pkg/tplerr"
)

// Source is a loaded template.
type Source struct {
	Source   string
	Filename string
	// Uptodate reports whether a template compiled from this source may be
	// reused. Nil means always.
	Uptodate func() bool
}

// Loader resolves template names to source. Loaders must be safe for
// concurrent use and may block; in suspending mode the render waits for
// them. A miss is reported with tplerr.NotFound.
type Loader interface {
	GetSource(ctx context.Context, name string) (*Source, error)
}

// UnitLoader is implemented by loaders that hand out compiled units.
type UnitLoader interface {
	GetUnit(ctx context.Context, name string) (*RenderUnit, error)
}

// SourceAccess is implemented by loaders that can declare they do not
// expose raw source.
type SourceAccess interface {
	HasSourceAccess() bool
}

// ErrTemplateNotFound matches every template miss with errors.Is.
var ErrTemplateNotFound = tplerr.ErrTemplateNotFound

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, name string) (*Source, error)

func (f LoaderFunc) GetSource(ctx context.Context, name string) (*Source, error) {
	return f(ctx, name)
}

// MemoryLoader serves templates from a map.
type MemoryLoader map[string]string

func (m MemoryLoader) GetSource(_ context.Context, name string) (*Source, error) {
	if s, ok := m[name]; ok {
		return &Source{Source: s, Filename: name}, nil
	}
	return nil, tplerr.NotFound(name, nil)
}

// PrecompiledLoader serves already compiled units and no source.
type PrecompiledLoader map[string]*RenderUnit

func (p PrecompiledLoader) GetSource(_ context.Context, name string) (*Source, error) {
	return nil, tplerr.NotFound(name, errors.New("precompiled loader has no source"))
}

func (p PrecompiledLoader) GetUnit(_ context.Context, name string) (*RenderUnit, error) {
	if u, ok := p[name]; ok {
		return u, nil
	}
	return nil, tplerr.NotFound(name, nil)
}

func (p PrecompiledLoader) HasSourceAccess() bool { return false }

// ChoiceLoader tries each loader in turn and returns the first hit.
type ChoiceLoader []Loader

func (c ChoiceLoader) GetSource(ctx context.Context, name string) (*Source, error) {
	for _, l := range c {
		src, err := l.GetSource(ctx, name)
		if err == nil {
			return src, nil
		}
		if !tplerr.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, tplerr.NotFound(name, nil)
}

func hasSourceAccess(l Loader) bool {
	if sa, ok := l.(SourceAccess); ok {
		return sa.HasSourceAccess()
	}
	return true
}
