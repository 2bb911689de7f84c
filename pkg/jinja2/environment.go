// Package jinja2 compiles and renders Jinja2/Nunjucks templates.
//
// An Environment holds the configuration shared by its templates: the
// delimiters, the loader, filters, tests, globals and extensions. Templates
// compile to a RenderUnit with two variants of the same procedures, one for
// direct rendering on the calling goroutine and one that suspends on
// futures and asynchronous sequences. The Environment's Mode picks the
// variant.
package jinja2

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/lexer"
	"github.com/neurodesk/jinja/pkg/parser"
	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/validator"
	"github.com/neurodesk/jinja/pkg/value"
)

// Mode selects how templates execute.
type Mode string

const (
	// ModeDirect renders on the calling goroutine; asynchronous values are
	// errors.
	ModeDirect Mode = "direct"
	// ModeSuspending awaits futures and drains asynchronous sequences.
	ModeSuspending Mode = "suspending"
)

// UndefinedPolicy controls how undefined values behave when printed,
// iterated or tested for truth.
type UndefinedPolicy string

const (
	UndefinedLenient UndefinedPolicy = "lenient"
	UndefinedStrict  UndefinedPolicy = "strict"
)

// FilterFunc implements a filter.
type FilterFunc func(st *State, v value.Value, args value.Args) (value.Value, error)

// TestFunc implements a test.
type TestFunc func(st *State, v value.Value, args value.Args) (bool, error)

// Config configures an Environment.
type Config struct {
	Delimiters          lexer.Delimiters `yaml:"delimiters"`
	TrimBlocks          bool             `yaml:"trim_blocks"`
	LstripBlocks        bool             `yaml:"lstrip_blocks"`
	KeepTrailingNewline bool             `yaml:"keep_trailing_newline"`
	Autoescape          bool             `yaml:"autoescape"`
	// AutoescapeFunc decides autoescaping per template name and overrides
	// Autoescape when set.
	AutoescapeFunc func(name string) bool `yaml:"-"`
	Undefined      UndefinedPolicy        `yaml:"undefined"`
	Mode           Mode                   `yaml:"mode"`
	NoCache        bool                   `yaml:"no_cache"`
	Globals        map[string]any         `yaml:"globals"`

	Filters    map[string]FilterFunc `yaml:"-"`
	Tests      map[string]TestFunc   `yaml:"-"`
	Extensions []*Extension          `yaml:"-"`
	Loader     Loader                `yaml:"-"`
	Logger     *slog.Logger          `yaml:"-"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	d := c.Delimiters
	if d == (lexer.Delimiters{}) {
		d = lexer.DefaultDelimiters()
	}
	undef, mode := c.Undefined, c.Mode
	if undef == "" {
		undef = UndefinedLenient
	}
	if mode == "" {
		mode = ModeDirect
	}
	return validator.All(
		validator.NotEmpty(d.BlockStart, "block_start"),
		validator.NotEmpty(d.BlockEnd, "block_end"),
		validator.NotEmpty(d.VariableStart, "variable_start"),
		validator.NotEmpty(d.VariableEnd, "variable_end"),
		validator.NotEmpty(d.CommentStart, "comment_start"),
		validator.NotEmpty(d.CommentEnd, "comment_end"),
		validator.NoDuplicates([]string{d.BlockStart, d.VariableStart, d.CommentStart}, "start delimiters"),
		validator.MatchesAllowed(undef, []UndefinedPolicy{UndefinedLenient, UndefinedStrict}, "undefined"),
		validator.MatchesAllowed(mode, []Mode{ModeDirect, ModeSuspending}, "mode"),
		validator.Each(c.Extensions),
	)
}

// Validate checks an extension.
func (x *Extension) Validate() error {
	return validator.NotEmpty(x.Name, "extension name")
}

// Environment compiles and caches templates. It is safe for concurrent
// use; filters, tests and globals may be added while templates render.
type Environment struct {
	cfg    Config
	lexCfg lexer.Config
	logger *slog.Logger
	loader Loader
	strict bool
	mode   Mode

	mu      sync.RWMutex
	exts    []*Extension
	filters map[string]FilterFunc
	tests   map[string]TestFunc
	globals map[string]value.Value

	cacheMu sync.Mutex
	cache   map[string]*Template
}

// New returns an environment for cfg.
func New(cfg Config) (*Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid environment config: %w", err)
	}
	if cfg.Delimiters == (lexer.Delimiters{}) {
		cfg.Delimiters = lexer.DefaultDelimiters()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDirect
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Environment{
		cfg: cfg,
		lexCfg: lexer.Config{
			Delimiters:   cfg.Delimiters,
			TrimBlocks:   cfg.TrimBlocks,
			LstripBlocks: cfg.LstripBlocks,
		},
		logger:  logger,
		loader:  cfg.Loader,
		strict:  cfg.Undefined == UndefinedStrict,
		mode:    cfg.Mode,
		filters: builtinFilters(),
		tests:   builtinTests(),
		globals: builtinGlobals(),
		cache:   map[string]*Template{},
	}
	for name, f := range cfg.Filters {
		e.filters[name] = f
	}
	for name, t := range cfg.Tests {
		e.tests[name] = t
	}
	for name, g := range cfg.Globals {
		e.globals[name] = value.FromGo(g)
	}
	e.exts = append(e.exts, cfg.Extensions...)
	sortExtensions(e.exts)
	return e, nil
}

// MustNew is New for configurations known to be valid.
func MustNew(cfg Config) *Environment {
	e, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// Mode returns the execution mode.
func (e *Environment) Mode() Mode { return e.mode }

// Logger returns the environment's logger.
func (e *Environment) Logger() *slog.Logger { return e.logger }

// AddFilter registers a filter. Templates look filters up when they run,
// so already compiled templates see it.
func (e *Environment) AddFilter(name string, fn FilterFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[name] = fn
}

// AddTest registers a test.
func (e *Environment) AddTest(name string, fn TestFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tests[name] = fn
}

// AddGlobal binds a global visible to every template.
func (e *Environment) AddGlobal(name string, v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globals[name] = value.FromGo(v)
}

// AddExtension registers an extension and drops compiled templates.
func (e *Environment) AddExtension(x *Extension) error {
	if err := x.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.exts = append(e.exts, x)
	sortExtensions(e.exts)
	e.mu.Unlock()
	e.ClearCache()
	return nil
}

// Extensions returns the extensions in priority order.
func (e *Environment) Extensions() []*Extension {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Extension(nil), e.exts...)
}

func (e *Environment) filter(name string) (FilterFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.filters[name]
	return f, ok
}

func (e *Environment) test(name string) (TestFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tests[name]
	return t, ok
}

func (e *Environment) global(name string) (value.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.globals[name]
	return v, ok
}

// ClearCache drops all compiled templates.
func (e *Environment) ClearCache() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache = map[string]*Template{}
}

// Lex returns the token stream for src after preprocessing and token
// filtering by the extensions.
func (e *Environment) Lex(src, name string) (lexer.TokenStream, error) {
	exts := e.Extensions()
	for _, x := range exts {
		if x.Preprocess == nil {
			continue
		}
		var err error
		if src, err = x.Preprocess(src, name); err != nil {
			return nil, fmt.Errorf("preprocessing with %s: %w", x.Name, err)
		}
	}
	if !e.cfg.KeepTrailingNewline {
		src = strings.TrimSuffix(src, "\n")
	}
	var ts lexer.TokenStream = lexer.New(src, e.lexCfg)
	for _, x := range exts {
		if x.FilterStream != nil {
			ts = x.FilterStream(ts)
		}
	}
	return ts, nil
}

// Parse parses src with the environment's syntax and extension tags.
func (e *Environment) Parse(src, name string) (*ast.Document, error) {
	ts, err := e.Lex(src, name)
	if err != nil {
		return nil, err
	}
	tags := map[string]parser.TagFunc{}
	for _, x := range e.Extensions() {
		for tag, fn := range x.Tags {
			if _, taken := tags[tag]; !taken {
				tags[tag] = fn
			}
		}
	}
	return parser.Parse(ts, parser.Options{Tags: tags})
}

// Compile parses and compiles src.
func (e *Environment) Compile(src, name string) (*RenderUnit, error) {
	start := time.Now()
	doc, err := e.Parse(src, name)
	if err != nil {
		return nil, err
	}
	u, err := Compile(doc, CompileOptions{Name: name, Extensions: e.Extensions()})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("compiled template", "name", name, "duration", time.Since(start))
	return u, nil
}

func (e *Environment) autoescapeFor(name string) bool {
	if e.cfg.AutoescapeFunc != nil {
		return e.cfg.AutoescapeFunc(name)
	}
	return e.cfg.Autoescape
}

func (e *Environment) newTemplate(name string, u *RenderUnit, uptodate func() bool) *Template {
	return &Template{env: e, name: name, unit: u, autoescape: e.autoescapeFor(name), uptodate: uptodate}
}

// FromString compiles an unnamed template.
func (e *Environment) FromString(src string) (*Template, error) {
	u, err := e.Compile(src, "")
	if err != nil {
		return nil, boundary(err, "")
	}
	return e.newTemplate("", u, nil), nil
}

// FromUnit wraps an already compiled unit.
func (e *Environment) FromUnit(u *RenderUnit) *Template {
	return e.newTemplate(u.Name, u, nil)
}

// GetTemplate loads, compiles and caches the template name.
func (e *Environment) GetTemplate(name string) (*Template, error) {
	return e.GetTemplateContext(context.Background(), name)
}

// GetTemplateContext is GetTemplate with a context for the loader.
func (e *Environment) GetTemplateContext(ctx context.Context, name string) (*Template, error) {
	if !e.cfg.NoCache {
		e.cacheMu.Lock()
		t, ok := e.cache[name]
		e.cacheMu.Unlock()
		if ok && (t.uptodate == nil || t.uptodate()) {
			e.logger.Debug("template cache hit", "name", name)
			return t, nil
		}
	}
	if e.loader == nil {
		return nil, tplerr.NotFound(name, fmt.Errorf("no loader configured"))
	}
	var t *Template
	if ul, ok := e.loader.(UnitLoader); ok {
		u, err := ul.GetUnit(ctx, name)
		if err != nil {
			return nil, err
		}
		t = e.newTemplate(name, u, nil)
	} else {
		src, err := e.loader.GetSource(ctx, name)
		if err != nil {
			return nil, err
		}
		u, err := e.Compile(src.Source, name)
		if err != nil {
			return nil, boundary(err, name)
		}
		t = e.newTemplate(name, u, src.Uptodate)
	}
	e.logger.Debug("template cache miss", "name", name)
	if !e.cfg.NoCache {
		e.cacheMu.Lock()
		e.cache[name] = t
		e.cacheMu.Unlock()
	}
	return t, nil
}

// selectTemplate returns the first template of names that exists. Misses
// are retried in order; other errors stop the search.
func (e *Environment) selectTemplate(ctx context.Context, names []string) (*Template, error) {
	if len(names) == 1 {
		return e.GetTemplateContext(ctx, names[0])
	}
	var misses []error
	for _, name := range names {
		t, err := e.GetTemplateContext(ctx, name)
		if err == nil {
			return t, nil
		}
		if !tplerr.IsNotFound(err) {
			return nil, err
		}
		misses = append(misses, err)
	}
	return nil, tplerr.NotFoundAny(names, misses)
}

// Source returns the raw source of name. Loaders without source access
// refuse.
func (e *Environment) Source(ctx context.Context, name string) (*Source, error) {
	if e.loader == nil {
		return nil, tplerr.NotFound(name, fmt.Errorf("no loader configured"))
	}
	if !hasSourceAccess(e.loader) {
		return nil, tplerr.Runtime("loader for '%s' does not expose template source", name)
	}
	return e.loader.GetSource(ctx, name)
}

// Render renders the template name with data.
func (e *Environment) Render(name string, data any) (string, error) {
	return e.RenderContext(context.Background(), name, data)
}

// RenderContext renders the template name with data.
func (e *Environment) RenderContext(ctx context.Context, name string, data any) (string, error) {
	t, err := e.GetTemplateContext(ctx, name)
	if err != nil {
		return "", err
	}
	return t.RenderContext(ctx, data)
}

// RenderString compiles and renders src.
func (e *Environment) RenderString(src string, data any) (string, error) {
	t, err := e.FromString(src)
	if err != nil {
		return "", err
	}
	return t.Render(data)
}

// RenderAsync starts rendering the template name and returns its pending
// result.
func (e *Environment) RenderAsync(ctx context.Context, name string, data any) *Pending {
	t, err := e.GetTemplateContext(ctx, name)
	if err != nil {
		return failed(err)
	}
	return t.RenderAsync(ctx, data)
}

// Template is a compiled template bound to its environment.
type Template struct {
	env        *Environment
	name       string
	unit       *RenderUnit
	autoescape bool
	uptodate   func() bool
}

// Name returns the name the template was loaded under.
func (t *Template) Name() string { return t.name }

// Unit returns the compiled unit.
func (t *Template) Unit() *RenderUnit { return t.unit }

// Render renders the template with data: a map, a struct or a *value.DictValue.
func (t *Template) Render(data any) (string, error) {
	return t.RenderContext(context.Background(), data)
}

// RenderContext renders in the environment's mode. In suspending mode it
// waits for the result.
func (t *Template) RenderContext(ctx context.Context, data any) (string, error) {
	if t.env.mode == ModeSuspending {
		return t.RenderAsync(ctx, data).Await(ctx)
	}
	return t.render(ctx, data, false)
}

func (t *Template) render(ctx context.Context, data any, async bool) (string, error) {
	vars, err := value.ToDict(data)
	if err != nil {
		return "", err
	}
	st := newState(ctx, t.env, t, async)
	root := newFrame(nil)
	for _, k := range vars.Keys() {
		v, _ := vars.Get(k)
		root.Set(k, v)
	}
	var out strings.Builder
	if err := st.run(t, root.Push(), &out); err != nil {
		return "", boundary(err, t.name)
	}
	return out.String(), nil
}
