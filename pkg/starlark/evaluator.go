// Package starlark lets templates use code written in Starlark. Scripts
// can define functions that templates call as globals or filters, and the
// {% starlark %} tag runs inline scripts during rendering.
package starlark

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.starlark.net/starlark"

	"github.com/neurodesk/jinja/pkg/value"
)

// Evaluator runs Starlark code against a shared set of globals.
type Evaluator struct {
	name     string
	logger   *slog.Logger
	maxSteps uint64

	mu       sync.Mutex
	builtins starlark.StringDict
	globals  starlark.StringDict
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger that receives print output.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithMaxSteps bounds the computation of a single run. Zero means no limit.
func WithMaxSteps(n uint64) Option {
	return func(e *Evaluator) { e.maxSteps = n }
}

// WithName sets the thread name shown in backtraces.
func WithName(name string) Option {
	return func(e *Evaluator) { e.name = name }
}

// NewEvaluator creates a new Starlark evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		name:     "jinja",
		logger:   slog.Default(),
		builtins: make(starlark.StringDict),
		globals:  make(starlark.StringDict),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newThread returns a thread bound to ctx. Cancelling ctx cancels the
// thread; done must be called once the thread is no longer used.
func newThread(ctx context.Context, name string, logger *slog.Logger, maxSteps uint64) (*starlark.Thread, func()) {
	thread := &starlark.Thread{
		Name: name,
		Print: func(t *starlark.Thread, msg string) {
			logger.Info("starlark print", "thread", t.Name, "output", msg)
		},
	}
	thread.SetLocal(contextKey, ctx)
	if maxSteps > 0 {
		thread.SetMaxExecutionSteps(maxSteps)
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-stop:
		}
	}()
	return thread, func() { close(stop) }
}

// SetGlobal sets a global variable visible to later runs.
func (e *Evaluator) SetGlobal(name string, v value.Value) {
	e.SetGlobalStarlark(name, ToStarlark(v))
}

// SetGlobalStarlark sets a global variable using a native Starlark value.
func (e *Evaluator) SetGlobalStarlark(name string, v starlark.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globals[name] = v
}

// predeclared merges builtins, globals and extra, later entries winning.
func (e *Evaluator) predeclared(extra starlark.StringDict) starlark.StringDict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(starlark.StringDict, len(e.builtins)+len(e.globals)+len(extra))
	for k, v := range e.builtins {
		out[k] = v
	}
	for k, v := range e.globals {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Eval evaluates a Starlark expression.
func (e *Evaluator) Eval(ctx context.Context, expr string) (value.Value, error) {
	thread, done := newThread(ctx, e.name, e.logger, e.maxSteps)
	defer done()
	v, err := starlark.Eval(thread, "<eval>", expr, e.predeclared(nil))
	if err != nil {
		return nil, fmt.Errorf("starlark evaluation error: %w", scriptError(err))
	}
	return convert(v, e.logger), nil
}

// run executes src without touching the evaluator's globals.
func (e *Evaluator) run(ctx context.Context, filename string, src any, extra starlark.StringDict) (starlark.StringDict, error) {
	thread, done := newThread(ctx, e.name, e.logger, e.maxSteps)
	defer done()
	globals, err := starlark.ExecFile(thread, filename, src, e.predeclared(extra))
	if err != nil {
		return nil, scriptError(err)
	}
	return globals, nil
}

// ExecFile executes a Starlark file and merges the globals it defines into
// the evaluator. src follows starlark.ExecFile: nil reads filename.
func (e *Evaluator) ExecFile(ctx context.Context, filename string, src any) (starlark.StringDict, error) {
	globals, err := e.run(ctx, filename, src, nil)
	if err != nil {
		return nil, fmt.Errorf("starlark execution error: %w", err)
	}
	e.mu.Lock()
	for k, v := range globals {
		e.globals[k] = v
	}
	e.mu.Unlock()
	e.logger.Debug("executed starlark script", "file", filename, "globals", len(globals))
	return globals, nil
}

// ExecString executes a Starlark script from a string.
func (e *Evaluator) ExecString(ctx context.Context, script string) (starlark.StringDict, error) {
	return e.ExecFile(ctx, "<script>", script)
}

// GetGlobal returns a global converted to a template value.
func (e *Evaluator) GetGlobal(name string) (value.Value, bool) {
	e.mu.Lock()
	v, ok := e.globals[name]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return convert(v, e.logger), true
}

// LoadData copies every entry of data into the globals.
func (e *Evaluator) LoadData(data *value.DictValue) {
	for _, k := range data.Keys() {
		v, _ := data.Get(k)
		e.SetGlobal(k, v)
	}
}

// Export returns the exportable globals in name order.
func (e *Evaluator) Export() *value.DictValue {
	e.mu.Lock()
	names := e.globals.Keys()
	vals := make([]starlark.Value, len(names))
	for i, n := range names {
		vals[i] = e.globals[n]
	}
	e.mu.Unlock()

	out := value.NewDict()
	for i, n := range names {
		if !isExportableKey(n) {
			continue
		}
		out.Set(n, convert(vals[i], e.logger))
	}
	return out
}

// isExportableKey reports whether a global is visible to templates.
// Names starting with an underscore are private to the script.
func isExportableKey(key string) bool {
	return key != "" && key[0] != '_'
}
