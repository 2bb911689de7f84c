package jinja2

import (
	"context"
)

// Pending is the result of a render running in suspending mode.
type Pending struct {
	done chan struct{}
	out  string
	err  error
}

func failed(err error) *Pending {
	p := &Pending{done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

// Await waits for the render to finish or ctx to be done.
func (p *Pending) Await(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.out, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed when the render finishes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// RenderAsync renders t on its own goroutine in the environment's mode. In
// suspending mode futures and asynchronous sequences in data or returned
// by filters and globals are awaited as the render reaches them; direct
// mode rejects them.
func (t *Template) RenderAsync(ctx context.Context, data any) *Pending {
	p := &Pending{done: make(chan struct{})}
	suspending := t.env.mode == ModeSuspending
	go func() {
		defer close(p.done)
		p.out, p.err = t.render(ctx, data, suspending)
	}()
	return p
}

// RenderCallback renders like RenderAsync and reports the result to cb.
func (t *Template) RenderCallback(ctx context.Context, data any, cb func(string, error)) {
	p := t.RenderAsync(ctx, data)
	go func() {
		<-p.done
		cb(p.out, p.err)
	}()
}
