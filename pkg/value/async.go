package value

import (
	"context"
	"sync"
)

// Future is a value that becomes available later. Templates rendered in
// suspending mode await it transparently; direct mode rejects it.
type Future struct {
	done chan struct{}
	val  Value
	err  error
}

// Go starts fn in a new goroutine and returns a future for its result.
func Go(fn func() (Value, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// Resolved returns a future that is already complete.
func Resolved(v Value, err error) *Future {
	f := &Future{done: make(chan struct{}), val: v, err: err}
	close(f.done)
	return f
}

func (f *Future) String() string { return "<future>" }
func (f *Future) Truth() bool    { return true }

// Await blocks until the future completes or ctx is done.
func (f *Future) Await(ctx context.Context) (Value, error) {
	select {
	case <-f.done:
		if f.val == nil && f.err == nil {
			return None, nil
		}
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready reports whether the result is available without blocking.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// AsyncSeq is a sequence whose elements arrive asynchronously. It is
// single pass.
type AsyncSeq struct {
	mu   sync.Mutex
	next func(ctx context.Context) (Value, bool, error)
}

// NewAsyncSeq wraps a pull function. next returns ok=false once exhausted.
func NewAsyncSeq(next func(ctx context.Context) (Value, bool, error)) *AsyncSeq {
	return &AsyncSeq{next: next}
}

// SeqFromChan adapts a channel; the sequence ends when ch is closed.
func SeqFromChan(ch <-chan Value) *AsyncSeq {
	return NewAsyncSeq(func(ctx context.Context) (Value, bool, error) {
		select {
		case v, ok := <-ch:
			return v, ok, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	})
}

// SeqOf produces items one by one. A sequence that is never drained holds
// no resources.
func SeqOf(items ...Value) *AsyncSeq {
	i := 0
	return NewAsyncSeq(func(ctx context.Context) (Value, bool, error) {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if i >= len(items) {
			return nil, false, nil
		}
		i++
		return items[i-1], true, nil
	})
}

func (s *AsyncSeq) String() string { return "<async sequence>" }
func (s *AsyncSeq) Truth() bool    { return true }

// Next returns the next element.
func (s *AsyncSeq) Next(ctx context.Context) (Value, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next(ctx)
}

// Drain collects all remaining elements.
func (s *AsyncSeq) Drain(ctx context.Context) ([]Value, error) {
	var out []Value
	for {
		v, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}
