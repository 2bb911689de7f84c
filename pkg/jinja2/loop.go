package jinja2

import (
	"context"
	"fmt"

	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

// loopValue is the loop variable of a for statement.
type loopValue struct {
	items []value.Value
	index int
	depth int

	lastChanged []value.Value
	seenChanged bool

	// recurse re-enters the loop body; nil unless the loop is recursive.
	recurse func(items value.Value) (value.Value, error)
}

func (l *loopValue) String() string { return fmt.Sprintf("<loop %d/%d>", l.index+1, len(l.items)) }
func (l *loopValue) Truth() bool    { return true }

func (l *loopValue) OnLookup(key string) (value.Value, bool) {
	n := len(l.items)
	switch key {
	case "index":
		return value.IntValue(l.index + 1), true
	case "index0":
		return value.IntValue(l.index), true
	case "revindex":
		return value.IntValue(n - l.index), true
	case "revindex0":
		return value.IntValue(n - l.index - 1), true
	case "first":
		return value.BoolValue(l.index == 0), true
	case "last":
		return value.BoolValue(l.index == n-1), true
	case "length":
		return value.IntValue(n), true
	case "depth":
		return value.IntValue(l.depth + 1), true
	case "depth0":
		return value.IntValue(l.depth), true
	case "previtem":
		if l.index == 0 {
			return value.UndefinedHint("previtem", "there is no previous item"), true
		}
		return l.items[l.index-1], true
	case "nextitem":
		if l.index+1 >= n {
			return value.UndefinedHint("nextitem", "there is no next item"), true
		}
		return l.items[l.index+1], true
	case "changed":
		return value.NewFunc("changed", l.changed), true
	case "cycle":
		return value.NewFunc("cycle", l.cycle), true
	}
	return nil, false
}

func (l *loopValue) changed(args []value.Value) (value.Value, error) {
	if l.seenChanged && value.Equal(value.ListValue(args), value.ListValue(l.lastChanged)) {
		return value.BoolValue(false), nil
	}
	l.seenChanged = true
	l.lastChanged = append([]value.Value(nil), args...)
	return value.BoolValue(true), nil
}

func (l *loopValue) cycle(args []value.Value) (value.Value, error) {
	if len(args) == 0 {
		return nil, tplerr.Runtime("no items for cycling given")
	}
	return args[l.index%len(args)], nil
}

// Call re-enters a recursive loop with a new iterable.
func (l *loopValue) Call(_ context.Context, a value.Args) (value.Value, error) {
	if l.recurse == nil {
		return nil, tplerr.Runtime("tried to call non recursive loop")
	}
	if len(a.Positional) != 1 {
		return nil, tplerr.Runtime("loop() takes exactly one argument")
	}
	return l.recurse(a.Positional[0])
}
