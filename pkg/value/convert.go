package value

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// FromGo converts a Go value to a Value.
func FromGo(v any) Value {
	if v == nil {
		return None
	}
	switch t := v.(type) {
	case Value:
		return t
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case int:
		return IntValue(int64(t))
	case int8:
		return IntValue(int64(t))
	case int16:
		return IntValue(int64(t))
	case int32:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case uint:
		return IntValue(int64(t))
	case uint8:
		return IntValue(int64(t))
	case uint16:
		return IntValue(int64(t))
	case uint32:
		return IntValue(int64(t))
	case uint64:
		return IntValue(int64(t))
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	case []byte:
		return StringValue(string(t))
	case time.Time:
		return StringValue(t.Format(time.RFC3339))
	case fmt.Stringer:
		if _, isStruct := structValue(reflect.ValueOf(v)); !isStruct {
			return StringValue(t.String())
		}
	case map[string]any:
		d := NewDict()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.Set(k, FromGo(t[k]))
		}
		return d
	case []any:
		out := make(ListValue, len(t))
		for i, x := range t {
			out[i] = FromGo(x)
		}
		return out
	case func(args []Value) (Value, error):
		return NewFunc("", t)
	case Func:
		return CallableValue{Fn: t}
	case func(ctx context.Context, args Args) (Value, error):
		return CallableValue{Fn: t}
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		out := make(ListValue, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, FromGo(rv.Index(i).Interface()))
		}
		return out
	case reflect.Map:
		d := NewDict()
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, k := range keys {
			d.Set(fmt.Sprint(k.Interface()), FromGo(rv.MapIndex(k).Interface()))
		}
		return d
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return None
		}
		if s, ok := structValue(rv); ok {
			return &ObjectValue{rv: s}
		}
		return FromGo(rv.Elem().Interface())
	case reflect.Struct:
		return &ObjectValue{rv: rv}
	case reflect.Func:
		if rv.IsNil() {
			return None
		}
		return reflectFunc(rv)
	case reflect.String:
		return StringValue(rv.String())
	case reflect.Bool:
		return BoolValue(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return IntValue(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return IntValue(int64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return FloatValue(rv.Float())
	}
	// Fallback: string formatting
	return StringValue(fmt.Sprintf("%v", v))
}

func structValue(rv reflect.Value) (reflect.Value, bool) {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return rv, false
		}
		rv = rv.Elem()
	}
	return rv, rv.Kind() == reflect.Struct
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// reflectFunc exposes an arbitrary Go function. Arguments are converted
// with ToGo; a trailing error result is returned as the call error.
func reflectFunc(fn reflect.Value) CallableValue {
	ft := fn.Type()
	return CallableValue{Fn: func(_ context.Context, a Args) (Value, error) {
		in := make([]reflect.Value, 0, len(a.Positional))
		for i, arg := range a.Positional {
			var pt reflect.Type
			switch {
			case ft.IsVariadic() && i >= ft.NumIn()-1:
				pt = ft.In(ft.NumIn() - 1).Elem()
			case i < ft.NumIn():
				pt = ft.In(i)
			default:
				return nil, fmt.Errorf("too many arguments: got %d, want %d", len(a.Positional), ft.NumIn())
			}
			gv := reflect.ValueOf(ToGo(arg))
			if !gv.IsValid() {
				gv = reflect.Zero(pt)
			}
			if !gv.Type().ConvertibleTo(pt) {
				return nil, fmt.Errorf("argument %d: cannot use %s as %s", i+1, TypeName(arg), pt)
			}
			in = append(in, gv.Convert(pt))
		}
		want := ft.NumIn()
		if ft.IsVariadic() {
			want--
		}
		if len(in) < want {
			return nil, fmt.Errorf("not enough arguments: got %d, want %d", len(in), want)
		}
		out := fn.Call(in)
		if n := len(out); n > 0 && ft.Out(n-1).Implements(errorType) {
			if err, _ := out[n-1].Interface().(error); err != nil {
				return nil, err
			}
			out = out[:n-1]
		}
		if len(out) == 0 {
			return None, nil
		}
		return FromGo(out[0].Interface()), nil
	}}
}

// ObjectValue exposes the exported fields and methods of a Go struct.
// Fields are found by name, by their json or yaml tag, or by their name
// with a lower-cased first letter.
type ObjectValue struct {
	rv reflect.Value
}

// Object wraps a struct (or pointer to struct).
func Object(v any) *ObjectValue {
	rv := reflect.ValueOf(v)
	if s, ok := structValue(rv); ok {
		return &ObjectValue{rv: s}
	}
	return &ObjectValue{rv: rv}
}

func (o *ObjectValue) String() string { return fmt.Sprintf("%v", o.rv.Interface()) }
func (o *ObjectValue) Truth() bool    { return true }

// Interface returns the wrapped Go value.
func (o *ObjectValue) Interface() any { return o.rv.Interface() }

func tagName(f reflect.StructField) []string {
	var out []string
	for _, key := range []string{"json", "yaml"} {
		if tag, ok := f.Tag.Lookup(key); ok {
			if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
				out = append(out, name)
			}
		}
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// OnLookup implements LookupHook.
func (o *ObjectValue) OnLookup(key string) (Value, bool) {
	if key == "" || o.rv.Kind() != reflect.Struct {
		return nil, false
	}
	t := o.rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		match := f.Name == key || lowerFirst(f.Name) == key
		for _, n := range tagName(f) {
			match = match || n == key
		}
		if match {
			return FromGo(o.rv.Field(i).Interface()), true
		}
	}
	for _, recv := range []reflect.Value{o.rv, addr(o.rv)} {
		if !recv.IsValid() {
			continue
		}
		for _, name := range []string{key, strings.ToUpper(key[:1]) + key[1:]} {
			if m := recv.MethodByName(name); m.IsValid() {
				return reflectFunc(m), true
			}
		}
	}
	return nil, false
}

func addr(rv reflect.Value) reflect.Value {
	if rv.CanAddr() {
		return rv.Addr()
	}
	p := reflect.New(rv.Type())
	p.Elem().Set(rv)
	return p
}

// ToGo converts a Value back to plain Go data: nil, bool, int64, float64,
// string, []any, map[string]any, or the value itself for callables and host
// objects.
func ToGo(v Value) any {
	switch t := v.(type) {
	case nil, NoneValue, *UndefinedValue:
		return nil
	case BoolValue:
		return bool(t)
	case IntValue:
		return int64(t)
	case FloatValue:
		return float64(t)
	case StringValue:
		return string(t)
	case MarkupValue:
		return string(t)
	case ListValue:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = ToGo(x)
		}
		return out
	case *DictValue:
		out := make(map[string]any, t.Len())
		for _, k := range t.Keys() {
			x, _ := t.Get(k)
			out[k] = ToGo(x)
		}
		return out
	case *ObjectValue:
		return t.Interface()
	}
	return v
}

// ToDict converts a Go map or struct into a dict, for use as a render
// context.
func ToDict(v any) (*DictValue, error) {
	switch t := FromGo(v).(type) {
	case *DictValue:
		return t, nil
	case NoneValue:
		return NewDict(), nil
	case *ObjectValue:
		d := NewDict()
		rt := t.rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tags := tagName(f); len(tags) > 0 {
				name = tags[0]
			}
			d.Set(name, FromGo(t.rv.Field(i).Interface()))
		}
		return d, nil
	}
	return nil, fmt.Errorf("context must be a map or struct, got %T", v)
}
