package value

import (
	"context"
	"strings"
	"unicode"

	"github.com/neurodesk/jinja/pkg/tplerr"
)

type methodFunc func(recv Value, a Args) (Value, error)

var stringMethods = map[string]methodFunc{
	"upper": func(r Value, _ Args) (Value, error) { return sameKind(r, strings.ToUpper(r.String())), nil },
	"lower": func(r Value, _ Args) (Value, error) { return sameKind(r, strings.ToLower(r.String())), nil },
	"capitalize": func(r Value, _ Args) (Value, error) {
		s := []rune(strings.ToLower(r.String()))
		if len(s) > 0 {
			s[0] = unicode.ToUpper(s[0])
		}
		return sameKind(r, string(s)), nil
	},
	"strip":  trimMethod(strings.TrimSpace, strings.Trim),
	"lstrip": trimMethod(func(s string) string { return strings.TrimLeftFunc(s, unicode.IsSpace) }, strings.TrimLeft),
	"rstrip": trimMethod(func(s string) string { return strings.TrimRightFunc(s, unicode.IsSpace) }, strings.TrimRight),
	"split": func(r Value, a Args) (Value, error) {
		s := r.String()
		limit := -1
		if n := a.Arg(1, "maxsplit"); n != nil {
			if i, ok := ToInt(n); ok && i >= 0 {
				limit = int(i) + 1
			}
		}
		var parts []string
		if sep := a.Arg(0, "sep"); sep == nil || IsNone(sep) {
			parts = strings.Fields(s)
			if limit > 0 && len(parts) > limit {
				head := parts[:limit-1]
				rest := strings.TrimLeftFunc(s, unicode.IsSpace)
				for range head {
					rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
					i := strings.IndexFunc(rest, unicode.IsSpace)
					rest = rest[i:]
				}
				parts = append(head, strings.TrimLeftFunc(rest, unicode.IsSpace))
			}
		} else {
			if sep.String() == "" {
				return nil, tplerr.Runtime("empty separator")
			}
			parts = strings.SplitN(s, sep.String(), limit)
		}
		out := make(ListValue, len(parts))
		for i, p := range parts {
			out[i] = StringValue(p)
		}
		return out, nil
	},
	"splitlines": func(r Value, _ Args) (Value, error) {
		s := strings.ReplaceAll(r.String(), "\r\n", "\n")
		s = strings.TrimSuffix(s, "\n")
		if s == "" {
			return ListValue{}, nil
		}
		lines := strings.Split(s, "\n")
		out := make(ListValue, len(lines))
		for i, l := range lines {
			out[i] = StringValue(l)
		}
		return out, nil
	},
	"startswith": func(r Value, a Args) (Value, error) {
		return BoolValue(anyPrefix(a.Arg(0, "prefix"), func(p string) bool { return strings.HasPrefix(r.String(), p) })), nil
	},
	"endswith": func(r Value, a Args) (Value, error) {
		return BoolValue(anyPrefix(a.Arg(0, "suffix"), func(p string) bool { return strings.HasSuffix(r.String(), p) })), nil
	},
	"replace": func(r Value, a Args) (Value, error) {
		old, repl := a.Arg(0, "old"), a.Arg(1, "new")
		if old == nil || repl == nil {
			return nil, tplerr.Runtime("replace() takes at least 2 arguments")
		}
		n := -1
		if c := a.Arg(2, "count"); c != nil {
			if i, ok := ToInt(c); ok {
				n = int(i)
			}
		}
		return sameKind(r, strings.Replace(r.String(), old.String(), repl.String(), n)), nil
	},
	"find": func(r Value, a Args) (Value, error) {
		sub := a.Arg(0, "sub")
		if sub == nil {
			return nil, tplerr.Runtime("find() takes exactly 1 argument")
		}
		i := strings.Index(r.String(), sub.String())
		if i < 0 {
			return IntValue(-1), nil
		}
		return IntValue(len([]rune(r.String()[:i]))), nil
	},
	"count": func(r Value, a Args) (Value, error) {
		sub := a.Arg(0, "sub")
		if sub == nil {
			return nil, tplerr.Runtime("count() takes exactly 1 argument")
		}
		return IntValue(strings.Count(r.String(), sub.String())), nil
	},
	"join": func(r Value, a Args) (Value, error) {
		items, err := Iterate(a.Arg(0, "iterable"))
		if err != nil {
			return nil, err
		}
		parts := make([]string, len(items))
		for i, x := range items {
			parts[i] = x.String()
		}
		return sameKind(r, strings.Join(parts, r.String())), nil
	},
	"isdigit": func(r Value, _ Args) (Value, error) { return BoolValue(allRunes(r.String(), unicode.IsDigit)), nil },
	"isalpha": func(r Value, _ Args) (Value, error) { return BoolValue(allRunes(r.String(), unicode.IsLetter)), nil },
	"isspace": func(r Value, _ Args) (Value, error) { return BoolValue(allRunes(r.String(), unicode.IsSpace)), nil },
}

var listMethods = map[string]methodFunc{
	"index": func(r Value, a Args) (Value, error) {
		x := a.Arg(0, "value")
		for i, v := range r.(ListValue) {
			if Equal(v, x) {
				return IntValue(i), nil
			}
		}
		return nil, tplerr.Runtime("%s is not in list", Repr(x))
	},
	"count": func(r Value, a Args) (Value, error) {
		x := a.Arg(0, "value")
		n := 0
		for _, v := range r.(ListValue) {
			if Equal(v, x) {
				n++
			}
		}
		return IntValue(n), nil
	},
}

var dictMethods = map[string]methodFunc{
	"items": func(r Value, _ Args) (Value, error) { return r.(*DictValue).Pairs(), nil },
	"keys": func(r Value, _ Args) (Value, error) {
		items, err := r.(*DictValue).Items()
		return ListValue(items), err
	},
	"values": func(r Value, _ Args) (Value, error) {
		d := r.(*DictValue)
		out := make(ListValue, 0, d.Len())
		for _, k := range d.Keys() {
			v, _ := d.Get(k)
			out = append(out, v)
		}
		return out, nil
	},
	"get": func(r Value, a Args) (Value, error) {
		k := a.Arg(0, "key")
		if k == nil {
			return nil, tplerr.Runtime("get() takes at least 1 argument")
		}
		if v, ok := r.(*DictValue).Get(keyString(k)); ok {
			return v, nil
		}
		if def := a.Arg(1, "default"); def != nil {
			return def, nil
		}
		return None, nil
	},
}

// method returns the bound method name of v, if the built-in type has one.
func method(v Value, name string) (Value, bool) {
	var table map[string]methodFunc
	switch v.(type) {
	case StringValue, MarkupValue:
		table = stringMethods
	case ListValue:
		table = listMethods
	case *DictValue:
		table = dictMethods
	default:
		return nil, false
	}
	fn, ok := table[name]
	if !ok {
		return nil, false
	}
	return CallableValue{Name: name, Fn: func(_ context.Context, a Args) (Value, error) {
		return fn(v, a)
	}}, true
}

func sameKind(recv Value, s string) Value {
	if _, ok := recv.(MarkupValue); ok {
		return MarkupValue(s)
	}
	return StringValue(s)
}

func trimMethod(space func(string) string, cut func(string, string) string) methodFunc {
	return func(r Value, a Args) (Value, error) {
		if chars := a.Arg(0, "chars"); chars != nil && !IsNone(chars) {
			return sameKind(r, cut(r.String(), chars.String())), nil
		}
		return sameKind(r, space(r.String())), nil
	}
}

func anyPrefix(arg Value, match func(string) bool) bool {
	if l, ok := arg.(ListValue); ok {
		for _, x := range l {
			if match(x.String()) {
				return true
			}
		}
		return false
	}
	return arg != nil && match(arg.String())
}

func allRunes(s string, pred func(rune) bool) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !pred(r) {
			return false
		}
	}
	return true
}
