package jinja2

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

func builtinFilters() map[string]FilterFunc {
	f := map[string]FilterFunc{
		"abs":         filterAbs,
		"attr":        filterAttr,
		"batch":       filterBatch,
		"capitalize":  filterCapitalize,
		"center":      filterCenter,
		"default":     filterDefault,
		"dictsort":    filterDictsort,
		"escape":      filterEscape,
		"first":       filterFirst,
		"float":       filterFloat,
		"forceescape": filterForceescape,
		"groupby":     filterGroupby,
		"indent":      filterIndent,
		"int":         filterInt,
		"items":       filterItems,
		"join":        filterJoin,
		"last":        filterLast,
		"length":      filterLength,
		"list":        filterList,
		"lower":       filterLower,
		"map":         filterMap,
		"max":         filterMinMax(1),
		"min":         filterMinMax(-1),
		"reject":      filterSelect(false, false),
		"rejectattr":  filterSelect(false, true),
		"replace":     filterReplace,
		"reverse":     filterReverse,
		"round":       filterRound,
		"safe":        filterSafe,
		"select":      filterSelect(true, false),
		"selectattr":  filterSelect(true, true),
		"slice":       filterSlice,
		"sort":        filterSort,
		"string":      filterString,
		"striptags":   filterStriptags,
		"sum":         filterSum,
		"title":       filterTitle,
		"tojson":      filterTojson,
		"trim":        filterTrim,
		"truncate":    filterTruncate,
		"unique":      filterUnique,
		"upper":       filterUpper,
		"urlencode":   filterUrlencode,
		"wordcount":   filterWordcount,
	}
	f["d"] = f["default"]
	f["e"] = f["escape"]
	f["count"] = f["length"]
	return f
}

func argInt(a value.Args, i int, name string, def int) (int, error) {
	v := a.Arg(i, name)
	if v == nil || value.IsNone(v) {
		return def, nil
	}
	n, ok := value.ToInt(v)
	if !ok {
		return 0, tplerr.Runtime("argument '%s' must be an integer, got %s", name, value.TypeName(v))
	}
	return int(n), nil
}

func argBool(a value.Args, i int, name string, def bool) bool {
	v := a.Arg(i, name)
	if v == nil {
		return def
	}
	return v.Truth()
}

func argString(a value.Args, i int, name, def string) string {
	v := a.Arg(i, name)
	if v == nil || value.IsNone(v) {
		return def
	}
	return v.String()
}

// keepKind returns s as markup when v was markup.
func keepKind(v value.Value, s string) value.Value {
	if value.IsSafe(v) {
		return value.MarkupValue(s)
	}
	return value.StringValue(s)
}

// attrGetter resolves a dotted attribute path such as "address.city" or
// "items.0".
func attrGetter(attr string, def value.Value) func(v value.Value) (value.Value, error) {
	parts := strings.Split(attr, ".")
	return func(v value.Value) (value.Value, error) {
		for _, p := range parts {
			var key value.Value = value.StringValue(p)
			if n, err := strconv.Atoi(p); err == nil {
				key = value.IntValue(n)
			}
			var err error
			if v, err = value.GetItem(v, key); err != nil {
				return nil, err
			}
		}
		if def != nil && value.IsUndefined(v) {
			return def, nil
		}
		return v, nil
	}
}

// sortKey folds strings when comparisons ignore case.
func sortKey(v value.Value, caseSensitive bool) value.Value {
	if caseSensitive {
		return v
	}
	switch t := v.(type) {
	case value.StringValue:
		return value.StringValue(strings.ToLower(string(t)))
	case value.MarkupValue:
		return value.StringValue(strings.ToLower(string(t)))
	}
	return v
}

func sortValues(items []value.Value, key func(value.Value) (value.Value, error), reverse bool) error {
	keys := make([]value.Value, len(items))
	for i, it := range items {
		k, err := key(it)
		if err != nil {
			return err
		}
		keys[i] = k
	}
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	var cmpErr error
	sort.SliceStable(idx, func(i, j int) bool {
		c, err := value.Compare(keys[idx[i]], keys[idx[j]])
		if err != nil && cmpErr == nil {
			cmpErr = err
		}
		if reverse {
			return c > 0
		}
		return c < 0
	})
	if cmpErr != nil {
		return cmpErr
	}
	sorted := make([]value.Value, len(items))
	for i, k := range idx {
		sorted[i] = items[k]
	}
	copy(items, sorted)
	return nil
}

func filterAbs(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	switch t := v.(type) {
	case value.IntValue:
		if t < 0 {
			return -t, nil
		}
		return t, nil
	case value.FloatValue:
		return value.FloatValue(math.Abs(float64(t))), nil
	case value.BoolValue:
		if t {
			return value.IntValue(1), nil
		}
		return value.IntValue(0), nil
	}
	return nil, tplerr.Runtime("bad operand type for abs(): '%s'", value.TypeName(v))
}

func filterAttr(_ *State, v value.Value, a value.Args) (value.Value, error) {
	return value.GetAttr(v, argString(a, 0, "name", ""))
}

func filterBatch(st *State, v value.Value, a value.Args) (value.Value, error) {
	n, err := argInt(a, 0, "linecount", 1)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, tplerr.Runtime("batch size must be positive")
	}
	fill := a.Arg(1, "fill_with")
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	out := value.ListValue{}
	for i := 0; i < len(items); i += n {
		end := min(i+n, len(items))
		row := append(value.ListValue{}, items[i:end]...)
		for fill != nil && !value.IsNone(fill) && len(row) < n {
			row = append(row, fill)
		}
		out = append(out, row)
	}
	return out, nil
}

func filterCapitalize(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	s := v.String()
	if s == "" {
		return keepKind(v, s), nil
	}
	_, size := utf8.DecodeRuneInString(s)
	return keepKind(v, cases.Upper(language.Und).String(s[:size])+cases.Lower(language.Und).String(s[size:])), nil
}

func filterCenter(_ *State, v value.Value, a value.Args) (value.Value, error) {
	width, err := argInt(a, 0, "width", 80)
	if err != nil {
		return nil, err
	}
	s := v.String()
	n := utf8.RuneCountInString(s)
	if width <= n {
		return keepKind(v, s), nil
	}
	marg := width - n
	left := marg/2 + (marg & width & 1)
	return keepKind(v, strings.Repeat(" ", left)+s+strings.Repeat(" ", marg-left)), nil
}

func filterDefault(_ *State, v value.Value, a value.Args) (value.Value, error) {
	def := a.Arg(0, "default_value")
	if def == nil {
		def = value.StringValue("")
	}
	if value.IsUndefined(v) || (argBool(a, 1, "boolean", false) && !v.Truth()) {
		return def, nil
	}
	return v, nil
}

func filterDictsort(_ *State, v value.Value, a value.Args) (value.Value, error) {
	d, ok := v.(*value.DictValue)
	if !ok {
		return nil, tplerr.Runtime("dictsort expects a dict, got %s", value.TypeName(v))
	}
	caseSensitive := argBool(a, 0, "case_sensitive", false)
	by := argString(a, 1, "by", "key")
	pos := 0
	switch by {
	case "key":
	case "value":
		pos = 1
	default:
		return nil, tplerr.Runtime("You can only sort by either 'key' or 'value'")
	}
	pairs := []value.Value(d.Pairs())
	err := sortValues(pairs, func(p value.Value) (value.Value, error) {
		return sortKey(p.(value.ListValue)[pos], caseSensitive), nil
	}, argBool(a, 2, "reverse", false))
	if err != nil {
		return nil, err
	}
	return value.ListValue(pairs), nil
}

func filterEscape(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	return value.Escape(v), nil
}

func filterForceescape(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	return value.MarkupValue(value.EscapeString(v.String())), nil
}

func filterFirst(st *State, v value.Value, _ value.Args) (value.Value, error) {
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return value.UndefinedHint("first", "No first item, sequence was empty."), nil
	}
	return items[0], nil
}

func filterLast(st *State, v value.Value, _ value.Args) (value.Value, error) {
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return value.UndefinedHint("last", "No last item, sequence was empty."), nil
	}
	return items[len(items)-1], nil
}

func filterFloat(_ *State, v value.Value, a value.Args) (value.Value, error) {
	def := a.Arg(0, "default")
	if def == nil {
		def = value.FloatValue(0)
	}
	switch t := v.(type) {
	case value.IntValue, value.FloatValue, value.BoolValue:
		f, _ := value.ToFloat(t)
		return value.FloatValue(f), nil
	case value.StringValue, value.MarkupValue:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t.String()), 64); err == nil {
			return value.FloatValue(f), nil
		}
	}
	return def, nil
}

func filterInt(_ *State, v value.Value, a value.Args) (value.Value, error) {
	def := a.Arg(0, "default")
	if def == nil {
		def = value.IntValue(0)
	}
	base, err := argInt(a, 1, "base", 10)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case value.IntValue:
		return t, nil
	case value.FloatValue:
		return value.IntValue(int64(t)), nil
	case value.BoolValue:
		n, _ := value.ToInt(t)
		return value.IntValue(n), nil
	case value.StringValue, value.MarkupValue:
		s := strings.ReplaceAll(strings.TrimSpace(t.String()), "_", "")
		if n, err := strconv.ParseInt(s, base, 64); err == nil {
			return value.IntValue(n), nil
		}
		if base == 10 {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return value.IntValue(int64(f)), nil
			}
		}
	}
	return def, nil
}

// groupValue is one group of the groupby filter. It unpacks as
// (grouper, list) and exposes both as attributes.
type groupValue struct {
	grouper value.Value
	list    value.ListValue
}

func (g *groupValue) String() string { return value.Repr(value.ListValue{g.grouper, g.list}) }
func (g *groupValue) Truth() bool    { return true }

func (g *groupValue) Items() ([]value.Value, error) { return []value.Value{g.grouper, g.list}, nil }

func (g *groupValue) OnLookup(key string) (value.Value, bool) {
	switch key {
	case "grouper":
		return g.grouper, true
	case "list":
		return g.list, true
	}
	return nil, false
}

func filterGroupby(st *State, v value.Value, a value.Args) (value.Value, error) {
	attr := argString(a, 0, "attribute", "")
	if attr == "" {
		return nil, tplerr.Runtime("groupby requires an attribute")
	}
	caseSensitive := argBool(a, 2, "case_sensitive", false)
	get := attrGetter(attr, a.Arg(1, "default"))
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	key := func(it value.Value) (value.Value, error) {
		k, err := get(it)
		if err != nil {
			return nil, err
		}
		return sortKey(k, caseSensitive), nil
	}
	if err := sortValues(items, key, false); err != nil {
		return nil, err
	}
	out := value.ListValue{}
	var cur *groupValue
	var curKey value.Value
	for _, it := range items {
		k, err := key(it)
		if err != nil {
			return nil, err
		}
		if cur == nil || !value.Equal(curKey, k) {
			g, err := get(it)
			if err != nil {
				return nil, err
			}
			cur, curKey = &groupValue{grouper: g}, k
			out = append(out, cur)
		}
		cur.list = append(cur.list, it)
	}
	return out, nil
}

func filterIndent(_ *State, v value.Value, a value.Args) (value.Value, error) {
	pad := "    "
	if w := a.Arg(0, "width"); w != nil {
		if n, ok := w.(value.IntValue); ok {
			pad = strings.Repeat(" ", int(n))
		} else {
			pad = w.String()
		}
	}
	first, blank := argBool(a, 1, "first", false), argBool(a, 2, "blank", false)
	s := v.String()
	if value.IsSafe(v) {
		pad = string(value.Escape(value.StringValue(pad)))
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if i == 0 && !first {
			continue
		}
		if l == "" && !blank {
			continue
		}
		lines[i] = pad + l
	}
	return keepKind(v, strings.Join(lines, "\n")), nil
}

func filterItems(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	if value.IsUndefined(v) {
		return value.ListValue{}, nil
	}
	d, ok := v.(*value.DictValue)
	if !ok {
		return nil, tplerr.Runtime("items expects a dict, got %s", value.TypeName(v))
	}
	return d.Pairs(), nil
}

func filterJoin(st *State, v value.Value, a value.Args) (value.Value, error) {
	sep := a.Arg(0, "d")
	if sep == nil {
		sep = value.StringValue("")
	}
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	if attr := argString(a, 1, "attribute", ""); attr != "" {
		get := attrGetter(attr, nil)
		for i, it := range items {
			if items[i], err = get(it); err != nil {
				return nil, err
			}
		}
	}
	if st.autoescape {
		escape := value.IsSafe(sep)
		for _, it := range items {
			escape = escape || value.IsSafe(it)
		}
		if escape {
			parts := make([]string, len(items))
			for i, it := range items {
				parts[i] = string(value.Escape(it))
			}
			return value.MarkupValue(strings.Join(parts, string(value.Escape(sep)))), nil
		}
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.String()
	}
	return value.StringValue(strings.Join(parts, sep.String())), nil
}

func filterLength(st *State, v value.Value, _ value.Args) (value.Value, error) {
	if value.IsUndefined(v) {
		return value.IntValue(0), nil
	}
	if n, ok := value.Length(v); ok {
		return value.IntValue(n), nil
	}
	if _, ok := v.(*value.AsyncSeq); ok {
		items, err := st.Items(v)
		return value.IntValue(len(items)), err
	}
	return nil, tplerr.Runtime("object of type '%s' has no len()", value.TypeName(v))
}

func filterList(st *State, v value.Value, _ value.Args) (value.Value, error) {
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	return value.ListValue(items), nil
}

func filterLower(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	return keepKind(v, cases.Lower(language.Und).String(v.String())), nil
}

func filterUpper(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	return keepKind(v, cases.Upper(language.Und).String(v.String())), nil
}

func filterTitle(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	return keepKind(v, cases.Title(language.Und).String(v.String())), nil
}

// filterMap applies a filter to each item, or picks an attribute with
// map(attribute='name').
func filterMap(st *State, v value.Value, a value.Args) (value.Value, error) {
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	var fn func(value.Value) (value.Value, error)
	if attr, ok := a.Kwarg("attribute"); ok {
		def, _ := a.Kwarg("default")
		fn = attrGetter(attr.String(), def)
	} else {
		if len(a.Positional) == 0 {
			return nil, tplerr.Runtime("map requires a filter name or attribute")
		}
		name := a.Positional[0].String()
		rest := value.Args{Positional: a.Positional[1:], Keywords: a.Keywords}
		fn = func(it value.Value) (value.Value, error) { return st.Filter(name, it, rest) }
	}
	out := make(value.ListValue, len(items))
	for i, it := range items {
		if out[i], err = fn(it); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func filterMinMax(sign int) FilterFunc {
	return func(st *State, v value.Value, a value.Args) (value.Value, error) {
		items, err := st.Items(v)
		if err != nil {
			return nil, err
		}
		name := "max"
		if sign < 0 {
			name = "min"
		}
		if len(items) == 0 {
			return value.UndefinedHint(name, "No aggregated item, sequence was empty."), nil
		}
		caseSensitive := argBool(a, 0, "case_sensitive", false)
		get := func(x value.Value) (value.Value, error) { return x, nil }
		if attr := argString(a, 1, "attribute", ""); attr != "" {
			get = attrGetter(attr, nil)
		}
		best := items[0]
		bestKey, err := get(best)
		if err != nil {
			return nil, err
		}
		for _, it := range items[1:] {
			k, err := get(it)
			if err != nil {
				return nil, err
			}
			c, err := value.Compare(sortKey(k, caseSensitive), sortKey(bestKey, caseSensitive))
			if err != nil {
				return nil, err
			}
			if c*sign > 0 {
				best, bestKey = it, k
			}
		}
		return best, nil
	}
}

// filterSelect builds select, reject, selectattr and rejectattr.
func filterSelect(keep, byAttr bool) FilterFunc {
	return func(st *State, v value.Value, a value.Args) (value.Value, error) {
		items, err := st.Items(v)
		if err != nil {
			return nil, err
		}
		pos := a.Positional
		get := func(x value.Value) (value.Value, error) { return x, nil }
		if byAttr {
			if len(pos) == 0 {
				return nil, tplerr.Runtime("missing parameter for attribute name")
			}
			get = attrGetter(pos[0].String(), nil)
			pos = pos[1:]
		}
		check := func(x value.Value) (bool, error) { return x.Truth(), nil }
		if len(pos) > 0 {
			name := pos[0].String()
			rest := value.Args{Positional: pos[1:], Keywords: a.Keywords}
			check = func(x value.Value) (bool, error) { return st.Test(name, x, rest) }
		}
		out := value.ListValue{}
		for _, it := range items {
			x, err := get(it)
			if err != nil {
				return nil, err
			}
			ok, err := check(x)
			if err != nil {
				return nil, err
			}
			if ok == keep {
				out = append(out, it)
			}
		}
		return out, nil
	}
}

func filterReplace(st *State, v value.Value, a value.Args) (value.Value, error) {
	old, repl := a.Arg(0, "old"), a.Arg(1, "new")
	if old == nil || repl == nil {
		return nil, tplerr.Runtime("replace expects old and new strings")
	}
	count, err := argInt(a, 2, "count", -1)
	if err != nil {
		return nil, err
	}
	if st.autoescape && value.IsSafe(v) {
		return value.MarkupValue(strings.Replace(v.String(), string(value.Escape(old)), string(value.Escape(repl)), count)), nil
	}
	return keepKind(v, strings.Replace(v.String(), old.String(), repl.String(), count)), nil
}

func filterReverse(st *State, v value.Value, _ value.Args) (value.Value, error) {
	switch v.(type) {
	case value.StringValue, value.MarkupValue:
		r := []rune(v.String())
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return keepKind(v, string(r)), nil
	}
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	out := make(value.ListValue, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out, nil
}

func filterRound(_ *State, v value.Value, a value.Args) (value.Value, error) {
	precision, err := argInt(a, 0, "precision", 0)
	if err != nil {
		return nil, err
	}
	f, ok := value.ToFloat(v)
	if !ok {
		return nil, tplerr.Runtime("round expects a number, got %s", value.TypeName(v))
	}
	p := math.Pow10(precision)
	switch method := argString(a, 1, "method", "common"); method {
	case "common":
		return value.FloatValue(math.RoundToEven(f*p) / p), nil
	case "ceil":
		return value.FloatValue(math.Ceil(f*p) / p), nil
	case "floor":
		return value.FloatValue(math.Floor(f*p) / p), nil
	default:
		return nil, tplerr.Runtime("method must be common, ceil or floor")
	}
}

func filterSafe(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	return value.MarkSafe(v), nil
}

// filterSlice splits the items into n columns.
func filterSlice(st *State, v value.Value, a value.Args) (value.Value, error) {
	n, err := argInt(a, 0, "slices", 1)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, tplerr.Runtime("number of slices must be positive")
	}
	fill := a.Arg(1, "fill_with")
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	per, extra := len(items)/n, len(items)%n
	out := value.ListValue{}
	offset := 0
	for i := 0; i < n; i++ {
		start := offset + i*per
		if i < extra {
			offset++
		}
		end := offset + (i+1)*per
		col := append(value.ListValue{}, items[start:end]...)
		if fill != nil && !value.IsNone(fill) && i >= extra {
			col = append(col, fill)
		}
		out = append(out, col)
	}
	return out, nil
}

func filterSort(st *State, v value.Value, a value.Args) (value.Value, error) {
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	reverse := argBool(a, 0, "reverse", false)
	caseSensitive := argBool(a, 1, "case_sensitive", false)
	get := func(x value.Value) (value.Value, error) { return x, nil }
	if attr := argString(a, 2, "attribute", ""); attr != "" {
		get = attrGetter(attr, nil)
	}
	err = sortValues(items, func(x value.Value) (value.Value, error) {
		k, err := get(x)
		if err != nil {
			return nil, err
		}
		return sortKey(k, caseSensitive), nil
	}, reverse)
	if err != nil {
		return nil, err
	}
	return value.ListValue(items), nil
}

func filterString(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	if value.IsSafe(v) {
		return v, nil
	}
	return value.StringValue(v.String()), nil
}

var (
	tagRe   = regexp.MustCompile(`(?s)<!--.*?-->|<[^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

func filterStriptags(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	s := tagRe.ReplaceAllString(v.String(), "")
	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	return value.StringValue(htmlUnescape(s)), nil
}

var htmlEntities = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#34;", `"`, "&quot;", `"`, "&#39;", "'")

func htmlUnescape(s string) string { return htmlEntities.Replace(s) }

func filterSum(st *State, v value.Value, a value.Args) (value.Value, error) {
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	if attr := argString(a, 0, "attribute", ""); attr != "" {
		get := attrGetter(attr, nil)
		for i, it := range items {
			if items[i], err = get(it); err != nil {
				return nil, err
			}
		}
	}
	total := a.Arg(1, "start")
	if total == nil {
		total = value.IntValue(0)
	}
	for _, it := range items {
		if total, err = value.Binary("+", total, it); err != nil {
			return nil, err
		}
	}
	return total, nil
}

func filterTojson(_ *State, v value.Value, a value.Args) (value.Value, error) {
	indent, err := argInt(a, 0, "indent", 0)
	if err != nil {
		return nil, err
	}
	var b []byte
	if indent > 0 {
		b, err = json.MarshalIndent(value.ToGo(v), "", strings.Repeat(" ", indent))
	} else {
		b, err = json.Marshal(value.ToGo(v))
	}
	if err != nil {
		return nil, tplerr.Runtime("tojson: %v", err)
	}
	return value.MarkupValue(strings.ReplaceAll(string(b), "'", `\u0027`)), nil
}

func filterTrim(_ *State, v value.Value, a value.Args) (value.Value, error) {
	if chars := a.Arg(0, "chars"); chars != nil && !value.IsNone(chars) {
		return keepKind(v, strings.Trim(v.String(), chars.String())), nil
	}
	return keepKind(v, strings.TrimSpace(v.String())), nil
}

func filterTruncate(_ *State, v value.Value, a value.Args) (value.Value, error) {
	length, err := argInt(a, 0, "length", 255)
	if err != nil {
		return nil, err
	}
	killwords := argBool(a, 1, "killwords", false)
	end := argString(a, 2, "end", "...")
	leeway, err := argInt(a, 3, "leeway", 5)
	if err != nil {
		return nil, err
	}
	if length < len(end) {
		return nil, tplerr.Runtime("expected length >= %d, got %d", len(end), length)
	}
	r := []rune(v.String())
	if len(r) <= length+leeway {
		return v, nil
	}
	head := string(r[:length-utf8.RuneCountInString(end)])
	if !killwords {
		if i := strings.LastIndex(head, " "); i >= 0 {
			head = head[:i]
		}
	}
	return value.StringValue(head + end), nil
}

func filterUnique(st *State, v value.Value, a value.Args) (value.Value, error) {
	items, err := st.Items(v)
	if err != nil {
		return nil, err
	}
	caseSensitive := argBool(a, 0, "case_sensitive", false)
	get := func(x value.Value) (value.Value, error) { return x, nil }
	if attr := argString(a, 1, "attribute", ""); attr != "" {
		get = attrGetter(attr, nil)
	}
	out := value.ListValue{}
	var seen []value.Value
outer:
	for _, it := range items {
		k, err := get(it)
		if err != nil {
			return nil, err
		}
		k = sortKey(k, caseSensitive)
		for _, s := range seen {
			if value.Equal(s, k) {
				continue outer
			}
		}
		seen = append(seen, k)
		out = append(out, it)
	}
	return out, nil
}

func filterUrlencode(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	var pairs value.ListValue
	switch t := v.(type) {
	case *value.DictValue:
		pairs = t.Pairs()
	case value.ListValue:
		pairs = t
	default:
		q := strings.ReplaceAll(url.QueryEscape(v.String()), "+", "%20")
		return value.StringValue(strings.ReplaceAll(q, "%2F", "/")), nil
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		kv, ok := p.(value.ListValue)
		if !ok || len(kv) != 2 {
			return nil, tplerr.Runtime("urlencode expects a dict or a list of pairs")
		}
		parts = append(parts, url.QueryEscape(kv[0].String())+"="+url.QueryEscape(kv[1].String()))
	}
	return value.StringValue(strings.Join(parts, "&")), nil
}

func filterWordcount(_ *State, v value.Value, _ value.Args) (value.Value, error) {
	return value.IntValue(len(strings.Fields(v.String()))), nil
}

// FilterFromFunc adapts a plain Go function to a filter. The function
// receives the filtered value followed by the positional arguments,
// converted with value.ToGo, and its result is converted back.
func FilterFromFunc(fn func(args ...any) (any, error)) FilterFunc {
	return func(_ *State, v value.Value, a value.Args) (value.Value, error) {
		in := make([]any, 0, len(a.Positional)+1)
		in = append(in, value.ToGo(v))
		for _, p := range a.Positional {
			in = append(in, value.ToGo(p))
		}
		out, err := fn(in...)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		return value.FromGo(out), nil
	}
}
