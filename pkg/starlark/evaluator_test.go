package starlark

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

func TestToStarlark(t *testing.T) {
	tests := []struct {
		name     string
		input    value.Value
		expected starlark.Value
	}{
		{
			name:     "string value",
			input:    value.StringValue("hello"),
			expected: starlark.String("hello"),
		},
		{
			name:     "markup value",
			input:    value.MarkupValue("<b>"),
			expected: starlark.String("<b>"),
		},
		{
			name:     "int value",
			input:    value.IntValue(42),
			expected: starlark.MakeInt64(42),
		},
		{
			name:     "float value",
			input:    value.FloatValue(3.14),
			expected: starlark.Float(3.14),
		},
		{
			name:     "bool value true",
			input:    value.BoolValue(true),
			expected: starlark.Bool(true),
		},
		{
			name:     "none value",
			input:    value.None,
			expected: starlark.None,
		},
		{
			name:     "undefined value",
			input:    value.Undefined("x"),
			expected: starlark.None,
		},
		{
			name:     "nil value",
			input:    nil,
			expected: starlark.None,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ToStarlark(tt.input)
			if result.String() != tt.expected.String() {
				t.Errorf("ToStarlark() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestFromStarlark(t *testing.T) {
	tests := []struct {
		name     string
		input    starlark.Value
		expected value.Value
	}{
		{"string value", starlark.String("hello"), value.StringValue("hello")},
		{"int value", starlark.MakeInt64(42), value.IntValue(42)},
		{"float value", starlark.Float(3.5), value.FloatValue(3.5)},
		{"bool value", starlark.Bool(false), value.BoolValue(false)},
		{"none value", starlark.None, value.None},
		{"tuple value", starlark.Tuple{starlark.MakeInt(1), starlark.String("a")}, value.ListValue{value.IntValue(1), value.StringValue("a")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FromStarlark(tt.input))
		})
	}

	huge := starlark.MakeBigInt(new(big.Int).Lsh(big.NewInt(1), 70))
	assert.Equal(t, value.StringValue("1180591620717411303424"), FromStarlark(huge))
}

func TestListConversion(t *testing.T) {
	list := value.ListValue{value.StringValue("a"), value.IntValue(1), value.BoolValue(true)}

	sl, ok := ToStarlark(list).(*starlark.List)
	require.True(t, ok)
	assert.Equal(t, 3, sl.Len())

	assert.Equal(t, list, FromStarlark(sl))
}

func TestDictConversion(t *testing.T) {
	d := value.DictOf("key1", "value1", "key2", 42)

	sd, ok := ToStarlark(d).(*starlark.Dict)
	require.True(t, ok)
	assert.Equal(t, 2, sd.Len())

	back, ok := FromStarlark(sd).(*value.DictValue)
	require.True(t, ok)
	assert.Equal(t, []string{"key1", "key2"}, back.Keys())
	v, _ := back.Get("key1")
	assert.Equal(t, value.StringValue("value1"), v)

	nonString := starlark.NewDict(1)
	require.NoError(t, nonString.SetKey(starlark.MakeInt(7), starlark.True))
	back = FromStarlark(nonString).(*value.DictValue)
	assert.Equal(t, []string{"7"}, back.Keys())
}

func TestCallableConversion(t *testing.T) {
	ctx := context.Background()
	upper := value.NewFunc("upper", func(args []value.Value) (value.Value, error) {
		return value.StringValue("<" + args[0].String() + ">"), nil
	})

	e := NewEvaluator()
	e.SetGlobal("wrap", upper)
	got, err := e.Eval(ctx, "wrap('x')")
	require.NoError(t, err)
	assert.Equal(t, value.StringValue("<x>"), got)

	future := value.CallableValue{Name: "later", Fn: func(context.Context, value.Args) (value.Value, error) {
		return value.Go(func() (value.Value, error) { return value.IntValue(9), nil }), nil
	}}
	e.SetGlobal("later", future)
	got, err = e.Eval(ctx, "later() + 1")
	require.NoError(t, err)
	assert.Equal(t, value.IntValue(10), got)

	_, err = e.ExecString(ctx, "def add(a, b=1):\n    return a + b\n")
	require.NoError(t, err)
	add, ok := e.GetGlobal("add")
	require.True(t, ok)
	fn, ok := add.(value.CallableValue)
	require.True(t, ok)
	assert.Equal(t, "add", fn.Name)

	res, err := fn.Call(ctx, value.Args{Positional: []value.Value{value.IntValue(2)}, Keywords: value.DictOf("b", 5)})
	require.NoError(t, err)
	assert.Equal(t, value.IntValue(7), res)

	_, err = fn.Call(ctx, value.Args{Positional: []value.Value{value.StringValue("a")}})
	require.Error(t, err)
	assert.True(t, tplerr.IsKind(err, tplerr.KindRuntime))
	assert.Contains(t, err.Error(), "starlark:")
}

func TestWrapped(t *testing.T) {
	set := starlark.NewSet(2)
	require.NoError(t, set.Insert(starlark.String("a")))
	require.NoError(t, set.Insert(starlark.String("b")))

	w, ok := FromStarlark(set).(*Wrapped)
	require.True(t, ok)
	assert.True(t, w.Truth())
	items, err := w.Items()
	require.NoError(t, err)
	assert.Equal(t, []value.Value{value.StringValue("a"), value.StringValue("b")}, items)

	_, ok = w.OnLookup("union")
	assert.True(t, ok)
	_, ok = w.OnLookup("nope")
	assert.False(t, ok)

	assert.Same(t, set, ToStarlark(w))
}

func TestEvaluatorBasic(t *testing.T) {
	e := NewEvaluator()

	result, err := e.Eval(context.Background(), "2 + 3")
	require.NoError(t, err)
	assert.Equal(t, "5", result.String())

	_, err = e.Eval(context.Background(), "2 +")
	assert.ErrorContains(t, err, "starlark evaluation error")
}

func TestEvaluatorWithGlobals(t *testing.T) {
	e := NewEvaluator()
	e.SetGlobal("test_var", value.StringValue("hello"))

	result, err := e.Eval(context.Background(), "test_var + ' world'")
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.String())
}

func TestEvaluatorScript(t *testing.T) {
	e := NewEvaluator()

	script := `
x = 10
y = 20
result = x + y
_hidden = 1
`
	globals, err := e.ExecString(context.Background(), script)
	require.NoError(t, err)
	assert.Contains(t, globals, "result")

	result, ok := e.GetGlobal("result")
	require.True(t, ok)
	assert.Equal(t, "30", result.String())

	exported := e.Export()
	assert.Equal(t, []string{"result", "x", "y"}, exported.Keys())
}

func TestDataIntegration(t *testing.T) {
	e := NewEvaluator()
	e.LoadData(value.DictOf(
		"package_manager", "apt",
		"version", "1.0.0",
		"debug", true,
	))

	script := `
def build_cmd():
    if debug:
        return package_manager + " install -y package-" + version
    else:
        return package_manager + " install package-" + version

install_cmd = build_cmd()
`
	_, err := e.ExecString(context.Background(), script)
	require.NoError(t, err)

	result, ok := e.GetGlobal("install_cmd")
	require.True(t, ok)
	assert.Equal(t, "apt install -y package-1.0.0", result.String())

	_, ok = e.Export().Get("install_cmd")
	assert.True(t, ok)
}

func TestEvaluatorLimits(t *testing.T) {
	loop := "def spin():\n    for i in range(1000000000):\n        pass\nspin()\n"

	e := NewEvaluator(WithMaxSteps(1000))
	_, err := e.ExecString(context.Background(), loop)
	assert.ErrorContains(t, err, "too many steps")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = NewEvaluator().ExecString(ctx, loop)
	assert.ErrorContains(t, err, "context deadline exceeded")
}
