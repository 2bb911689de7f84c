package jinja2

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/lexer"
	"github.com/neurodesk/jinja/pkg/parser"
	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/value"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero value", cfg: Config{}},
		{name: "suspending strict", cfg: Config{Mode: ModeSuspending, Undefined: UndefinedStrict}},
		{
			name:    "bad mode",
			cfg:     Config{Mode: "eager"},
			wantErr: "mode must be one of",
		},
		{
			name:    "bad undefined",
			cfg:     Config{Undefined: "chatty"},
			wantErr: "undefined must be one of",
		},
		{
			name: "duplicate delimiters",
			cfg: Config{Delimiters: lexer.Delimiters{
				BlockStart: "<<", BlockEnd: ">>",
				VariableStart: "<<", VariableEnd: ">>",
				CommentStart: "<#", CommentEnd: "#>",
			}},
			wantErr: "start delimiters contains duplicate value: <<",
		},
		{
			name:    "missing delimiter",
			cfg:     Config{Delimiters: lexer.Delimiters{BlockStart: "{%", BlockEnd: "%}"}},
			wantErr: "variable_start must not be empty",
		},
		{
			name:    "unnamed extension",
			cfg:     Config{Extensions: []*Extension{LoopControls(), {}}},
			wantErr: "item 1: extension name must not be empty",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)

			_, err = New(tc.cfg)
			assert.ErrorContains(t, err, "invalid environment config")
		})
	}
}

func TestConfigFromYAML(t *testing.T) {
	doc := `
delimiters:
  block_start: "<%"
  block_end: "%>"
  variable_start: "${"
  variable_end: "}"
  comment_start: "<#"
  comment_end: "#>"
trim_blocks: true
undefined: strict
globals:
  site: docs
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	require.NoError(t, cfg.Validate())

	env := MustNew(cfg)
	got, err := env.RenderString("<# note #><% for x in xs %>\n${ site }:${ x } <% endfor %>", map[string]any{"xs": []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "docs:1 docs:2 ", got)

	_, err = env.RenderString("${ nope }", nil)
	assert.True(t, tplerr.IsKind(err, tplerr.KindUndefined))
}

func TestExtensionPriority(t *testing.T) {
	late := &Extension{
		Name:     "late",
		Priority: 200,
		Preprocess: func(src, _ string) (string, error) {
			return strings.ReplaceAll(src, "@", "[late]"), nil
		},
	}
	early := &Extension{
		Name:     "early",
		Priority: 50,
		Preprocess: func(src, _ string) (string, error) {
			return strings.ReplaceAll(src, "#", "@"), nil
		},
	}
	env := MustNew(Config{Extensions: []*Extension{late, early}})

	names := []string{}
	for _, x := range env.Extensions() {
		names = append(names, x.Name)
	}
	assert.Equal(t, []string{"early", "late"}, names)

	got, err := env.RenderString("#", nil)
	require.NoError(t, err)
	assert.Equal(t, "[late]", got)
}

func TestTokenFilter(t *testing.T) {
	shout := &Extension{
		Name: "shout",
		FilterStream: func(ts lexer.TokenStream) lexer.TokenStream {
			return lexer.StreamFunc(func() (lexer.Token, error) {
				tok, err := ts.Next()
				if err == nil && tok.Type == lexer.Data {
					tok.Value = strings.ToUpper(tok.Value)
				}
				return tok, err
			})
		},
	}
	assert.True(t, shout.Has(HookTokenFilter))
	assert.False(t, shout.Has(HookTags))

	env := MustNew(Config{Extensions: []*Extension{shout}})
	got, err := env.RenderString("hello {{ 'world' }}!", nil)
	require.NoError(t, err)
	assert.Equal(t, "HELLO world!", got)
}

// repeatExtension adds {% repeat n %}...{% endrepeat %}.
func repeatExtension() *Extension {
	return &Extension{
		Name: "repeat",
		Tags: map[string]parser.TagFunc{
			"repeat": func(p *parser.Parser, tag lexer.Token) (ast.Node, error) {
				count, err := p.ParseExpression()
				if err != nil {
					return nil, err
				}
				if err := p.ExpectBlockEnd(); err != nil {
					return nil, err
				}
				body, _, err := p.ParseBody("endrepeat")
				if err != nil {
					return nil, err
				}
				return &ast.CallExtensionNode{
					Pos:    ast.Pos{Line: tag.Line, Col: tag.Col},
					Ext:    "repeat",
					Method: "run",
					Args:   []ast.Expr{count},
					Bodies: [][]ast.Node{body},
				}, p.ExpectBlockEnd()
			},
		},
		Methods: map[string]ExtensionMethod{
			"run": func(_ *State, args []value.Value, bodies []func() (string, error)) (value.Value, error) {
				n, ok := value.ToInt(args[0])
				if !ok {
					return nil, tplerr.Runtime("repeat count must be an integer")
				}
				var b strings.Builder
				for i := int64(0); i < n; i++ {
					s, err := bodies[0]()
					if err != nil {
						return nil, err
					}
					b.WriteString(s)
				}
				return value.StringValue(b.String()), nil
			},
		},
	}
}

func TestCustomTag(t *testing.T) {
	x := repeatExtension()
	assert.True(t, x.Has(HookTags))
	assert.True(t, x.Has(HookNodes))
	assert.False(t, x.Has(HookPreprocess))

	env := MustNew(Config{})
	require.NoError(t, env.AddExtension(x))

	got, err := env.RenderString("{% repeat n %}[{{ c }}]{% endrepeat %}", map[string]any{"n": 3, "c": "x"})
	require.NoError(t, err)
	assert.Equal(t, "[x][x][x]", got)

	_, err = env.RenderString("{% repeat 'a' %}{% endrepeat %}", nil)
	assert.ErrorContains(t, err, "repeat count must be an integer")

	_, err = env.RenderString("{% repeat 2 %}", nil)
	require.Error(t, err)
	assert.True(t, tplerr.IsKind(err, tplerr.KindSyntax))
	assert.Contains(t, err.Error(), "endrepeat")

	assert.ErrorContains(t, env.AddExtension(&Extension{}), "extension name must not be empty")
}

func TestUnknownExtensionNode(t *testing.T) {
	ghost := &Extension{
		Name: "emitter",
		Tags: map[string]parser.TagFunc{
			"ghost": func(p *parser.Parser, tag lexer.Token) (ast.Node, error) {
				return &ast.CallExtensionNode{Pos: ast.Pos{Line: tag.Line, Col: tag.Col}, Ext: "ghost", Method: "run"}, p.ExpectBlockEnd()
			},
		},
	}
	env := MustNew(Config{Extensions: []*Extension{ghost}})
	_, err := env.FromString("a\n{% ghost %}")
	require.Error(t, err)
	assert.True(t, tplerr.IsKind(err, tplerr.KindCompile))
	assert.Contains(t, err.Error(), "no extension named 'ghost'")
	assert.Contains(t, err.Error(), "[Line 2, Column")
}

func TestUnknownTag(t *testing.T) {
	_, err := MustNew(Config{}).FromString("{% break %}")
	require.Error(t, err)
	assert.True(t, tplerr.IsKind(err, tplerr.KindSyntax))
}

func TestEnvironmentLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	env := MustNew(Config{Logger: logger, Loader: MemoryLoader{"page": "hi"}})

	mustRender(t, env, "page", nil)
	mustRender(t, env, "page", nil)

	logs := buf.String()
	assert.Contains(t, logs, "compiled template")
	assert.Contains(t, logs, "template cache miss")
	assert.Contains(t, logs, "template cache hit")
	assert.Contains(t, logs, "name=page")
}

func TestGlobalsFromConfig(t *testing.T) {
	env := MustNew(Config{Globals: map[string]any{
		"version": 3,
		"tags":    []string{"a", "b"},
		"double":  func(n int) int { return n * 2 },
	}})
	got, err := env.RenderString("{{ version }} {{ tags|join('+') }} {{ double(version) }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "3 a+b 6", got)

	env.AddGlobal("version", "4")
	got, err = env.RenderString("{{ version }}", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "4", got)

	got, err = env.RenderString("{{ version }}", map[string]any{"version": "ctx"})
	require.NoError(t, err)
	assert.Equal(t, "ctx", got)
}

func TestAutoescapeFunc(t *testing.T) {
	env := MustNew(Config{
		AutoescapeFunc: func(name string) bool { return strings.HasSuffix(name, ".html") },
		Loader: MemoryLoader{
			"page.html": "{{ v }}",
			"page.txt":  "{{ v }}",
		},
	})
	data := map[string]any{"v": "<b>"}
	assert.Equal(t, "&lt;b&gt;", mustRender(t, env, "page.html", data))
	assert.Equal(t, "<b>", mustRender(t, env, "page.txt", data))
}
