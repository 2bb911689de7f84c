package loader

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/neurodesk/jinja/pkg/jinja2"
	"github.com/neurodesk/jinja/pkg/tplerr"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLLoader(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLLoader(newTestDB(t), "templates", nil)
	require.NoError(t, err)
	require.NoError(t, l.EnsureSchema(ctx))
	require.NoError(t, l.EnsureSchema(ctx))

	require.NoError(t, l.Put(ctx, "base", "<{% block b %}{% endblock %}>"))
	require.NoError(t, l.Put(ctx, "child", "{% extends 'base' %}{% block b %}{{ msg }}{% endblock %}"))

	env := jinja2.MustNew(jinja2.Config{Loader: l})
	out, err := env.Render("child", map[string]any{"msg": "db"})
	require.NoError(t, err)
	assert.Equal(t, "<db>", out)

	_, err = env.Render("nope", nil)
	assert.True(t, tplerr.IsNotFound(err))

	names, err := l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "child"}, names)
}

func TestSQLLoaderUptodate(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLLoader(newTestDB(t), "tpl", nil)
	require.NoError(t, err)
	require.NoError(t, l.EnsureSchema(ctx))
	require.NoError(t, l.Put(ctx, "t", "v1"))

	src, err := l.GetSource(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "v1", src.Source)
	assert.Equal(t, "tpl:t", src.Filename)
	assert.True(t, src.Uptodate())

	env := jinja2.MustNew(jinja2.Config{Loader: l})
	out, err := env.Render("t", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", out)

	require.NoError(t, l.Put(ctx, "t", "v2"))
	assert.False(t, src.Uptodate())
	out, err = env.Render("t", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", out)

	require.NoError(t, l.Delete(ctx, "t"))
	assert.False(t, src.Uptodate())
	_, err = env.Render("t", nil)
	assert.True(t, tplerr.IsNotFound(err))
}

func TestSQLLoaderTableName(t *testing.T) {
	for _, name := range []string{"", "1abc", "t; DROP TABLE x", "a-b"} {
		_, err := NewSQLLoader(nil, name, nil)
		assert.Error(t, err, name)
	}
	_, err := NewSQLLoader(nil, "site_templates", nil)
	assert.NoError(t, err)
}
