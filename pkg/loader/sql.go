package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neurodesk/jinja/pkg/jinja2"
	"github.com/neurodesk/jinja/pkg/tplerr"
	"github.com/neurodesk/jinja/pkg/validator"
)

// SQLLoader loads templates from a table with name, source and updated_at
// columns. updated_at is a Unix nanosecond timestamp bumped by Put and
// drives Uptodate.
type SQLLoader struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

var _ jinja2.Loader = (*SQLLoader)(nil)

// NewSQLLoader returns a loader reading from table.
func NewSQLLoader(db *sql.DB, table string, logger *slog.Logger) (*SQLLoader, error) {
	if err := validator.Identifier(table, "table name"); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLLoader{db: db, table: table, logger: logger}, nil
}

// EnsureSchema creates the template table if it does not exist.
func (l *SQLLoader) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);`, l.table)
	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", l.table, err)
	}
	return nil
}

// Put stores or replaces a template.
func (l *SQLLoader) Put(ctx context.Context, name, source string) error {
	stmt := fmt.Sprintf(`INSERT INTO %[1]s (name, source, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET source = excluded.source,
            updated_at = max(excluded.updated_at, %[1]s.updated_at + 1)`, l.table)
	if _, err := l.db.ExecContext(ctx, stmt, name, source, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("storing template %s: %w", name, err)
	}
	l.logger.Debug("stored template", "name", name, "table", l.table)
	return nil
}

// Delete removes a template. Deleting a missing template is not an error.
func (l *SQLLoader) Delete(ctx context.Context, name string) error {
	if _, err := l.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", l.table), name); err != nil {
		return fmt.Errorf("deleting template %s: %w", name, err)
	}
	return nil
}

func (l *SQLLoader) GetSource(ctx context.Context, name string) (*jinja2.Source, error) {
	var src string
	var updated int64
	err := l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT source, updated_at FROM %s WHERE name = ?", l.table), name).Scan(&src, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tplerr.NotFound(name, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", name, err)
	}
	return &jinja2.Source{
		Source:   src,
		Filename: l.table + ":" + name,
		Uptodate: func() bool { return l.updatedAt(name) == updated },
	}, nil
}

// updatedAt returns the row's timestamp, or -1 when it cannot be read.
func (l *SQLLoader) updatedAt(name string) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var updated int64
	err := l.db.QueryRowContext(ctx, fmt.Sprintf("SELECT updated_at FROM %s WHERE name = ?", l.table), name).Scan(&updated)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			l.logger.Warn("checking template freshness", "name", name, "error", err)
		}
		return -1
	}
	return updated
}

// List returns the stored template names in order.
func (l *SQLLoader) List(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf("SELECT name FROM %s ORDER BY name", l.table))
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
