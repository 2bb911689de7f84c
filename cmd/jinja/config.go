package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"

	"github.com/neurodesk/jinja/pkg/jinja2"
	"github.com/neurodesk/jinja/pkg/loader"
	"github.com/neurodesk/jinja/pkg/starlark"
	"github.com/neurodesk/jinja/pkg/validator"
)

// cliConfig is the merged configuration. OutputName maps template names to
// output paths when several templates render into a directory.
type cliConfig struct {
	SearchPath []string              `yaml:"search_path"`
	Extensions []string              `yaml:"extensions"`
	DB         string                `yaml:"db"`
	DBTable    string                `yaml:"db_table"`
	URL        string                `yaml:"url"`
	CacheDir   string                `yaml:"cache_dir"`
	Scripts    []string              `yaml:"scripts"`
	OutputName jinja2.TemplateString `yaml:"output_name"`
	Engine     jinja2.Config         `yaml:"engine"`
}

// settingKeys maps flag names to configuration keys.
var settingKeys = map[string]string{
	"search-path":   "search_path",
	"ext":           "extensions",
	"db":            "db",
	"db-table":      "db_table",
	"url":           "url",
	"cache-dir":     "cache_dir",
	"script":        "scripts",
	"output-name":   "output_name",
	"autoescape":    "engine.autoescape",
	"trim-blocks":   "engine.trim_blocks",
	"lstrip-blocks": "engine.lstrip_blocks",
	"keep-newline":  "engine.keep_trailing_newline",
	"undefined":     "engine.undefined",
	"mode":          "engine.mode",
}

func settingsFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("settings", pflag.ContinueOnError)
	fs.StringSliceP("search-path", "p", nil, "Template directories, searched in order")
	fs.StringSlice("ext", nil, "Template file extensions considered by check (default all files)")
	fs.String("db", "", "SQLite database holding templates")
	fs.String("db-table", "templates", "Table holding templates in --db")
	fs.String("url", "", "Base URL to fetch templates from")
	fs.String("cache-dir", "", "Directory caching templates fetched from --url")
	fs.StringSlice("script", nil, "Starlark files defining filters, tests and globals")
	fs.String("output-name", "", "Template for output paths below --output, given the template name")
	fs.Bool("autoescape", false, "HTML-escape output by default")
	fs.Bool("trim-blocks", false, "Remove the first newline after a block tag")
	fs.Bool("lstrip-blocks", false, "Strip whitespace before a block tag on its line")
	fs.Bool("keep-newline", false, "Keep the trailing newline of templates")
	fs.String("undefined", string(jinja2.UndefinedLenient), "Undefined variable policy (lenient, strict)")
	fs.String("mode", string(jinja2.ModeDirect), "Render mode (direct, suspending)")
	return fs
}

// config merges every configuration source into a cliConfig, decoding by
// the yaml tags shared with configuration files.
func (a *app) config() (*cliConfig, error) {
	cfg := &cliConfig{}
	err := a.v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" })
	if err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	if len(cfg.SearchPath) == 0 && cfg.DB == "" && cfg.URL == "" {
		cfg.SearchPath = []string{"."}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *cliConfig) Validate() error {
	return validator.All(
		validator.AtMostOne(map[string]bool{"db": c.DB != "", "url": c.URL != ""}),
		validator.Map(c.SearchPath, validator.ExistingDir, "search_path"),
		validator.NoDuplicates(c.SearchPath, "search_path"),
		validator.Identifier(c.DBTable, "db_table"),
		c.OutputName.Validate(),
		c.Engine.Validate(),
	)
}

// workspace is an environment together with the loaders feeding it.
type workspace struct {
	env  *jinja2.Environment
	fs   *loader.FileSystemLoader
	sql  *loader.SQLLoader
	http *loader.HTTPLoader
	db   *sql.DB
	eval *starlark.Evaluator
}

func (w *workspace) Close() error {
	var errs []error
	if w.fs != nil {
		errs = append(errs, w.fs.Close())
	}
	if w.db != nil {
		errs = append(errs, w.db.Close())
	}
	return errors.Join(errs...)
}

// openDB opens the template database and makes sure the table exists.
func (a *app) openDB(ctx context.Context, cfg *cliConfig) (*sql.DB, *loader.SQLLoader, error) {
	db, err := initDB(cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", cfg.DB, err)
	}
	l, err := loader.NewSQLLoader(db, cfg.DBTable, a.logger)
	if err == nil {
		err = l.EnsureSchema(ctx)
	}
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, l, nil
}

// workspace builds the environment described by cfg. Directories on the
// search path take precedence over the database or URL.
func (a *app) workspace(ctx context.Context, cfg *cliConfig, watch bool) (*workspace, error) {
	w := &workspace{}
	var loaders jinja2.ChoiceLoader
	if len(cfg.SearchPath) > 0 {
		opts := []loader.FSOption{loader.WithLogger(a.logger), loader.WithExtensions(cfg.Extensions...)}
		if watch {
			opts = append(opts, loader.WithWatch())
		}
		fl, err := loader.NewFileSystemLoader(cfg.SearchPath, opts...)
		if err != nil {
			return nil, err
		}
		w.fs = fl
		loaders = append(loaders, fl)
	}
	if cfg.DB != "" {
		db, l, err := a.openDB(ctx, cfg)
		if err != nil {
			w.Close()
			return nil, err
		}
		w.db, w.sql = db, l
		loaders = append(loaders, l)
	}
	if cfg.URL != "" {
		hl := loader.NewHTTPLoader(cfg.URL)
		hl.Dir = cfg.CacheDir
		hl.Logger = a.logger
		if err := hl.Validate(); err != nil {
			w.Close()
			return nil, err
		}
		w.http = hl
		loaders = append(loaders, hl)
	}

	ec := cfg.Engine
	ec.Loader = loaders
	ec.Logger = a.logger
	ec.Extensions = append(ec.Extensions, jinja2.LoopControls())
	env, err := jinja2.New(ec)
	if err != nil {
		w.Close()
		return nil, err
	}
	w.env = env

	w.eval = starlark.NewEvaluatorWithHost(env, starlark.WithLogger(a.logger))
	if err := env.AddExtension(starlark.Extension(w.eval)); err != nil {
		w.Close()
		return nil, err
	}
	for _, script := range cfg.Scripts {
		if _, err := w.eval.ExecFile(ctx, script, nil); err != nil {
			w.Close()
			return nil, err
		}
	}
	w.eval.Install(env)
	return w, nil
}
