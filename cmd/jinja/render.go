package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/neurodesk/jinja/pkg/jinja2"
)

type renderOptions struct {
	data   []string
	sets   []string
	inline string
	output string
	watch  bool
	async  bool
}

func (a *app) renderCmd() *cobra.Command {
	var opts renderOptions
	cmd := &cobra.Command{
		Use:   "render [template...]",
		Short: "Render templates with context data",
		Long: `Render one or more templates, or an inline template given with --string.

With --output a single result is written to that file; several results are
written below it as a directory, keeping their template names unless
--output-name gives a template for the path. Files are replaced atomically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.inline == "" && len(args) == 0 {
				return errors.New("no template specified")
			}
			if opts.inline != "" && len(args) > 0 {
				return errors.New("--string cannot be combined with template names")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.render(ctx, cmd, args, opts)
		},
	}
	cmd.Flags().StringSliceVarP(&opts.data, "data", "d", nil, "YAML or JSON files with context data (- for stdin)")
	cmd.Flags().StringArrayVar(&opts.sets, "set", nil, "Set a context value as KEY=VALUE (repeatable)")
	cmd.Flags().StringVarP(&opts.inline, "string", "s", "", "Render this template source instead of named templates")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write output to a file or directory instead of stdout")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Render again whenever a template on the search path changes")
	cmd.Flags().BoolVar(&opts.async, "async", false, "Render in suspending mode, overriding the configured mode")
	return cmd
}

func (a *app) render(ctx context.Context, cmd *cobra.Command, names []string, opts renderOptions) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if opts.async {
		cfg.Engine.Mode = jinja2.ModeSuspending
	}
	data, err := loadData(cmd.InOrStdin(), opts.data, opts.sets)
	if err != nil {
		return err
	}
	ws, err := a.workspace(ctx, cfg, opts.watch)
	if err != nil {
		return err
	}
	defer ws.Close()

	if !opts.watch {
		return a.renderOnce(ctx, cfg, ws, cmd.OutOrStdout(), names, data, opts)
	}
	if ws.fs == nil {
		return errors.New("--watch needs a template search path")
	}
	for {
		if err := a.renderOnce(ctx, cfg, ws, cmd.OutOrStdout(), names, data, opts); err != nil {
			a.logger.Error("render failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case file := <-ws.fs.Changes():
			a.logger.Info("template changed, rendering again", "file", file)
			drain(ws.fs.Changes(), 50*time.Millisecond)
		}
	}
}

// drain discards notifications until ch is quiet for d.
func drain(ch <-chan string, d time.Duration) {
	for {
		select {
		case <-ch:
		case <-time.After(d):
			return
		}
	}
}

func (a *app) renderOnce(ctx context.Context, cfg *cliConfig, ws *workspace, stdout io.Writer, names []string, data map[string]any, opts renderOptions) error {
	renderOne := func(name string) (string, error) {
		if opts.inline != "" {
			t, err := ws.env.FromString(opts.inline)
			if err != nil {
				return "", err
			}
			return t.RenderContext(ctx, data)
		}
		return ws.env.RenderContext(ctx, name, data)
	}

	if opts.inline != "" {
		names = []string{"<string>"}
	}
	for _, name := range names {
		start := time.Now()
		out, err := renderOne(name)
		if err != nil {
			return err
		}
		a.logger.Debug("rendered template", "name", name, "duration", time.Since(start))

		switch {
		case opts.output == "":
			if _, err := io.WriteString(stdout, out); err != nil {
				return err
			}
			if !strings.HasSuffix(out, "\n") {
				fmt.Fprintln(stdout)
			}
		case len(names) == 1:
			if err := writeOutput(opts.output, out); err != nil {
				return err
			}
		default:
			rel := name
			if cfg.OutputName != "" {
				if rel, err = cfg.OutputName.Render(map[string]any{"name": name}); err != nil {
					return fmt.Errorf("output name for %s: %w", name, err)
				}
			}
			if err := writeOutput(filepath.Join(opts.output, filepath.FromSlash(rel)), out); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeOutput(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, strings.NewReader(content)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
