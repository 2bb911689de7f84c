package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [template...]",
		Short: "Compile templates and report syntax errors",
		Long: `Compile the named templates, or every template found on the search path
and in the database when none are named. Use --ext to limit which files on
the search path count as templates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ws, err := a.workspace(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer ws.Close()

			names := args
			if len(names) == 0 {
				if ws.fs != nil {
					found, err := ws.fs.List()
					if err != nil {
						return err
					}
					names = append(names, found...)
				}
				if ws.sql != nil {
					found, err := ws.sql.List(ctx)
					if err != nil {
						return err
					}
					names = append(names, found...)
				}
				slices.Sort(names)
				names = slices.Compact(names)
			}

			failed := 0
			for _, name := range names {
				if _, err := ws.env.GetTemplateContext(ctx, name); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s\n%v\n", name, err)
					continue
				}
				a.logger.Debug("template ok", "name", name)
			}
			a.logger.Info("checked templates", "total", len(names), "failed", failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d templates failed", failed, len(names))
			}
			return nil
		},
	}
}
