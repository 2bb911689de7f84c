package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func (a *app) dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage templates stored in the --db database",
	}

	open := func(cmd *cobra.Command) (*cliConfig, error) {
		cfg, err := a.config()
		if err != nil {
			return nil, err
		}
		if cfg.DB == "" {
			return nil, errors.New("--db is required")
		}
		return cfg, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "put NAME FILE",
		Short: "Store the contents of FILE as template NAME",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := open(cmd)
			if err != nil {
				return err
			}
			src, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			db, l, err := a.openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return l.Put(cmd.Context(), args[0], string(src))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List stored templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := open(cmd)
			if err != nil {
				return err
			}
			db, l, err := a.openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			names, err := l.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm NAME...",
		Short: "Delete stored templates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := open(cmd)
			if err != nil {
				return err
			}
			db, l, err := a.openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			for _, name := range args {
				if err := l.Delete(cmd.Context(), name); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}
