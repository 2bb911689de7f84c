package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neurodesk/jinja/pkg/ast"
	"github.com/neurodesk/jinja/pkg/lexer"
)

// source returns the template named by args or given inline.
func (a *app) source(ctx context.Context, ws *workspace, args []string, inline string) (string, string, error) {
	if inline != "" {
		return inline, "<string>", nil
	}
	if len(args) != 1 {
		return "", "", errors.New("expected exactly one template name")
	}
	src, err := ws.env.Source(ctx, args[0])
	if err != nil {
		return "", "", err
	}
	return src.Source, args[0], nil
}

func (a *app) tokensCmd() *cobra.Command {
	var inline string
	cmd := &cobra.Command{
		Use:   "tokens [template]",
		Short: "Print the token stream of a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ws, err := a.workspace(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer ws.Close()
			src, name, err := a.source(cmd.Context(), ws, args, inline)
			if err != nil {
				return err
			}
			ts, err := ws.env.Lex(src, name)
			if err != nil {
				return err
			}
			for {
				tok, err := ts.Next()
				if err != nil {
					return err
				}
				if tok.Type == lexer.EOF {
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
			}
		},
	}
	cmd.Flags().StringVarP(&inline, "string", "s", "", "Inspect this template source")
	return cmd
}

func (a *app) astCmd() *cobra.Command {
	var inline string
	cmd := &cobra.Command{
		Use:   "ast [template]",
		Short: "Print the syntax tree of a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ws, err := a.workspace(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer ws.Close()
			src, name, err := a.source(cmd.Context(), ws, args, inline)
			if err != nil {
				return err
			}
			doc, err := ws.env.Parse(src, name)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), ast.Pretty(doc))
			return nil
		},
	}
	cmd.Flags().StringVarP(&inline, "string", "s", "", "Inspect this template source")
	return cmd
}
