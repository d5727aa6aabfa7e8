package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/docflow/config"
	"github.com/songzhibin97/docflow/definition"
	"github.com/songzhibin97/docflow/logging"
)

var errInvalidDefinitions = errors.New("invalid definitions")

func newValidateCmd() *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check workflow definition files without storing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range files {
				defs, err := definition.LoadFile(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed++
					continue
				}
				for _, def := range defs {
					if err := definition.Validate(def); err != nil {
						fmt.Fprintf(out, "%s: FAIL %v\n", path, err)
						failed++
						continue
					}
					fmt.Fprintf(out, "%s: ok %q (%s, %d steps)\n", path, def.Name, def.DocumentType, len(def.Steps))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d failed", errInvalidDefinitions, failed)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "Definition YAML file (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newImportCmd(configPath *string) *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store workflow definition files in the configured storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			n, err := a.importFiles(ctx, files)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d definitions into %s storage\n", n, cfg.Storage.Driver)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "Definition YAML file (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
