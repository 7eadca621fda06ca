package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"register/internal/core"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema or indexes of the configured storage driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := core.Migrate(cmd.Context(), cfg.Storage); err != nil {
				return wrapExit(exitFailure, "migrate", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s storage is up to date\n", cfg.Storage.Driver)
			return nil
		},
	}
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out, err := cfg.Redacted().YAML()
			if err != nil {
				return wrapExit(exitFailure, "render config", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
