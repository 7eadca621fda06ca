package main

import (
	"github.com/spf13/cobra"

	"register/internal/config"
)

// rootOptions holds the global flags.
type rootOptions struct {
	configDir string
	profile   string
	verbose   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "registerd",
		Short:         "Custody register service",
		Long:          "registerd tracks assets through the collect and return custody lifecycle.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", config.DefaultDir, "directory holding <profile>.yaml and local.yaml")
	cmd.PersistentFlags().StringVar(&opts.profile, "profile", "", "configuration profile (default $REGISTER_PROFILE or prod)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

// load reads and validates the configuration selected by the global flags.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configDir, config.Profile(o.profile))
	if err != nil {
		return config.Config{}, wrapExit(exitCommandError, "load config", err)
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, wrapExit(exitCommandError, "invalid config", err)
	}
	return cfg, nil
}
