package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `The config command loads --config over the built-in defaults, applies
SLABKIT_DEBUG and SLABKIT_LOG_LEVEL from the environment, validates the
result and prints it as JSON.

Example:
  slabctl config
  slabctl config --config slabkit.jsonc
  SLABKIT_DEBUG=FZP slabctl config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(args)
		},
	}
	return cmd
}

func runConfig(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return printJSON(cfg)
}
