package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file without starting the node",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadRunConfig(cmd)
		if err != nil {
			return fmt.Errorf("telemesh validate: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("telemesh validate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s\n", cfg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
