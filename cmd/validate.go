package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newValidateCmd checks a configuration without opening any provider.
func newValidateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validates the configuration and exits",
		// Overrides the root hook so that no service is started.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, used, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			if used == "" {
				used = "(defaults)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d connections, %d outputs, %d jobs)\n",
				used, len(cfg.Connections), len(cfg.Outputs), len(cfg.Jobs))
			return nil
		},
	}
}
