package cli

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mf",
		Short:         "metaFirst operator toolbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(opsdbCmd())

	return rootCmd
}

// Execute runs the mf operator CLI. Errors are returned to main, which prints
// them to stderr and exits non-zero.
func Execute() error {
	return newRootCmd().Execute()
}
