package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "riskguard",
	Short: "Autonomous trading-risk enforcement daemon",
	Long: `Riskguard watches an account's position, order and trade stream, evaluates
risk rules against it, and enforces violations on its own: closing positions,
cancelling orders and locking the account out until the configured reset.

Lockouts cannot be lifted at runtime. To clear one early, list it under
admin_clear in the configuration and restart.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
