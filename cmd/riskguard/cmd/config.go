package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskguard/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage riskguard configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  riskguard config init -o riskguard.yaml
  riskguard config validate -f riskguard.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE:  runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "riskguard.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  riskguard run -f %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Storage: %s %s\n", cfg.Storage.Driver, cfg.Storage.DSN)
	for _, a := range cfg.Accounts {
		fmt.Fprintf(out, "  Account: %s (reset %s %s)\n", a.ID, a.Reset.Time, a.Reset.Timezone)
	}
	for _, r := range cfg.Rules {
		fmt.Fprintf(out, "  Rule: %s (%s -> %s)\n", r.ID, r.Type, r.Action)
	}
	return nil
}
