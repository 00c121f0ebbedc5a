package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/uprelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect uprelay configuration",
	Long: `Inspect the configuration uprelay resolves from its config file,
environment variables and flags.

Examples:
  uprelay config show                        # Show effective configuration as YAML
  uprelay config show --format json          # Show it as JSON
  uprelay config validate                    # Validate .uprelay.yml
  uprelay config validate --config prod.yml  # Validate a specific file`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long: `Validate the resolved configuration. Errors fail the command; warnings
are printed and only fail it with --strict.`,
	Args: cobra.NoArgs,
	RunE: runConfigValidate,
}

var (
	configFormat string
	configStrict bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "Output format (yaml, json)")
	configValidateCmd.Flags().BoolVar(&configStrict, "strict", false, "Treat warnings as errors")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "yaml":
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(cfg); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return encoder.Close()
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", configFormat)
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if configReadErr != nil {
		return configReadErr
	}

	cfg, err := config.Decode(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	result := config.Check(cfg)
	fmt.Fprint(cmd.OutOrStdout(), result.String())

	if result.HasErrors() {
		return fmt.Errorf("configuration has %d error(s)", len(result.Errors))
	}
	if configStrict && len(result.Warnings) > 0 {
		return fmt.Errorf("configuration has %d warning(s)", len(result.Warnings))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
	return nil
}
