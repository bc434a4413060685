package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/quartermaster/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the effective configuration after defaults, file values and
environment overrides are merged. Secrets are redacted.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration without starting",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	out, err := config.Render(cfg)
	if err != nil {
		return err
	}

	fmt.Print(out)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// Load runs validation after defaults and env overrides are merged.
	if _, err := config.Load(GetConfigFile()); err != nil {
		return err
	}
	fmt.Println("Configuration is valid.")
	return nil
}
