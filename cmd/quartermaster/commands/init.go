package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/quartermaster/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample quartermaster configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/quartermaster/config.yaml. Use --config to specify a custom
path.

Examples:
  # Initialize with default location
  quartermaster init

  # Initialize with custom path
  quartermaster init --config /etc/quartermaster/config.yaml

  # Force overwrite existing config
  quartermaster init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.Save(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point redis.addr, broker.url and object_store at your infrastructure")
	fmt.Println("  2. Set disk_cache.path to a directory with enough room for staging")
	fmt.Println("  3. Start the worker with: quartermaster start")

	return nil
}
