package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/airchains-network/evm-simulator/config"
)

// InitCmd writes the default configuration file.
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Long:  `Write the default configuration to ~/.evm-simulator/config.toml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return initCommand()
	},
}

func initCommand() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %v", err)
	}

	dir := filepath.Join(home, ".evm-simulator")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %v", err)
	}

	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
