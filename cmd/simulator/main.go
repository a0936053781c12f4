package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/airchains-network/evm-simulator/cmd/simulator/commands"
)

func main() {
	// Create root command
	rootCmd := &cobra.Command{
		Use:   "simulator",
		Short: "An in-process EVM fork simulator",
		Long: `An in-process EVM fork simulator that forks a live chain at a chosen block
height and executes transactions against a mutable overlay on top of remote
state, without broadcasting anything to the network.`,
	}

	// Add commands
	rootCmd.AddCommand(commands.InitCmd)
	rootCmd.AddCommand(commands.StartCmd)

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
