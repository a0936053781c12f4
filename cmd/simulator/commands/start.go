package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/airchains-network/evm-simulator/chains"
	"github.com/airchains-network/evm-simulator/config"
	"github.com/airchains-network/evm-simulator/engine"
	"github.com/airchains-network/evm-simulator/eth"
	"github.com/airchains-network/evm-simulator/proxy"
)

// StartCmd represents the start command
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fork simulator",
	Long: `Start the fork simulator with the configuration from
~/.evm-simulator/config.toml. The simulator forks the configured chain and
serves a JSON-RPC endpoint over it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startCommand()
	},
}

func startCommand() error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	})
	log.SetLevel(logrus.InfoLevel)

	ctx := context.Background()

	// Get user's home directory
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %v", err)
	}

	// Load configuration
	configPath := filepath.Join(home, ".evm-simulator", "config.toml")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	// Resolve the upstream endpoint
	url := cfg.General.ChainRPCURL
	if url == "" {
		url, err = chains.URL(cfg.General.ChainID)
		if err != nil {
			return fmt.Errorf("failed to resolve chain endpoint: %v", err)
		}
	}

	// Initialize the upstream client
	client, err := eth.NewClient(url, log)
	if err != nil {
		log.Fatalf("Failed to initialize upstream client: %v", err)
	}
	defer client.Close()

	if cfg.Cache.Enabled {
		cache, err := eth.NewCache(cfg.Cache.Path)
		if err != nil {
			log.Fatalf("Failed to open remote-read cache: %v", err)
		}
		client.WithCache(cache)
	}

	// Fork the chain
	var forkBlock *uint64
	if cfg.General.ForkBlock != 0 {
		forkBlock = &cfg.General.ForkBlock
	}
	eng, err := engine.New(ctx, client, forkBlock, log)
	if err != nil {
		log.Fatalf("Failed to create simulation engine: %v", err)
	}
	client.PinBlock(eng.ForkBlock())

	// Start the JSON-RPC front-end
	log.Infof("Starting EVM Simulator on %s...", cfg.General.RPCPort)
	server := proxy.NewServer(eng, client, log)
	if err := server.Start(cfg.General.RPCPort, cfg.General.WebSocketPort); err != nil {
		log.Fatalf("Proxy server failed: %v", err)
	}

	return nil
}
