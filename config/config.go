package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// Config holds the application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Cache   CacheConfig   `toml:"cache"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	// ChainRPCURL is the upstream endpoint to fork. Leave empty to resolve
	// a public endpoint from ChainID.
	ChainRPCURL string `toml:"chain_rpc_url"`
	ChainID     uint64 `toml:"chain_id"`
	// ForkBlock pins the fork height; 0 forks at the remote head.
	ForkBlock     uint64 `toml:"fork_block"`
	RPCPort       string `toml:"rpc_port"`
	WebSocketPort string `toml:"ws_port"`
}

// CacheConfig holds the optional remote-read cache settings
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// LoadConfig reads from config.toml and returns Config struct
func LoadConfig(path string) (Config, error) {
	var cfg Config
	file, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %v", err)
	}

	err = toml.Unmarshal(file, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %v", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given path.
func Save(cfg Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %v", err)
	}
	return nil
}

// Default returns the configuration written by `simulator init`.
func Default() Config {
	return Config{
		General: GeneralConfig{
			ChainID:       1,
			RPCPort:       ":8545",
			WebSocketPort: ":8546",
		},
		Cache: CacheConfig{
			Enabled: false,
			Path:    "",
		},
	}
}
