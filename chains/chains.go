// Package chains maps well-known chain ids to public JSON-RPC endpoints so a
// simulator can be created from a bare chain id.
package chains

import "fmt"

var urls = map[uint64]string{
	1:        "https://eth.llamarpc.com",
	10:       "https://mainnet.optimism.io",
	56:       "https://bsc-dataseed.bnbchain.org",
	100:      "https://rpc.gnosischain.com",
	137:      "https://polygon-rpc.com",
	8453:     "https://mainnet.base.org",
	42161:    "https://arb1.arbitrum.io/rpc",
	43114:    "https://api.avax.network/ext/bc/C/rpc",
	11155111: "https://rpc.sepolia.org",
}

// URL returns the default RPC endpoint for a chain id.
func URL(chainID uint64) (string, error) {
	url, ok := urls[chainID]
	if !ok {
		return "", fmt.Errorf("no known RPC endpoint for chain id %d", chainID)
	}
	return url, nil
}

// Register adds or overrides the endpoint for a chain id.
func Register(chainID uint64, url string) {
	urls[chainID] = url
}
