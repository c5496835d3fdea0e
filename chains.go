// Package x402 holds the wire types, network table and error taxonomy shared by
// the x402 payment gate, its facilitator client and the paying client.
//
// The gate itself lives in the http package; this package has no HTTP dependency.
package x402

import (
	"fmt"
	"sort"
)

// NetworkType represents the blockchain virtual machine type.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine chains.
	NetworkTypeEVM
	// NetworkTypeSVM represents Solana Virtual Machine chains.
	NetworkTypeSVM
)

// String returns "evm", "svm" or "unknown".
func (t NetworkType) String() string {
	switch t {
	case NetworkTypeEVM:
		return "evm"
	case NetworkTypeSVM:
		return "svm"
	default:
		return "unknown"
	}
}

// EIP712Domain is the token's EIP-712 domain name and version, required to sign
// an EIP-3009 transferWithAuthorization.
type EIP712Domain struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// Asset describes a token a price can be denominated in.
type Asset struct {
	// Address is the token contract address (EVM) or mint address (Solana).
	Address string `json:"address" yaml:"address"`

	// Decimals is the token's decimal precision.
	Decimals int32 `json:"decimals" yaml:"decimals"`

	// EIP712 is the signing domain. Nil for non-EVM assets.
	EIP712 *EIP712Domain `json:"eip712,omitempty" yaml:"eip712,omitempty"`
}

// NetworkConfig contains chain-specific configuration for a network the gate can price in.
type NetworkConfig struct {
	// ID is the x402 protocol network identifier (e.g., "base", "solana").
	ID string

	// Type is the virtual machine family of the network.
	Type NetworkType

	// ChainID is the EVM chain id. Zero for non-EVM networks.
	ChainID int64

	// USDC is the network's canonical stablecoin, used for fixed dollar prices.
	USDC Asset

	// Testnet is true for test networks.
	Testnet bool
}

// Mainnet network configurations.
// USDC addresses and EIP-3009 parameters verified on 2025-10-28.
var (
	// BaseMainnet is the configuration for Base mainnet.
	BaseMainnet = NetworkConfig{
		ID:      "base",
		Type:    NetworkTypeEVM,
		ChainID: 8453,
		USDC: Asset{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Decimals: 6,
			EIP712:   &EIP712Domain{Name: "USD Coin", Version: "2"},
		},
	}

	// PolygonMainnet is the configuration for Polygon PoS mainnet.
	PolygonMainnet = NetworkConfig{
		ID:      "polygon",
		Type:    NetworkTypeEVM,
		ChainID: 137,
		USDC: Asset{
			Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			Decimals: 6,
			EIP712:   &EIP712Domain{Name: "USD Coin", Version: "2"},
		},
	}

	// AvalancheMainnet is the configuration for Avalanche C-Chain mainnet.
	AvalancheMainnet = NetworkConfig{
		ID:      "avalanche",
		Type:    NetworkTypeEVM,
		ChainID: 43114,
		USDC: Asset{
			Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			Decimals: 6,
			EIP712:   &EIP712Domain{Name: "USD Coin", Version: "2"},
		},
	}

	// SolanaMainnet is the configuration for Solana mainnet.
	SolanaMainnet = NetworkConfig{
		ID:   "solana",
		Type: NetworkTypeSVM,
		USDC: Asset{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Decimals: 6,
		},
	}
)

// Testnet network configurations.
var (
	// BaseSepolia is the configuration for Base Sepolia testnet.
	// Verified 2025-10-30 via on-chain contract read.
	BaseSepolia = NetworkConfig{
		ID:      "base-sepolia",
		Type:    NetworkTypeEVM,
		ChainID: 84532,
		USDC: Asset{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Decimals: 6,
			EIP712:   &EIP712Domain{Name: "USDC", Version: "2"},
		},
		Testnet: true,
	}

	// PolygonAmoy is the configuration for Polygon Amoy testnet.
	PolygonAmoy = NetworkConfig{
		ID:      "polygon-amoy",
		Type:    NetworkTypeEVM,
		ChainID: 80002,
		USDC: Asset{
			Address:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
			Decimals: 6,
			EIP712:   &EIP712Domain{Name: "USDC", Version: "2"},
		},
		Testnet: true,
	}

	// AvalancheFuji is the configuration for Avalanche Fuji testnet.
	AvalancheFuji = NetworkConfig{
		ID:      "avalanche-fuji",
		Type:    NetworkTypeEVM,
		ChainID: 43113,
		USDC: Asset{
			Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
			Decimals: 6,
			EIP712:   &EIP712Domain{Name: "USD Coin", Version: "2"},
		},
		Testnet: true,
	}

	// SolanaDevnet is the configuration for Solana devnet.
	SolanaDevnet = NetworkConfig{
		ID:   "solana-devnet",
		Type: NetworkTypeSVM,
		USDC: Asset{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Decimals: 6,
		},
		Testnet: true,
	}
)

var networks = map[string]NetworkConfig{
	BaseMainnet.ID:      BaseMainnet,
	PolygonMainnet.ID:   PolygonMainnet,
	AvalancheMainnet.ID: AvalancheMainnet,
	SolanaMainnet.ID:    SolanaMainnet,
	BaseSepolia.ID:      BaseSepolia,
	PolygonAmoy.ID:      PolygonAmoy,
	AvalancheFuji.ID:    AvalancheFuji,
	SolanaDevnet.ID:     SolanaDevnet,
}

// LookupNetwork returns the configuration for a network identifier.
// Returns an error wrapping ErrUnsupportedNetwork for unknown identifiers.
func LookupNetwork(networkID string) (NetworkConfig, error) {
	cfg, ok := networks[networkID]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, networkID)
	}
	return cfg, nil
}

// ValidateNetwork validates a network identifier and returns its type.
//
// Supported networks:
//   - EVM: base, base-sepolia, polygon, polygon-amoy, avalanche, avalanche-fuji
//   - SVM: solana, solana-devnet
func ValidateNetwork(networkID string) (NetworkType, error) {
	if networkID == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: network cannot be empty", ErrUnsupportedNetwork)
	}
	cfg, err := LookupNetwork(networkID)
	if err != nil {
		return NetworkTypeUnknown, err
	}
	return cfg.Type, nil
}

// Networks returns the identifiers of all supported networks, sorted.
func Networks() []string {
	ids := make([]string, 0, len(networks))
	for id := range networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
