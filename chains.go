package paygate

import (
	"fmt"
	"strconv"
	"strings"
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

// CAIP-2 network identifiers
const (
	NetworkBase        = "eip155:8453"
	NetworkBaseSepolia = "eip155:84532"
	NetworkPolygon     = "eip155:137"
	NetworkPolygonAmoy = "eip155:80002"
	NetworkEthereum    = "eip155:1"
	NetworkSepolia     = "eip155:11155111"

	// Solana networks (genesis hash as reference per CAIP-2)
	NetworkSolanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	NetworkSolanaDevnet  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

// networkAliases maps short network names, as used on requirement and payload
// wire forms, to CAIP-2 identifiers.
var networkAliases = map[string]string{
	"base":           NetworkBase,
	"base-sepolia":   NetworkBaseSepolia,
	"polygon":        NetworkPolygon,
	"polygon-amoy":   NetworkPolygonAmoy,
	"ethereum":       NetworkEthereum,
	"sepolia":        NetworkSepolia,
	"solana":         NetworkSolanaMainnet,
	"solana-devnet":  NetworkSolanaDevnet,
	"solana-mainnet": NetworkSolanaMainnet,
}

// ChainConfig holds configuration for a specific blockchain.
type ChainConfig struct {
	// Network is the CAIP-2 network identifier.
	Network string

	// USDCAddress is the official Circle USDC contract or mint address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8
}

// Predefined chain configurations.
var (
	BaseMainnet = ChainConfig{
		Network:     NetworkBase,
		USDCAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:    6,
	}

	BaseSepolia = ChainConfig{
		Network:     NetworkBaseSepolia,
		USDCAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:    6,
	}

	PolygonMainnet = ChainConfig{
		Network:     NetworkPolygon,
		USDCAddress: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:    6,
	}

	PolygonAmoy = ChainConfig{
		Network:     NetworkPolygonAmoy,
		USDCAddress: "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:    6,
	}

	EthereumMainnet = ChainConfig{
		Network:     NetworkEthereum,
		USDCAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:    6,
	}

	Sepolia = ChainConfig{
		Network:     NetworkSepolia,
		USDCAddress: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:    6,
	}

	SolanaMainnet = ChainConfig{
		Network:     NetworkSolanaMainnet,
		USDCAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:    6,
	}

	SolanaDevnet = ChainConfig{
		Network:     NetworkSolanaDevnet,
		USDCAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:    6,
	}
)

// chainConfigByNetwork maps CAIP-2 network identifiers to chain configurations.
var chainConfigByNetwork = map[string]ChainConfig{
	NetworkBase:          BaseMainnet,
	NetworkBaseSepolia:   BaseSepolia,
	NetworkPolygon:       PolygonMainnet,
	NetworkPolygonAmoy:   PolygonAmoy,
	NetworkEthereum:      EthereumMainnet,
	NetworkSepolia:       Sepolia,
	NetworkSolanaMainnet: SolanaMainnet,
	NetworkSolanaDevnet:  SolanaDevnet,
}

// ResolveNetwork canonicalizes a network identifier: short names resolve to
// their CAIP-2 form, CAIP-2 identifiers pass through unchanged.
func ResolveNetwork(network string) string {
	if caip2, ok := networkAliases[strings.ToLower(network)]; ok {
		return caip2
	}
	return network
}

// GetChainConfig returns the chain configuration for a network identifier,
// accepting both CAIP-2 and registered short names.
// Returns an error if the network is not recognized.
func GetChainConfig(network string) (ChainConfig, error) {
	config, ok := chainConfigByNetwork[ResolveNetwork(network)]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	return config, nil
}

// ValidateNetwork validates a network identifier and returns its type.
// Short names are resolved before validation. Returns NetworkTypeEVM for
// EIP-155 chains, NetworkTypeSVM for Solana chains, or NetworkTypeUnknown
// with an error for unrecognized networks.
func ValidateNetwork(network string) (NetworkType, error) {
	if network == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}

	resolved := ResolveNetwork(network)

	parts := strings.SplitN(resolved, ":", 2)
	if len(parts) != 2 {
		return NetworkTypeUnknown, fmt.Errorf("%w: invalid CAIP-2 format: %s", ErrInvalidNetwork, network)
	}

	namespace := parts[0]
	reference := parts[1]

	if reference == "" {
		return NetworkTypeUnknown, fmt.Errorf("%w: missing network reference: %s", ErrInvalidNetwork, network)
	}

	switch namespace {
	case "eip155":
		if _, err := strconv.ParseInt(reference, 10, 64); err != nil {
			return NetworkTypeUnknown, fmt.Errorf("%w: invalid EIP-155 chain ID: %s", ErrInvalidNetwork, reference)
		}
		return NetworkTypeEVM, nil
	case "solana":
		if len(reference) < 32 || len(reference) > 44 {
			return NetworkTypeUnknown, fmt.Errorf("%w: invalid Solana genesis hash length: %s", ErrInvalidNetwork, reference)
		}
		return NetworkTypeSVM, nil
	default:
		return NetworkTypeUnknown, fmt.Errorf("%w: unsupported namespace: %s", ErrInvalidNetwork, namespace)
	}
}

// ResolveAsset canonicalizes an asset identifier for a network: the symbol
// "USDC" resolves to the chain's official USDC address, anything else passes
// through unchanged.
func ResolveAsset(asset, network string) string {
	if strings.EqualFold(asset, "USDC") {
		if config, err := GetChainConfig(network); err == nil {
			return config.USDCAddress
		}
	}
	return asset
}

// GetChainID extracts the chain ID from an EVM network identifier.
// Returns an error if the network is not an EVM network.
func GetChainID(network string) (int64, error) {
	parts := strings.SplitN(ResolveNetwork(network), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: invalid CAIP-2 format: %s", ErrInvalidNetwork, network)
	}

	if parts[0] != "eip155" {
		return 0, fmt.Errorf("%w: not an EVM network: %s", ErrInvalidNetwork, network)
	}

	chainID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid chain ID: %s", ErrInvalidNetwork, parts[1])
	}

	return chainID, nil
}

// SameNetwork reports whether two network identifiers refer to the same chain
// after alias resolution.
func SameNetwork(a, b string) bool {
	return ResolveNetwork(a) == ResolveNetwork(b)
}
