// Package validation checks addresses, amounts and requirements before they
// reach the wire. EVM addresses are normalized to their EIP-55 checksum form.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/tollbooth/x402-go"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// amountRegex matches a non-negative base-10 integer
	amountRegex = regexp.MustCompile(`^[0-9]+$`)
)

// ValidateAmount validates that an amount string is a non-negative integer in atomic units.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("%w: amount cannot be empty", x402.ErrInvalidPrice)
	}
	if !amountRegex.MatchString(amount) {
		return fmt.Errorf("%w: amount must be a non-negative integer, got %q", x402.ErrInvalidPrice, amount)
	}
	return nil
}

// ValidatePositiveAmount validates that an amount string is an integer greater than zero.
func ValidatePositiveAmount(amount string) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	amt, _ := new(big.Int).SetString(amount, 10)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0, got: %s", x402.ErrInvalidPrice, amount)
	}
	return nil
}

// ValidateAddress validates an address for the network's virtual machine type.
func ValidateAddress(address string, network string) error {
	_, err := NormalizeAddress(address, network)
	return err
}

// NormalizeAddress validates an address and returns its canonical form:
// the EIP-55 checksum encoding on EVM networks, the address unchanged on Solana.
func NormalizeAddress(address string, network string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("%w: address cannot be empty", x402.ErrInvalidAddress)
	}

	networkType, err := x402.ValidateNetwork(network)
	if err != nil {
		return "", fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case x402.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) || !common.IsHexAddress(address) {
			return "", fmt.Errorf("%w: %s is not an EVM address (expected 0x followed by 40 hex characters)", x402.ErrInvalidAddress, address)
		}
		return common.HexToAddress(address).Hex(), nil

	case x402.NetworkTypeSVM:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return "", fmt.Errorf("%w: %s is not a Solana address: %v", x402.ErrInvalidAddress, address, err)
		}
		return address, nil

	default:
		return "", fmt.Errorf("unsupported network type for address validation: %s", networkType)
	}
}

// ValidatePaymentRequirement validates a requirement received in a 402 response
// or produced by the requirements builder.
func ValidatePaymentRequirement(req x402.PaymentRequirement) error {
	if err := ValidatePositiveAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	networkType, err := x402.ValidateNetwork(req.Network)
	if err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}

	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirement: asset %w", err)
	}

	switch req.Scheme {
	case x402.SchemeExact:
	case "":
		return fmt.Errorf("invalid requirement: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirement: unsupported scheme %s", req.Scheme)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirement: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	// EIP-3009 signing needs the token's domain
	if networkType == x402.NetworkTypeEVM && req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("invalid requirement: EIP-3009 name cannot be empty")
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("invalid requirement: EIP-3009 version cannot be empty")
		}
	}

	return nil
}
