// Package evm provides an x402.Signer for EVM chains that pays with EIP-3009
// transferWithAuthorization, the authorization the "exact" scheme settles on chain.
package evm

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tollbooth/x402-go"
)

var (
	// ErrInvalidAmount indicates a requirement amount that is not a base-10 integer.
	ErrInvalidAmount = errors.New("evm: invalid amount")

	// ErrAmountExceeded indicates a requirement above the signer's per-call limit.
	ErrAmountExceeded = errors.New("evm: amount exceeds per-call limit")

	// ErrInvalidKeystore indicates a keystore file that cannot be read or decrypted.
	ErrInvalidKeystore = errors.New("evm: invalid keystore")
)

// Signer implements the x402.Signer interface for EVM-compatible chains.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    x402.NetworkConfig
	tokens     []string
	maxAmount  *big.Int
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new EVM signer with the given options.
// A private key and an EVM network are required. The network's USDC is always accepted.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, x402.ErrInvalidKey
	}
	if s.network.Type != x402.NetworkTypeEVM {
		return nil, fmt.Errorf("%w: an EVM network is required", x402.ErrUnsupportedNetwork)
	}

	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	s.tokens = append(s.tokens, s.network.USDC.Address)
	return s, nil
}

// WithPrivateKey sets the private key from a hex string, with or without 0x.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return x402.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithNetwork sets the network by x402 identifier (e.g., "base-sepolia").
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		cfg, err := x402.LookupNetwork(network)
		if err != nil {
			return err
		}
		s.network = cfg
		return nil
	}
}

// WithToken accepts an additional EIP-3009 token besides the network's USDC.
func WithToken(address string) SignerOption {
	return func(s *Signer) error {
		if !common.IsHexAddress(address) {
			return fmt.Errorf("%w: %s", x402.ErrInvalidAddress, address)
		}
		s.tokens = append(s.tokens, address)
		return nil
	}
}

// WithMaxAmountPerCall caps the atomic amount a single payment may authorize.
func WithMaxAmountPerCall(amount string) SignerOption {
	return func(s *Signer) error {
		maxAmount, ok := new(big.Int).SetString(amount, 10)
		if !ok || maxAmount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// Network implements x402.Signer.
func (s *Signer) Network() string {
	return s.network.ID
}

// Scheme implements x402.Signer.
func (s *Signer) Scheme() string {
	return x402.SchemeExact
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address {
	return s.address
}

// CanSign implements x402.Signer.
func (s *Signer) CanSign(requirement *x402.PaymentRequirement) bool {
	if requirement.Network != s.network.ID || requirement.Scheme != x402.SchemeExact {
		return false
	}
	if !s.acceptsToken(requirement.Asset) {
		return false
	}
	if s.maxAmount != nil {
		amount, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
		if !ok || amount.Cmp(s.maxAmount) > 0 {
			return false
		}
	}
	return true
}

func (s *Signer) acceptsToken(asset string) bool {
	for _, token := range s.tokens {
		if strings.EqualFold(token, asset) {
			return true
		}
	}
	return false
}

// Sign implements x402.Signer.
func (s *Signer) Sign(requirement *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	if requirement.Network != s.network.ID || !s.acceptsToken(requirement.Asset) {
		return nil, x402.ErrNoValidSigner
	}
	if !common.IsHexAddress(requirement.PayTo) {
		return nil, fmt.Errorf("%w: payTo %s", x402.ErrInvalidAddress, requirement.PayTo)
	}

	amount, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, ErrAmountExceeded
	}

	auth, err := CreateEIP3009Authorization(
		s.address,
		common.HexToAddress(requirement.PayTo),
		amount,
		requirement.MaxTimeoutSeconds,
	)
	if err != nil {
		return nil, err
	}

	name, version := s.domain(requirement)
	signature, err := SignTransferAuthorization(s.privateKey, common.HexToAddress(requirement.Asset), big.NewInt(s.network.ChainID), auth, name, version)
	if err != nil {
		return nil, err
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     s.network.ID,
		Payload: x402.EVMPayload{
			Signature: signature,
			Authorization: x402.EVMAuthorization{
				From:        auth.From.Hex(),
				To:          auth.To.Hex(),
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.String(),
				ValidBefore: auth.ValidBefore.String(),
				Nonce:       auth.Nonce.Hex(),
			},
		},
	}, nil
}

// domain reads the token's EIP-712 name and version from the requirement,
// falling back to the network's USDC domain.
func (s *Signer) domain(requirement *x402.PaymentRequirement) (string, string) {
	var name, version string
	if d := s.network.USDC.EIP712; d != nil {
		name, version = d.Name, d.Version
	}
	if v, ok := requirement.Extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := requirement.Extra["version"].(string); ok && v != "" {
		version = v
	}
	return name, version
}
