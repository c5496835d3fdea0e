// Package facilitator defines the contract between the payment gate and the
// remote service that verifies and settles x402 payments.
package facilitator

import (
	"context"

	"github.com/tollbooth/x402-go"
)

// Interface defines the standard facilitator contract for payment verification and settlement.
type Interface interface {
	// Verify verifies a payment authorization without executing the transaction
	Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*VerifyResponse, error)

	// Settle executes a verified payment on the blockchain
	Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettlementResponse, error)

	// Supported queries the facilitator for supported payment types
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// VerifyResponse contains the payment verification result from the facilitator.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SupportedKind describes a supported payment type with its configuration.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse lists all payment types supported by the facilitator.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Supports reports whether the facilitator lists the scheme on the network.
func (s *SupportedResponse) Supports(scheme, network string) bool {
	if s == nil {
		return false
	}
	for _, k := range s.Kinds {
		if k.Scheme == scheme && k.Network == network {
			return true
		}
	}
	return false
}

// Actions that carry their own authentication headers.
const (
	ActionVerify    = "verify"
	ActionSettle    = "settle"
	ActionSupported = "supported"
	ActionList      = "list"
)

// AuthHeaders returns per-action header sets keyed by ActionVerify, ActionSettle,
// ActionSupported and ActionList. It is called once per facilitator request.
type AuthHeaders func(ctx context.Context) (map[string]map[string]string, error)
