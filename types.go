package x402

import (
	"encoding/json"
	"fmt"
)

// X402Version is the protocol version this gate speaks. It is stamped onto every
// decoded payment and every 402 response body.
const X402Version = 1

// SchemeExact is the only payment scheme the gate issues requirements for.
const SchemeExact = "exact"

// OutputSchema describes the request and response shape of a paid resource.
// Input always carries "type" and "method"; route-level input schema keys are merged over them.
type OutputSchema struct {
	Input  map[string]interface{} `json:"input"`
	Output map[string]interface{} `json:"output,omitempty"`
}

// PaymentRequirement represents a single payment option from a 402 response.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base", "solana").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset"`

	// OutputSchema describes how to call the resource and what it returns.
	OutputSchema *OutputSchema `json:"outputSchema,omitempty"`

	// Extra contains scheme-specific data. For EVM assets this is the EIP-712 domain {name, version}.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequirementsResponse is the body of every 402 response.
type PaymentRequirementsResponse struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Error is a human-readable reason for the challenge.
	Error string `json:"error"`

	// Accepts is an array of payment options the server will accept.
	Accepts []PaymentRequirement `json:"accepts"`

	// Payer is the payer address when the facilitator could identify one.
	Payer string `json:"payer,omitempty"`
}

// PaymentPayload represents a signed payment sent by the client in the X-PAYMENT header.
type PaymentPayload struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload contains the blockchain-specific signed payment data.
	// After decoding it is an EVMPayload or an SVMPayload.
	Payload interface{} `json:"payload"`
}

// EVMPayload represents an EVM payment with EIP-3009 authorization.
type EVMPayload struct {
	// Signature is the hex-encoded ECDSA signature.
	Signature string `json:"signature"`

	// Authorization contains the EIP-3009 transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization represents EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string to prevent replay attacks.
	Nonce string `json:"nonce"`
}

// SVMPayload represents a Solana payment with a partially signed transaction.
type SVMPayload struct {
	// Transaction is the base64-encoded partially signed Solana transaction.
	Transaction string `json:"transaction"`
}

// SettlementResponse represents the facilitator's answer to a settle call.
// On success it is sent back to the client in the X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	// Success indicates whether the payment was successfully settled.
	Success bool `json:"success"`

	// ErrorReason provides details if the payment failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// Transaction is the blockchain transaction hash.
	Transaction string `json:"transaction"`

	// Network is the blockchain network where the payment was settled.
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer"`
}

// Receipt returns the subset of the settlement that is exposed to clients.
func (s SettlementResponse) Receipt() SettlementResponse {
	return SettlementResponse{
		Success:     s.Success,
		Transaction: s.Transaction,
		Network:     s.Network,
		Payer:       s.Payer,
	}
}

// EVM returns the payload as an EVMPayload, converting a generic JSON map if needed.
func (p PaymentPayload) EVM() (EVMPayload, error) {
	var out EVMPayload
	if err := p.payloadAs(&out); err != nil {
		return EVMPayload{}, err
	}
	return out, nil
}

// SVM returns the payload as an SVMPayload, converting a generic JSON map if needed.
func (p PaymentPayload) SVM() (SVMPayload, error) {
	var out SVMPayload
	if err := p.payloadAs(&out); err != nil {
		return SVMPayload{}, err
	}
	return out, nil
}

func (p PaymentPayload) payloadAs(out interface{}) error {
	switch v := p.Payload.(type) {
	case EVMPayload:
		if dst, ok := out.(*EVMPayload); ok {
			*dst = v
			return nil
		}
	case *EVMPayload:
		if dst, ok := out.(*EVMPayload); ok && v != nil {
			*dst = *v
			return nil
		}
	case SVMPayload:
		if dst, ok := out.(*SVMPayload); ok {
			*dst = v
			return nil
		}
	case *SVMPayload:
		if dst, ok := out.(*SVMPayload); ok && v != nil {
			*dst = *v
			return nil
		}
	case nil:
		return fmt.Errorf("payload is empty")
	}

	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
