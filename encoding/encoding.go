// Package encoding provides the wire codecs for x402 headers: the X-PAYMENT
// payload sent by clients and the X-PAYMENT-RESPONSE receipt sent back by the gate.
//
// Decoding is base64, then JSON, then structural validation against embedded
// JSON schemas. Cryptographic validity and time bounds are left to the facilitator.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tollbooth/x402-go"
)

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string for the X-PAYMENT header.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// rawPayment defers the payload so it can be validated before it is typed.
type rawPayment struct {
	Scheme  string          `json:"scheme"`
	Network string          `json:"network"`
	Payload json.RawMessage `json:"payload"`
}

// DecodePayment decodes and structurally validates an X-PAYMENT header value.
//
// The returned payload carries an x402.EVMPayload or x402.SVMPayload, and its
// X402Version is always x402.X402Version regardless of what the client sent.
// Every error wraps x402.ErrMalformedHeader.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	decoded, err := decodeBase64(encoded)
	if err != nil {
		return payment, fmt.Errorf("%w: failed to decode base64: %v", x402.ErrMalformedHeader, err)
	}

	if !json.Valid(decoded) {
		return payment, fmt.Errorf("%w: payload is not valid JSON", x402.ErrMalformedHeader)
	}

	if err := validate(paymentSchema, decoded, ""); err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}

	var raw rawPayment
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return payment, fmt.Errorf("%w: failed to unmarshal payment: %v", x402.ErrMalformedHeader, err)
	}

	payment.X402Version = x402.X402Version
	payment.Scheme = raw.Scheme
	payment.Network = raw.Network

	networkType, _ := x402.ValidateNetwork(raw.Network)
	if networkType == x402.NetworkTypeSVM {
		if err := validate(svmSchema, raw.Payload, "payload"); err != nil {
			return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
		}
		var svm x402.SVMPayload
		if err := json.Unmarshal(raw.Payload, &svm); err != nil {
			return payment, fmt.Errorf("%w: failed to unmarshal payload: %v", x402.ErrMalformedHeader, err)
		}
		payment.Payload = svm
		return payment, nil
	}

	// Unknown networks are decoded as EVM; requirement selection rejects them later.
	if err := validate(evmSchema, raw.Payload, "payload"); err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}
	var evm x402.EVMPayload
	if err := json.Unmarshal(raw.Payload, &evm); err != nil {
		return payment, fmt.Errorf("%w: failed to unmarshal payload: %v", x402.ErrMalformedHeader, err)
	}
	payment.Payload = evm
	return payment, nil
}

// decodeBase64 accepts standard and URL alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// EncodeSettlement converts a SettlementResponse to a base64-encoded JSON string
// for the X-PAYMENT-RESPONSE header.
func EncodeSettlement(settlement x402.SettlementResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string to SettlementResponse.
func DecodeSettlement(encoded string) (x402.SettlementResponse, error) {
	var settlement x402.SettlementResponse

	decoded, err := decodeBase64(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}

	return settlement, nil
}

// DecodeRequirements parses a 402 response body.
func DecodeRequirements(body []byte) (x402.PaymentRequirementsResponse, error) {
	var requirements x402.PaymentRequirementsResponse
	if err := json.Unmarshal(body, &requirements); err != nil {
		return requirements, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}
	if len(requirements.Accepts) == 0 {
		return requirements, fmt.Errorf("%w: no payment options in response", x402.ErrInvalidRequirements)
	}
	return requirements, nil
}
