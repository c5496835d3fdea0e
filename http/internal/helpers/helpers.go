// Package helpers provides shared helper functions for the x402 gate and its
// framework adapters so every binding reads and writes the wire headers the same way.
package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/encoding"
)

// Wire header names.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// ParsePaymentHeaderFromRequest decodes the X-PAYMENT header of r.
//
// Returns x402.ErrMalformedHeader if the header is missing, is not base64 JSON,
// or lacks a required field. The decoded payload always carries x402.X402Version.
func ParsePaymentHeaderFromRequest(r *http.Request) (x402.PaymentPayload, error) {
	headerValue := r.Header.Get(PaymentHeader)
	if headerValue == "" {
		return x402.PaymentPayload{}, fmt.Errorf("%w: header is missing", x402.ErrMalformedHeader)
	}
	return encoding.DecodePayment(headerValue)
}

// SendPaymentRequired sends a 402 Payment Required response with the challenge body in JSON format.
// The x402Version field is always set to x402.X402Version.
func SendPaymentRequired(w http.ResponseWriter, response x402.PaymentRequirementsResponse) {
	response.X402Version = x402.X402Version
	if response.Accepts == nil {
		response.Accepts = []x402.PaymentRequirement{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	// Headers are already sent; an encoding error leaves only a truncated body.
	_ = json.NewEncoder(w).Encode(response)
}

// AddPaymentResponseHeader adds the X-PAYMENT-RESPONSE header carrying the
// client-facing part of the settlement.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettlementResponse) error {
	encoded, err := encoding.EncodeSettlement(settlement.Receipt())
	if err != nil {
		return err
	}

	w.Header().Set(PaymentResponseHeader, encoded)
	return nil
}
