package http

import (
	"context"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/facilitator"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing verified payment information.
const PaymentContextKey = contextKey("x402_payment")

// PaymentInfo is what the gate knows about a verified payment. Protected
// handlers read it with GetPaymentFromContext.
type PaymentInfo struct {
	// RequestID correlates the gate's log lines and events for this request.
	RequestID string

	// Route is the matched route pattern.
	Route string

	Payment      x402.PaymentPayload
	Requirement  x402.PaymentRequirement
	Verification facilitator.VerifyResponse

	// Payer is the verified payer address.
	Payer string
}

// WithPayment returns a copy of ctx carrying info.
func WithPayment(ctx context.Context, info *PaymentInfo) context.Context {
	return context.WithValue(ctx, PaymentContextKey, info)
}

// GetPaymentFromContext returns the verified payment stored by the gate.
func GetPaymentFromContext(ctx context.Context) (*PaymentInfo, bool) {
	info, ok := ctx.Value(PaymentContextKey).(*PaymentInfo)
	return info, ok && info != nil
}
