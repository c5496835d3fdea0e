package x402

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a payment is being attempted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventVerified indicates the facilitator accepted the payment authorization.
	PaymentEventVerified PaymentEventType = "verified"

	// PaymentEventSuccess indicates a payment was settled.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment failed at some stage.
	PaymentEventFailure PaymentEventType = "failure"

	// PaymentEventChallenge indicates the gate answered with a 402 challenge.
	PaymentEventChallenge PaymentEventType = "challenge"

	// PaymentEventUnsettled indicates the protected handler failed, so settlement was skipped.
	PaymentEventUnsettled PaymentEventType = "unsettled"

	// PaymentEventServed indicates a verified payment was served without
	// settlement because the gate runs in verify-only mode.
	PaymentEventServed PaymentEventType = "served"

	// PaymentEventBypass indicates a pre-authorization predicate let the request through.
	PaymentEventBypass PaymentEventType = "bypass"
)

// PaymentEvent represents a payment lifecycle event.
// The gate and the paying client both emit these for logging and metrics.
type PaymentEvent struct {
	// Type is the event type.
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// RequestID correlates events from the same request.
	RequestID string

	// Method is the HTTP method of the request.
	Method string

	// URL is the HTTP URL being accessed.
	URL string

	// Route is the matched route pattern (gate only).
	Route string

	// Amount is the payment amount in atomic units.
	Amount string

	// Asset is the token/asset address.
	Asset string

	// Network is the blockchain network identifier.
	Network string

	// Scheme is the payment scheme (e.g., "exact").
	Scheme string

	// Recipient is the payment recipient address.
	Recipient string

	// Payer is the address that made the payment, if known.
	Payer string

	// Transaction is the blockchain transaction hash (available on success).
	Transaction string

	// Kind classifies failures and challenges.
	Kind ErrorKind

	// Status is the HTTP status returned for the request, when known.
	Status int

	// Error contains error details (available on failure).
	Error error

	// Duration is the time taken by the facilitator call the event reports on.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously, so they should be fast.
type PaymentCallback func(PaymentEvent)

// Callbacks fans an event out to several callbacks. Nil entries are skipped.
func Callbacks(cbs ...PaymentCallback) PaymentCallback {
	return func(e PaymentEvent) {
		for _, cb := range cbs {
			if cb != nil {
				cb(e)
			}
		}
	}
}
