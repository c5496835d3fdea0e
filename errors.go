package x402

import "errors"

// Standard x402 error definitions

var (
	// ErrInvalidPrice indicates a price that is not a non-negative decimal or integer amount.
	ErrInvalidPrice = errors.New("x402: invalid price")

	// ErrPriceTooSmall indicates a price that rounds to less than one atomic unit.
	ErrPriceTooSmall = errors.New("x402: price too small")

	// ErrUnsupportedNetwork indicates an unknown blockchain network.
	ErrUnsupportedNetwork = errors.New("x402: unsupported network")

	// ErrInvalidAddress indicates an address that is malformed for its network.
	ErrInvalidAddress = errors.New("x402: invalid address")

	// ErrInvalidRoute indicates a route pattern that cannot be compiled.
	ErrInvalidRoute = errors.New("x402: invalid route pattern")

	// ErrMalformedHeader indicates that the X-PAYMENT header could not be decoded.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrNoMatchingRequirements indicates no requirement matches the payment's scheme and network.
	ErrNoMatchingRequirements = errors.New("x402: no matching payment requirements")

	// ErrFacilitatorUnavailable indicates the facilitator service could not be reached.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates on-chain settlement failed.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrInvalidRequirements indicates a 402 response the client cannot act on.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrNoValidSigner indicates no configured signer can satisfy any requirement.
	ErrNoValidSigner = errors.New("x402: no signer can satisfy payment requirements")

	// ErrSigningFailed indicates the client failed to sign a payment.
	ErrSigningFailed = errors.New("x402: payment signing failed")

	// ErrInvalidKey indicates a malformed private key.
	ErrInvalidKey = errors.New("x402: invalid private key")
)

// ErrorCode is a machine-readable error category carried by PaymentError.
type ErrorCode string

const (
	// ErrCodeNoValidSigner means no signer could satisfy the requirements.
	ErrCodeNoValidSigner ErrorCode = "NO_VALID_SIGNER"

	// ErrCodeInvalidRequirements means the requirements could not be parsed or used.
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"

	// ErrCodeSigningFailed means signing the payment failed.
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// ErrCodeNetworkError means a transport failure talking to a remote party.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"
)

// PaymentError is a structured error for client-side payment failures.
type PaymentError struct {
	// Code is the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details holds extra context such as network or amount.
	Details map[string]interface{}

	// Err is the underlying cause.
	Err error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// WithDetails adds a detail entry and returns the error for chaining.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewPaymentError creates a PaymentError.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// ErrorKind classifies a failure inside the payment gate.
type ErrorKind int

const (
	// KindUnknown is returned by KindOf for errors that are not GateErrors.
	KindUnknown ErrorKind = iota

	// KindConfiguration is a bad route, price, network or payee. It is fatal at construction.
	KindConfiguration

	// KindClientPayload is a malformed X-PAYMENT header.
	KindClientPayload

	// KindRequirementMismatch is a payment whose scheme and network match no requirement.
	KindRequirementMismatch

	// KindVerification is an invalid payment or a failed verify call.
	KindVerification

	// KindSettlement is a failed or unsuccessful settle call.
	KindSettlement
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindClientPayload:
		return "client_payload_error"
	case KindRequirementMismatch:
		return "requirement_mismatch"
	case KindVerification:
		return "verification_failure"
	case KindSettlement:
		return "settlement_failure"
	default:
		return "unknown"
	}
}

// GateError is a classified gate failure. Every kind except KindConfiguration
// is reported to the client as a 402.
type GateError struct {
	Kind ErrorKind

	// Reason is the message shown to the client in the 402 body.
	Reason string

	// Payer is the payer address if one is known.
	Payer string

	Err error
}

func (e *GateError) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps err as a KindConfiguration GateError.
func NewConfigurationError(reason string, err error) *GateError {
	return &GateError{Kind: KindConfiguration, Reason: reason, Err: err}
}

// KindOf returns the kind of the first GateError in err's chain.
func KindOf(err error) ErrorKind {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// IsConfigurationError reports whether err is a configuration failure.
func IsConfigurationError(err error) bool {
	return KindOf(err) == KindConfiguration
}
