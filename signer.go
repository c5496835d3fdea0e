package x402

// Signer produces signed payment payloads on behalf of a paying client.
// The gate never signs; it only decodes what a Signer produced.
type Signer interface {
	// Network returns the blockchain network identifier (e.g., "base-sepolia").
	Network() string

	// Scheme returns the payment scheme identifier (currently "exact").
	Scheme() string

	// CanSign checks if this signer can satisfy the given payment requirement.
	CanSign(requirement *PaymentRequirement) bool

	// Sign creates a signed payment payload for the given requirement.
	Sign(requirement *PaymentRequirement) (*PaymentPayload, error)
}
