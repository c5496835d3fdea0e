package x402

import "fmt"

// FindMatchingRequirement returns the first requirement whose scheme and network
// both equal the payment's. Returns ErrNoMatchingRequirements otherwise.
func FindMatchingRequirement(payment PaymentPayload, requirements []PaymentRequirement) (*PaymentRequirement, error) {
	for i := range requirements {
		if requirements[i].Scheme == payment.Scheme && requirements[i].Network == payment.Network {
			return &requirements[i], nil
		}
	}
	return nil, fmt.Errorf("%w: scheme=%s network=%s", ErrNoMatchingRequirements, payment.Scheme, payment.Network)
}

// SelectAndSign walks the requirements in order and signs the first one any
// signer can satisfy. Signers are tried in the order given.
func SelectAndSign(requirements []PaymentRequirement, signers []Signer) (*PaymentPayload, *PaymentRequirement, error) {
	if len(signers) == 0 {
		return nil, nil, NewPaymentError(ErrCodeNoValidSigner, "no signers configured", ErrNoValidSigner)
	}

	for i := range requirements {
		req := &requirements[i]
		for _, signer := range signers {
			if !signer.CanSign(req) {
				continue
			}
			payment, err := signer.Sign(req)
			if err != nil {
				return nil, nil, NewPaymentError(ErrCodeSigningFailed, "failed to sign payment", err).
					WithDetails("network", req.Network)
			}
			return payment, req, nil
		}
	}

	perr := NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy requirements", ErrNoValidSigner)
	if len(requirements) > 0 {
		perr = perr.WithDetails("network", requirements[0].Network).
			WithDetails("asset", requirements[0].Asset).
			WithDetails("amount", requirements[0].MaxAmountRequired)
	}
	return nil, nil, perr
}
