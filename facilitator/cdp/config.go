package cdp

import (
	x402http "github.com/tollbooth/x402-go/http"
)

// NewFacilitatorConfig returns a facilitator configuration for the CDP x402 API
// authenticated with the given key.
func NewFacilitatorConfig(keyID, secret string) (*x402http.FacilitatorConfig, error) {
	auth, err := NewAuth(keyID, secret)
	if err != nil {
		return nil, err
	}
	return &x402http.FacilitatorConfig{
		URL:               BaseURL,
		CreateAuthHeaders: auth.CreateAuthHeaders,
	}, nil
}
