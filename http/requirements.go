package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/validation"
)

// Requirement defaults.
const (
	DefaultMimeType          = "application/json"
	DefaultMaxTimeoutSeconds = 300
)

// BuildRequirements assembles the payment requirements for a request to a
// matched rule. It always returns exactly one requirement today; callers must
// treat the result as a list.
func BuildRequirements(rule *RouteRule, payTo string, r *http.Request) ([]x402.PaymentRequirement, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: nil route rule", x402.ErrInvalidRoute)
	}

	recipient, err := validation.NormalizeAddress(payTo, rule.Network.ID)
	if err != nil {
		return nil, err
	}
	asset, err := validation.NormalizeAddress(rule.Amount.Asset.Address, rule.Network.ID)
	if err != nil {
		return nil, err
	}

	opts := rule.Config

	resource := opts.Resource
	if resource == "" {
		resource = ResourceURL(r)
	}

	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	maxTimeout := opts.MaxTimeoutSeconds
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeoutSeconds
	}

	input := map[string]interface{}{
		"type":         "http",
		"method":       strings.ToUpper(r.Method),
		"discoverable": true,
	}
	for k, v := range opts.InputSchema {
		input[k] = v
	}

	var output map[string]interface{}
	if len(opts.OutputSchema) > 0 {
		output = make(map[string]interface{}, len(opts.OutputSchema))
		for k, v := range opts.OutputSchema {
			output[k] = v
		}
	}

	req := x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           rule.Network.ID,
		MaxAmountRequired: rule.Amount.MaxAmountRequired,
		Resource:          resource,
		Description:       opts.Description,
		MimeType:          mimeType,
		PayTo:             recipient,
		MaxTimeoutSeconds: maxTimeout,
		Asset:             asset,
		OutputSchema:      &x402.OutputSchema{Input: input, Output: output},
	}

	if domain := rule.Amount.Asset.EIP712; domain != nil {
		req.Extra = map[string]interface{}{
			"name":    domain.Name,
			"version": domain.Version,
		}
	}

	return []x402.PaymentRequirement{req}, nil
}

// ResourceURL returns scheme://host/path for r, without query or fragment.
// The scheme is https when the connection is TLS or X-Forwarded-Proto says so.
func ResourceURL(r *http.Request) string {
	return requestScheme(r) + "://" + r.Host + r.URL.EscapedPath()
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		if first, _, _ := strings.Cut(proto, ","); strings.EqualFold(strings.TrimSpace(first), "https") {
			return "https"
		}
	}
	return "http"
}
