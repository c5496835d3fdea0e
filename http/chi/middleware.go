// Package chi provides Chi-compatible middleware for x402 payment gating.
// This package is a thin adapter over the stdlib http.Handler interface and
// delegates all route matching, verification and settlement to the http package gate.
package chi

import (
	"net/http"

	httpx402 "github.com/tollbooth/x402-go/http"
)

// NewChiX402Middleware creates a new x402 payment middleware for Chi.
// It panics if config is invalid, like httpx402.NewX402Middleware.
//
// The middleware:
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Passes requests that match no priced route through untouched
//   - Answers 402 Payment Required when a priced request carries no valid payment
//   - Verifies and settles through the configured facilitator
//   - Stores payment information in request context via httpx402.PaymentContextKey
//
// Example usage:
//
//	config := &httpx402.Config{
//	    PayTo: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	    Routes: map[string]httpx402.RouteConfig{
//	        "GET /premium/*": {Price: pricing.Fixed("$0.01"), Network: "base-sepolia"},
//	    },
//	}
//	r := chi.NewRouter()
//	r.Use(NewChiX402Middleware(config))
//	r.Get("/premium/report", func(w http.ResponseWriter, r *http.Request) {
//	    info, _ := httpx402.GetPaymentFromContext(r.Context())
//	    w.Write([]byte("Access granted! Payer: " + info.Payer))
//	})
func NewChiX402Middleware(config *httpx402.Config) func(http.Handler) http.Handler {
	gate, err := httpx402.NewGate(config)
	if err != nil {
		panic(err)
	}
	return Middleware(gate)
}

// Middleware adapts an existing gate to Chi. Use it to share one gate, and its
// primed facilitator state, between routers.
func Middleware(gate *httpx402.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		gated := gate.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			gated.ServeHTTP(w, r)
		})
	}
}
