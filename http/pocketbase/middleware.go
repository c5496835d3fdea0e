// Package pocketbase provides PocketBase-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates core.RequestEvent to stdlib http patterns
// and delegates all payment verification and settlement logic to the http package gate.
package pocketbase

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	httpx402 "github.com/tollbooth/x402-go/http"
)

// PaymentKey is the request store key holding the *httpx402.PaymentInfo of a paid request.
const PaymentKey = "x402_payment"

// NewPocketBaseX402Middleware creates a new x402 payment middleware for PocketBase.
// It panics if config is invalid, like httpx402.NewX402Middleware.
//
// The middleware:
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Answers 402 Payment Required when a priced request carries no valid payment
//   - Stores payment information in the request store via e.Set("x402_payment", info)
//   - Settles only after the downstream handler commits a success status
//   - Writes handler errors itself so a failed handler is never settled
//
// Handlers can access the payment via:
//
//	info := e.Get("x402_payment").(*httpx402.PaymentInfo)
//
// Example usage:
//
//	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
//	    middleware := NewPocketBaseX402Middleware(config)
//	    se.Router.GET("/api/premium/data", handler).BindFunc(middleware)
//	    return se.Next()
//	})
func NewPocketBaseX402Middleware(config *httpx402.Config) func(*core.RequestEvent) error {
	gate, err := httpx402.NewGate(config)
	if err != nil {
		panic(err)
	}
	return Middleware(gate)
}

// Middleware adapts an existing gate to PocketBase.
func Middleware(gate *httpx402.Gate) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if e.Request.Method == http.MethodOptions {
			return e.Next()
		}

		original := e.Response
		var nextErr error

		gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			e.Request = r
			info, paid := httpx402.GetPaymentFromContext(r.Context())
			if !paid {
				nextErr = e.Next()
				return
			}

			e.Set(PaymentKey, info)
			tracked := &trackingWriter{ResponseWriter: w}
			e.Response = tracked

			err := e.Next()
			if err == nil || tracked.written {
				nextErr = err
				return
			}
			// An unwritten error must reach the gate as an error status
			// before the gate settles on the handler's behalf.
			apiErr := router.ToApiError(err)
			nextErr = e.JSON(apiErr.Status, apiErr)
		})).ServeHTTP(original, e.Request)

		e.Response = original
		return nextErr
	}
}

// trackingWriter records whether the handler wrote anything.
type trackingWriter struct {
	http.ResponseWriter
	written bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.written = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.written = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Flush() {
	t.written = true
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the gate's writer to http.ResponseController.
func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}
