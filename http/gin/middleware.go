// Package gin provides Gin-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates all payment verification and settlement logic to the http package gate.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	httpx402 "github.com/tollbooth/x402-go/http"
)

// PaymentKey is the gin.Context key holding the *httpx402.PaymentInfo of a paid request.
const PaymentKey = "x402_payment"

// NewGinX402Middleware creates a new x402 payment middleware for Gin.
// It panics if config is invalid, like httpx402.NewX402Middleware.
//
// The middleware:
//   - Answers 402 Payment Required and calls c.Abort() when payment is missing or invalid
//   - Verifies and settles through the configured facilitator
//   - Stores payment information in Gin context via c.Set("x402_payment", info)
//   - Settles only after the downstream handlers commit a success status
//
// Example usage:
//
//	config := &httpx402.Config{
//	    PayTo: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	    Routes: map[string]httpx402.RouteConfig{
//	        "/premium/*": {Price: pricing.Fixed("$0.01"), Network: "base-sepolia"},
//	    },
//	}
//	r := gin.Default()
//	r.Use(NewGinX402Middleware(config))
//	r.GET("/premium/report", func(c *gin.Context) {
//	    if payment, exists := c.Get("x402_payment"); exists {
//	        info := payment.(*httpx402.PaymentInfo)
//	        c.JSON(200, gin.H{"payer": info.Payer})
//	    }
//	})
func NewGinX402Middleware(config *httpx402.Config) gin.HandlerFunc {
	gate, err := httpx402.NewGate(config)
	if err != nil {
		panic(err)
	}
	return Middleware(gate)
}

// Middleware adapts an existing gate to Gin.
func Middleware(gate *httpx402.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		original := c.Writer
		reached := false

		gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached = true
			c.Request = r
			if info, ok := httpx402.GetPaymentFromContext(r.Context()); ok {
				c.Set(PaymentKey, info)
				// Downstream writes must pass through the gate's settlement hook.
				c.Writer = &gateWriter{ResponseWriter: original, gated: w}
			}
			c.Next()
		})).ServeHTTP(original, c.Request)

		c.Writer = original
		if !reached {
			c.Abort()
		}
	}
}

// gateWriter routes the writing half of gin.ResponseWriter through the gate
// and keeps gin's bookkeeping (Status, Size, Written) on the original writer.
type gateWriter struct {
	gin.ResponseWriter
	gated http.ResponseWriter
}

func (g *gateWriter) Header() http.Header {
	return g.gated.Header()
}

func (g *gateWriter) WriteHeader(code int) {
	g.gated.WriteHeader(code)
}

func (g *gateWriter) WriteHeaderNow() {
	if !g.ResponseWriter.Written() {
		g.gated.WriteHeader(g.ResponseWriter.Status())
	}
	g.ResponseWriter.WriteHeaderNow()
}

func (g *gateWriter) Write(data []byte) (int, error) {
	return g.gated.Write(data)
}

func (g *gateWriter) WriteString(s string) (int, error) {
	return g.gated.Write([]byte(s))
}

func (g *gateWriter) Flush() {
	if f, ok := g.gated.(http.Flusher); ok {
		f.Flush()
	}
}
