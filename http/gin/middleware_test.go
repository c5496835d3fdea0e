package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/encoding"
	"github.com/tollbooth/x402-go/facilitator"
	httpx402 "github.com/tollbooth/x402-go/http"
	"github.com/tollbooth/x402-go/pricing"
)

func init() {
	// Disable Gin debug mode for cleaner test output
	gin.SetMode(gin.TestMode)
}

const testPayer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"

type fakeFacilitator struct {
	settleErr error
	settles   int
}

func (f *fakeFacilitator) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*facilitator.VerifyResponse, error) {
	return &facilitator.VerifyResponse{IsValid: true, Payer: testPayer}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettlementResponse, error) {
	f.settles++
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return &x402.SettlementResponse{Success: true, Transaction: "0xbeef", Network: payment.Network, Payer: testPayer}, nil
}

func (f *fakeFacilitator) Supported(ctx context.Context) (*facilitator.SupportedResponse, error) {
	return &facilitator.SupportedResponse{}, nil
}

func newRouter(fac facilitator.Interface) *gin.Engine {
	r := gin.New()
	r.Use(NewGinX402Middleware(&httpx402.Config{
		PayTo:       "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Facilitator: fac,
		Routes: map[string]httpx402.RouteConfig{
			"/premium/*": {Price: pricing.Fixed("$0.01"), Network: "base-sepolia"},
		},
	}))
	r.GET("/premium/report", func(c *gin.Context) {
		payment, exists := c.Get(PaymentKey)
		if !exists {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no payment"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"payer": payment.(*httpx402.PaymentInfo).Payer})
	})
	r.GET("/premium/broken", func(c *gin.Context) {
		c.AbortWithStatus(http.StatusInternalServerError)
	})
	r.GET("/free", func(c *gin.Context) {
		c.String(http.StatusOK, "free")
	})
	return r
}

func paidRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	header, err := encoding.EncodePayment(x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: x402.EVMPayload{
			Signature: "0x" + strings.Repeat("ab", 65),
			Authorization: x402.EVMAuthorization{
				From:        testPayer,
				To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Value:       "10000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x" + strings.Repeat("00", 32),
			},
		},
	})
	if err != nil {
		t.Fatalf("Failed to encode payment: %v", err)
	}
	req := httptest.NewRequest("GET", target, nil)
	req.Header.Set("X-PAYMENT", header)
	return req
}

func TestGinMiddleware_NoPaymentReturns402(t *testing.T) {
	r := newRouter(&fakeFacilitator{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/premium/report", nil))

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "payer") {
		t.Error("Expected handler not to run")
	}
}

func TestGinMiddleware_ValidPayment(t *testing.T) {
	fac := &fakeFacilitator{}
	r := newRouter(fac)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, paidRequest(t, "/premium/report"))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d (%s)", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), testPayer) {
		t.Errorf("Expected payer in body, got %s", w.Body.String())
	}
	if w.Header().Get("X-PAYMENT-RESPONSE") == "" {
		t.Error("Expected X-PAYMENT-RESPONSE header")
	}
	if fac.settles != 1 {
		t.Errorf("Expected one settlement, got %d", fac.settles)
	}
}

func TestGinMiddleware_HandlerErrorSkipsSettlement(t *testing.T) {
	fac := &fakeFacilitator{}
	r := newRouter(fac)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, paidRequest(t, "/premium/broken"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if fac.settles != 0 {
		t.Errorf("Expected no settlement, got %d", fac.settles)
	}
}

func TestGinMiddleware_SettlementFailureReplacesResponse(t *testing.T) {
	fac := &fakeFacilitator{settleErr: errors.New("insufficient_funds")}
	r := newRouter(fac)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, paidRequest(t, "/premium/report"))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", w.Code)
	}
	if strings.HasPrefix(w.Body.String(), `{"payer"`) {
		t.Error("Expected handler body to be discarded")
	}
	if w.Header().Get("X-PAYMENT-RESPONSE") != "" {
		t.Error("Expected no receipt on failed settlement")
	}
}

func TestGinMiddleware_UnpricedRoute(t *testing.T) {
	r := newRouter(&fakeFacilitator{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/free", nil))

	if w.Code != http.StatusOK || w.Body.String() != "free" {
		t.Errorf("Expected free content, got %d %s", w.Code, w.Body.String())
	}
}
