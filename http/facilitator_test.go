package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/facilitator"
)

func testRequirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Resource:          "https://api.example.com/test",
		Description:       "Test resource",
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
	}
}

func testPayment() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: x402.EVMPayload{
			Signature: "0x" + strings.Repeat("ab", 65),
			Authorization: x402.EVMAuthorization{
				From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Value:       "10000",
				ValidAfter:  "0",
				ValidBefore: "9999999999",
				Nonce:       "0x" + strings.Repeat("00", 32),
			},
		},
	}
}

func newTestClient(url string) *FacilitatorClient {
	return NewFacilitatorClient(&FacilitatorConfig{URL: url})
}

func TestFacilitatorClient_Verify(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("Expected path /verify, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		var req FacilitatorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.X402Version != 1 {
			t.Errorf("Expected x402Version 1, got %d", req.X402Version)
		}
		if req.PaymentRequirements.MaxAmountRequired != "10000" {
			t.Errorf("Expected requirements in body, got %+v", req.PaymentRequirements)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(facilitator.VerifyResponse{
			IsValid: true,
			Payer:   "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		})
	}))
	defer mockServer.Close()

	resp, err := newTestClient(mockServer.URL).Verify(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.IsValid {
		t.Error("Expected IsValid to be true")
	}
	if resp.Payer != "0x857b06519E91e3A54538791bDbb0E22373e36b66" {
		t.Errorf("Expected payer address, got %s", resp.Payer)
	}
}

func TestFacilitatorClient_VerifyPayerFallback(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"isValid":true}`))
	}))
	defer mockServer.Close()

	resp, err := newTestClient(mockServer.URL).Verify(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.Payer != "0x857b06519E91e3A54538791bDbb0E22373e36b66" {
		t.Errorf("Expected payer from authorization, got %q", resp.Payer)
	}
}

func TestFacilitatorClient_VerifyRejected(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    error
		wantReason string
	}{
		{
			name:       "200 invalid",
			status:     http.StatusOK,
			body:       `{"isValid":false,"invalidReason":"insufficient_funds","payer":"0xabc"}`,
			wantReason: "insufficient_funds",
		},
		{
			name:       "400 with reason",
			status:     http.StatusBadRequest,
			body:       `{"isValid":false,"invalidReason":"invalid_exact_evm_payload_signature","payer":"0xabc"}`,
			wantReason: "invalid_exact_evm_payload_signature",
		},
		{
			name:    "500 without reason",
			status:  http.StatusInternalServerError,
			body:    `oops`,
			wantErr: x402.ErrVerificationFailed,
		},
		{
			name:    "200 with garbage",
			status:  http.StatusOK,
			body:    `not json`,
			wantErr: x402.ErrVerificationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer mockServer.Close()

			resp, err := newTestClient(mockServer.URL).Verify(context.Background(), testPayment(), testRequirement())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.IsValid {
				t.Error("Expected IsValid to be false")
			}
			if resp.InvalidReason != tt.wantReason {
				t.Errorf("Expected reason %q, got %q", tt.wantReason, resp.InvalidReason)
			}
			if resp.Payer != "0xabc" {
				t.Errorf("Expected payer from body, got %q", resp.Payer)
			}
		})
	}
}

func TestFacilitatorClient_RetriesUnavailable(t *testing.T) {
	var calls int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer mockServer.Close()

	client := newTestClient(mockServer.URL)
	client.MaxRetries = 2
	client.RetryDelay = time.Millisecond

	_, err := client.Verify(context.Background(), testPayment(), testRequirement())
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Fatalf("Expected ErrFacilitatorUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestFacilitatorClient_DoesNotRetryRejections(t *testing.T) {
	var calls int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer mockServer.Close()

	client := newTestClient(mockServer.URL)
	client.MaxRetries = 3
	client.RetryDelay = time.Millisecond

	if _, err := client.Settle(context.Background(), testPayment(), testRequirement()); err == nil {
		t.Fatal("Expected error")
	}
	if calls != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls)
	}
}

func TestFacilitatorClient_BoundedByMaxTimeout(t *testing.T) {
	release := make(chan struct{})
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer mockServer.Close()
	defer close(release)

	req := testRequirement()
	req.MaxTimeoutSeconds = 1

	start := time.Now()
	_, err := newTestClient(mockServer.URL).Verify(context.Background(), testPayment(), req)
	elapsed := time.Since(start)

	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Errorf("Expected ErrFacilitatorUnavailable, got %v", err)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Expected call to be bounded by maxTimeoutSeconds, took %v", elapsed)
	}
}

func TestFacilitatorClient_Settle(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("Expected path /settle, got %s", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(x402.SettlementResponse{
			Success:     true,
			Transaction: "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
			Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		})
	}))
	defer mockServer.Close()

	resp, err := newTestClient(mockServer.URL).Settle(context.Background(), testPayment(), testRequirement())
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if !resp.Success {
		t.Error("Expected Success to be true")
	}
	if resp.Transaction == "" {
		t.Error("Expected transaction hash")
	}
	if resp.Network != "base-sepolia" {
		t.Errorf("Expected network to default to payment network, got %q", resp.Network)
	}
}

func TestFacilitatorClient_SettleFailures(t *testing.T) {
	t.Run("error reason on non-200", func(t *testing.T) {
		mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"errorReason":"invalid_transaction_state"}`))
		}))
		defer mockServer.Close()

		_, err := newTestClient(mockServer.URL).Settle(context.Background(), testPayment(), testRequirement())
		if !errors.Is(err, x402.ErrSettlementFailed) {
			t.Fatalf("Expected ErrSettlementFailed, got %v", err)
		}
		if !strings.Contains(err.Error(), "invalid_transaction_state") {
			t.Errorf("Expected reason in error, got %v", err)
		}
	})

	t.Run("success false on 200", func(t *testing.T) {
		mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"errorReason":"insufficient_funds","transaction":"","network":"base-sepolia","payer":""}`))
		}))
		defer mockServer.Close()

		resp, err := newTestClient(mockServer.URL).Settle(context.Background(), testPayment(), testRequirement())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Success {
			t.Error("Expected Success to be false")
		}
		if resp.ErrorReason != "insufficient_funds" {
			t.Errorf("Expected error reason, got %q", resp.ErrorReason)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := mockServer.URL
		mockServer.Close()

		_, err := newTestClient(url).Settle(context.Background(), testPayment(), testRequirement())
		if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
			t.Errorf("Expected ErrFacilitatorUnavailable, got %v", err)
		}
	})
}

func TestFacilitatorClient_AuthHeaders(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]string)
	lookup := func(path string) string {
		mu.Lock()
		defer mu.Unlock()
		return seen[path]
	}
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path] = r.Header.Get("Authorization")
		mu.Unlock()
		switch r.URL.Path {
		case "/verify":
			_, _ = w.Write([]byte(`{"isValid":true}`))
		case "/settle":
			_, _ = w.Write([]byte(`{"success":true,"transaction":"0x1","network":"base-sepolia","payer":"0x2"}`))
		case "/supported":
			_, _ = w.Write([]byte(`{"kinds":[]}`))
		}
	}))
	defer mockServer.Close()

	client := NewFacilitatorClient(&FacilitatorConfig{
		URL: mockServer.URL + "/",
		CreateAuthHeaders: func(ctx context.Context) (map[string]map[string]string, error) {
			return map[string]map[string]string{
				facilitator.ActionVerify:    {"Authorization": "Bearer verify-token"},
				facilitator.ActionSettle:    {"Authorization": "Bearer settle-token"},
				facilitator.ActionSupported: {"Authorization": "Bearer supported-token"},
			}, nil
		},
	})

	ctx := context.Background()
	if _, err := client.Verify(ctx, testPayment(), testRequirement()); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := client.Settle(ctx, testPayment(), testRequirement()); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if _, err := client.Supported(ctx); err != nil {
		t.Fatalf("Supported failed: %v", err)
	}

	want := map[string]string{
		"/verify":    "Bearer verify-token",
		"/settle":    "Bearer settle-token",
		"/supported": "Bearer supported-token",
	}
	for path, token := range want {
		if got := lookup(path); got != token {
			t.Errorf("Expected %s Authorization %q, got %q", path, token, got)
		}
	}

	client.AuthorizationProvider = func(*http.Request) string { return "Bearer override" }
	if _, err := client.Supported(ctx); err != nil {
		t.Fatalf("Supported failed: %v", err)
	}
	if got := lookup("/supported"); got != "Bearer override" {
		t.Errorf("Expected provider to take precedence, got %q", got)
	}
}

func TestFacilitatorClient_AuthHeadersError(t *testing.T) {
	var calls int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer mockServer.Close()

	client := newTestClient(mockServer.URL)
	client.CreateAuthHeaders = func(ctx context.Context) (map[string]map[string]string, error) {
		return nil, errors.New("missing credentials")
	}

	if _, err := client.Verify(context.Background(), testPayment(), testRequirement()); err == nil {
		t.Fatal("Expected error")
	}
	if calls != 0 {
		t.Errorf("Expected no request without credentials, got %d", calls)
	}
}

func TestFacilitatorClient_Hooks(t *testing.T) {
	var calls int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"isValid":true}`))
	}))
	defer mockServer.Close()

	abort := errors.New("blocked")
	client := newTestClient(mockServer.URL)
	client.OnBeforeVerify = func(context.Context, x402.PaymentPayload, x402.PaymentRequirement) error {
		return abort
	}

	if _, err := client.Verify(context.Background(), testPayment(), testRequirement()); !errors.Is(err, abort) {
		t.Errorf("Expected hook error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no request after abort, got %d", calls)
	}

	var after *facilitator.VerifyResponse
	client.OnBeforeVerify = nil
	client.OnAfterVerify = func(_ context.Context, _ x402.PaymentPayload, _ x402.PaymentRequirement, resp *facilitator.VerifyResponse, _ error) {
		after = resp
	}
	if _, err := client.Verify(context.Background(), testPayment(), testRequirement()); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if after == nil || !after.IsValid {
		t.Error("Expected OnAfterVerify to observe the response")
	}
}

func TestFacilitatorClient_EnrichRequirements(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got %s", r.Method)
		}
		_, _ = w.Write([]byte(`{"kinds":[{"x402Version":1,"scheme":"exact","network":"solana-devnet","extra":{"feePayer":"FeePayer111","name":"ignored"}}]}`))
	}))
	defer mockServer.Close()

	requirements := []x402.PaymentRequirement{
		{Scheme: "exact", Network: "solana-devnet", Extra: map[string]interface{}{"name": "kept"}},
		{Scheme: "exact", Network: "base"},
	}

	enriched, err := newTestClient(mockServer.URL).EnrichRequirements(context.Background(), requirements)
	if err != nil {
		t.Fatalf("EnrichRequirements failed: %v", err)
	}
	if enriched[0].Extra["feePayer"] != "FeePayer111" {
		t.Errorf("Expected feePayer to be merged, got %v", enriched[0].Extra)
	}
	if enriched[0].Extra["name"] != "kept" {
		t.Errorf("Expected existing extra to win, got %v", enriched[0].Extra["name"])
	}
	if enriched[1].Extra != nil {
		t.Errorf("Expected unmatched requirement unchanged, got %v", enriched[1].Extra)
	}
	if _, ok := requirements[0].Extra["feePayer"]; ok {
		t.Error("Expected input requirements not to be mutated")
	}
}

func TestNewFacilitatorClient_Defaults(t *testing.T) {
	client := NewFacilitatorClient(nil)
	if client.BaseURL != DefaultFacilitatorURL {
		t.Errorf("Expected default URL, got %s", client.BaseURL)
	}
	if client.Timeouts != x402.DefaultTimeouts {
		t.Errorf("Expected default timeouts, got %+v", client.Timeouts)
	}
}
