package http

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tollbooth/x402-go"
)

// mockSigner implements x402.Signer for testing.
type mockSigner struct {
	network   string
	canSign   bool
	signError error

	mu    sync.Mutex
	signs int
}

func (m *mockSigner) Network() string { return m.network }
func (m *mockSigner) Scheme() string  { return "exact" }

func (m *mockSigner) CanSign(req *x402.PaymentRequirement) bool {
	return m.canSign && req.Network == m.network
}

func (m *mockSigner) Sign(req *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	m.mu.Lock()
	m.signs++
	m.mu.Unlock()
	if m.signError != nil {
		return nil, m.signError
	}
	payment := testPayment()
	payment.Network = req.Network
	return &payment, nil
}

func (m *mockSigner) signCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signs
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		opts    []ClientOption
		wantErr bool
	}{
		{"default client", nil, false},
		{"custom HTTP client", []ClientOption{WithHTTPClient(&http.Client{Timeout: 30 * time.Second})}, false},
		{"nil HTTP client", []ClientOption{WithHTTPClient(nil)}, true},
		{"signer", []ClientOption{WithSigner(&mockSigner{network: "base", canSign: true})}, false},
		{"nil signer", []ClientOption{WithSigner(nil)}, true},
		{"unknown callback type", []ClientOption{WithPaymentCallback("bogus", func(x402.PaymentEvent) {})}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && client == nil {
				t.Error("NewClient() returned nil client")
			}
		})
	}
}

func TestClient_WithMultipleSigners(t *testing.T) {
	client, err := NewClient(
		WithSigner(&mockSigner{network: "base", canSign: true}),
		WithSigner(&mockSigner{network: "solana", canSign: true}),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	transport, ok := client.Transport.(*X402Transport)
	if !ok {
		t.Fatal("Expected transport to be *X402Transport")
	}
	if len(transport.Signers) != 2 {
		t.Errorf("Expected 2 signers, got %d", len(transport.Signers))
	}
	if transport.Base != http.DefaultTransport {
		t.Error("Expected default transport to be wrapped")
	}
}

func TestClient_WithCustomHTTPClient(t *testing.T) {
	custom := &http.Client{Timeout: 5 * time.Second}
	client, err := NewClient(
		WithHTTPClient(custom),
		WithSigner(&mockSigner{network: "base", canSign: true}),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if client.Timeout != 5*time.Second {
		t.Errorf("Expected timeout to be kept, got %v", client.Timeout)
	}
	if _, ok := client.Transport.(*X402Transport); !ok {
		t.Error("Expected custom client transport to be wrapped")
	}
}

func TestClient_WithPaymentCallbacks(t *testing.T) {
	onAttempt := func(x402.PaymentEvent) {}
	client, err := NewClient(
		WithPaymentCallbacks(onAttempt, nil, nil),
		WithPaymentCallback(x402.PaymentEventFailure, func(x402.PaymentEvent) {}),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	transport := client.Transport.(*X402Transport)
	if transport.OnPaymentAttempt == nil || transport.OnPaymentFailure == nil {
		t.Error("Expected attempt and failure callbacks to be set")
	}
	if transport.OnPaymentSuccess != nil {
		t.Error("Expected success callback to stay nil")
	}
}

func TestClient_NonPaymentRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-PAYMENT") != "" {
			t.Error("Expected no payment header on a free request")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("free"))
	}))
	defer server.Close()

	signer := &mockSigner{network: "base-sepolia", canSign: true}
	client, err := NewClient(WithSigner(signer))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if signer.signCount() != 0 {
		t.Errorf("Expected no signing, got %d", signer.signCount())
	}
	if GetSettlement(resp) != nil {
		t.Error("Expected no settlement on a free request")
	}
}

// TestClient_PaysGate drives a real gate end to end through the paying client.
func TestClient_PaysGate(t *testing.T) {
	fac := newMockFacilitator()
	gate := newTestGate(t, fac, nil)
	server := httptest.NewServer(gate.Handler(okHandler(t)))
	defer server.Close()

	var mu sync.Mutex
	var events []x402.PaymentEvent
	record := func(e x402.PaymentEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	client, err := NewClient(
		WithSigner(&mockSigner{network: "solana", canSign: true}),
		WithSigner(&mockSigner{network: "base-sepolia", canSign: true}),
		WithPaymentCallbacks(record, record, record),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	resp, err := client.Get(server.URL + "/protected/report")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	settlement := GetSettlement(resp)
	if settlement == nil || !settlement.Success || settlement.Transaction != "0xabc123" {
		t.Fatalf("Expected successful settlement, got %+v", settlement)
	}
	if verifies, settles := fac.calls(); verifies != 1 || settles != 1 {
		t.Errorf("Expected 1 verify and 1 settle, got %d and %d", verifies, settles)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("Expected attempt and success events, got %d", len(events))
	}
	if events[0].Type != x402.PaymentEventAttempt || events[1].Type != x402.PaymentEventSuccess {
		t.Errorf("Unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].Amount != "1000" || events[1].Network != "base-sepolia" || events[1].Transaction != "0xabc123" {
		t.Errorf("Unexpected success event: %+v", events[1])
	}
}

func TestGetSettlement(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"no header", "", false},
		{"invalid base64", "not-base64!!!", false},
		{"invalid json", base64.StdEncoding.EncodeToString([]byte("{not json")), false},
		{"valid", base64.StdEncoding.EncodeToString([]byte(`{"success":true,"transaction":"0x1","network":"base"}`)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("X-PAYMENT-RESPONSE", tt.header)
			}
			got := GetSettlement(resp)
			if (got != nil) != tt.want {
				t.Errorf("Expected settlement=%v, got %+v", tt.want, got)
			}
		})
	}
}

func TestClient_SignerErrorSurfaces(t *testing.T) {
	gate := newTestGate(t, newMockFacilitator(), nil)
	server := httptest.NewServer(gate.Handler(okHandler(t)))
	defer server.Close()

	signErr := errors.New("hardware wallet locked")
	client, err := NewClient(WithSigner(&mockSigner{network: "base-sepolia", canSign: true, signError: signErr}))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Get(server.URL + "/protected/x")
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, signErr) {
		t.Errorf("Expected error wrapping signer failure, got %v", err)
	}
	var perr *x402.PaymentError
	if !errors.As(err, &perr) || perr.Code != x402.ErrCodeSigningFailed {
		t.Errorf("Expected SIGNING_FAILED payment error, got %v", err)
	}
}
