package cdp

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/tollbooth/x402-go/facilitator"
	"gopkg.in/square/go-jose.v2/jwt"
)

func ecKeyPEM(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), key
}

func TestNewAuth_Errors(t *testing.T) {
	pemKey, _ := ecKeyPEM(t)

	tests := []struct {
		name   string
		keyID  string
		secret string
	}{
		{name: "empty key id", keyID: "", secret: pemKey},
		{name: "empty secret", keyID: "kid", secret: ""},
		{name: "garbage", keyID: "kid", secret: "THIS IS NOT A VALID KEY!!!"},
		{name: "short base64", keyID: "kid", secret: base64.StdEncoding.EncodeToString([]byte("short"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAuth(tt.keyID, tt.secret); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestBearerToken_ECDSA(t *testing.T) {
	pemKey, key := ecKeyPEM(t)
	auth, err := NewAuth("organizations/test-org/apiKeys/test-key", pemKey)
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}

	token, err := auth.BearerToken("post", Route+"/verify")
	if err != nil {
		t.Fatalf("BearerToken failed: %v", err)
	}

	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	if kid := parsed.Headers[0].KeyID; kid != "organizations/test-org/apiKeys/test-key" {
		t.Errorf("Expected kid header, got %q", kid)
	}

	var claims Claims
	if err := parsed.Claims(&key.PublicKey, &claims); err != nil {
		t.Fatalf("failed to verify claims: %v", err)
	}
	if claims.URI != "POST api.cdp.coinbase.com/platform/v2/x402/verify" {
		t.Errorf("Expected uri claim, got %q", claims.URI)
	}
	if claims.Issuer != "coinbase-cloud" {
		t.Errorf("Expected issuer coinbase-cloud, got %q", claims.Issuer)
	}
	if claims.Subject != "organizations/test-org/apiKeys/test-key" {
		t.Errorf("Expected subject to be key id, got %q", claims.Subject)
	}

	lifetime := claims.Expiry.Time().Sub(claims.NotBefore.Time())
	if lifetime != 2*time.Minute {
		t.Errorf("Expected 2m lifetime, got %v", lifetime)
	}
}

func TestBearerToken_Ed25519Base64(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	auth, err := NewAuth("kid", base64.StdEncoding.EncodeToString(priv))
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}

	token, err := auth.BearerToken("GET", Route+"/supported")
	if err != nil {
		t.Fatalf("BearerToken failed: %v", err)
	}

	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	var claims Claims
	if err := parsed.Claims(pub, &claims); err != nil {
		t.Fatalf("failed to verify claims: %v", err)
	}
	if claims.URI != "GET api.cdp.coinbase.com/platform/v2/x402/supported" {
		t.Errorf("Expected uri claim, got %q", claims.URI)
	}
}

func TestBearerToken_Cached(t *testing.T) {
	pemKey, _ := ecKeyPEM(t)
	auth, err := NewAuth("kid", pemKey)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := auth.BearerToken("POST", Route+"/settle")
	second, _ := auth.BearerToken("POST", Route+"/settle")
	if first != second {
		t.Error("Expected cached token to be reused")
	}

	other, _ := auth.BearerToken("POST", Route+"/verify")
	if other == first {
		t.Error("Expected distinct tokens for distinct request lines")
	}
}

func TestCreateAuthHeaders(t *testing.T) {
	pemKey, _ := ecKeyPEM(t)
	auth, err := NewAuth("kid", pemKey)
	if err != nil {
		t.Fatal(err)
	}

	headers, err := auth.CreateAuthHeaders(context.Background())
	if err != nil {
		t.Fatalf("CreateAuthHeaders failed: %v", err)
	}

	for _, action := range []string{facilitator.ActionVerify, facilitator.ActionSettle, facilitator.ActionSupported, facilitator.ActionList} {
		h, ok := headers[action]
		if !ok {
			t.Errorf("Expected headers for %s", action)
			continue
		}
		if !strings.HasPrefix(h["Authorization"], "Bearer ") {
			t.Errorf("Expected bearer token for %s, got %q", action, h["Authorization"])
		}
		if h["Correlation-Context"] == "" {
			t.Errorf("Expected Correlation-Context for %s", action)
		}
	}
}

func TestNewFacilitatorConfig(t *testing.T) {
	pemKey, _ := ecKeyPEM(t)
	cfg, err := NewFacilitatorConfig("kid", pemKey)
	if err != nil {
		t.Fatalf("NewFacilitatorConfig failed: %v", err)
	}
	if cfg.URL != "https://api.cdp.coinbase.com/platform/v2/x402" {
		t.Errorf("Expected CDP URL, got %s", cfg.URL)
	}
	if cfg.CreateAuthHeaders == nil {
		t.Error("Expected CreateAuthHeaders to be set")
	}
}
