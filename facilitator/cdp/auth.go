// Package cdp authenticates facilitator calls to the Coinbase Developer Platform
// x402 API with short-lived bearer JWTs.
package cdp

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/tollbooth/x402-go/cache"
	"github.com/tollbooth/x402-go/facilitator"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

const (
	// Host is the CDP API host named in every token's uri claim.
	Host = "api.cdp.coinbase.com"

	// Route is the x402 API prefix on Host.
	Route = "/platform/v2/x402"

	// BaseURL is the CDP facilitator endpoint.
	BaseURL = "https://" + Host + Route

	tokenLifetime = 2 * time.Minute

	// Tokens are reused for less than their lifetime so a cached token never
	// reaches the server already expired.
	tokenReuse = 90 * time.Second

	correlationContext = "sdk_language=go,source=tollbooth"
)

// endpoint is one authenticated CDP request line.
type endpoint struct {
	method string
	path   string
}

var endpoints = map[string]endpoint{
	facilitator.ActionVerify:    {method: "POST", path: Route + "/verify"},
	facilitator.ActionSettle:    {method: "POST", path: Route + "/settle"},
	facilitator.ActionSupported: {method: "GET", path: Route + "/supported"},
	facilitator.ActionList:      {method: "GET", path: Route + "/discovery/resources"},
}

// Claims is the CDP bearer token claim set.
type Claims struct {
	*jwt.Claims
	// URI is "{METHOD} api.cdp.coinbase.com{path}".
	URI string `json:"uri"`
}

// Auth signs CDP bearer tokens for one API key. It is safe for concurrent use.
type Auth struct {
	keyID string
	key   crypto.Signer
	alg   jose.SignatureAlgorithm

	tokens *cache.Cache[endpoint, string]
	now    func() time.Time
}

// NewAuth parses the API key secret and returns an Auth for keyID.
//
// The secret may be a PEM block (SEC 1 EC or PKCS #8) or the base64 form of a
// 64-byte Ed25519 key as issued by the CDP portal.
func NewAuth(keyID, secret string) (*Auth, error) {
	if keyID == "" {
		return nil, fmt.Errorf("cdp: api key id must not be empty")
	}
	key, err := parseKey(secret)
	if err != nil {
		return nil, err
	}

	a := &Auth{keyID: keyID, key: key, now: time.Now}
	switch key.(type) {
	case *ecdsa.PrivateKey:
		a.alg = jose.ES256
	default:
		a.alg = jose.EdDSA
	}
	a.tokens = cache.New(len(endpoints)*2, tokenReuse, a.sign)
	return a, nil
}

func parseKey(secret string) (crypto.Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("cdp: api key secret must not be empty")
	}

	if block, _ := pem.Decode([]byte(secret)); block != nil {
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cdp: failed to parse private key: %w", err)
		}
		switch k := k.(type) {
		case *ecdsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("cdp: unsupported private key type %T", k)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("cdp: secret is neither PEM nor base64: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("cdp: base64 secret must be a %d-byte Ed25519 key, got %d bytes", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// BearerToken returns a signed token for the request line. Tokens are cached per
// request line and reused until shortly before they expire.
func (a *Auth) BearerToken(method, path string) (string, error) {
	return a.tokens.Get(endpoint{method: strings.ToUpper(method), path: path})
}

func (a *Auth) sign(ep endpoint) (string, error) {
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: a.alg, Key: a.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", a.keyID),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	now := a.now()
	claims := Claims{
		Claims: &jwt.Claims{
			Subject:   a.keyID,
			Issuer:    "coinbase-cloud",
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
		URI: fmt.Sprintf("%s %s%s", ep.method, Host, ep.path),
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWT: %w", err)
	}
	return token, nil
}

// CreateAuthHeaders returns Authorization and Correlation-Context headers for
// every facilitator action. It satisfies facilitator.AuthHeaders.
func (a *Auth) CreateAuthHeaders(_ context.Context) (map[string]map[string]string, error) {
	headers := make(map[string]map[string]string, len(endpoints))
	for action, ep := range endpoints {
		token, err := a.BearerToken(ep.method, ep.path)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s auth header: %w", action, err)
		}
		headers[action] = map[string]string{
			"Authorization":       "Bearer " + token,
			"Correlation-Context": correlationContext,
		}
	}
	return headers, nil
}
