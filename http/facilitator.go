package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/facilitator"
	"github.com/tollbooth/x402-go/http/internal/helpers"
	"github.com/tollbooth/x402-go/retry"
)

// DefaultFacilitatorURL is the public x402.org facilitator.
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// maxFacilitatorBody bounds how much of a facilitator response is read.
const maxFacilitatorBody = 1 << 20

// FacilitatorConfig describes how to reach a facilitator.
type FacilitatorConfig struct {
	// URL is the facilitator base URL. Defaults to DefaultFacilitatorURL.
	URL string

	// Timeout caps every HTTP exchange with the facilitator, including retries.
	// Zero leaves only the per-operation timeouts.
	Timeout time.Duration

	// CreateAuthHeaders returns headers per action ("verify", "settle", "supported", "list").
	CreateAuthHeaders facilitator.AuthHeaders
}

// AuthorizationProvider is a function that returns an Authorization header value.
// This is useful for dynamic tokens (e.g., JWT refresh) where the value may change.
//
// The provider is called on each HTTP request, including retry attempts, and is
// not serialized by the FacilitatorClient.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is a function that returns an error to abort an operation.
type OnBeforeFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirement) error

// OnAfterVerifyFunc is a function that is called after a Verify operation completes
type OnAfterVerifyFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirement, *facilitator.VerifyResponse, error)

// OnAfterSettleFunc is a function that is called after a Settle operation completes
type OnAfterSettleFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirement, *x402.SettlementResponse, error)

// FacilitatorClient is a client for communicating with x402 facilitator services.
// It implements facilitator.Interface.
type FacilitatorClient struct {
	BaseURL    string
	Client     *http.Client
	Timeouts   x402.TimeoutConfig // Timeout configuration for payment operations
	MaxRetries int                // Maximum number of retry attempts for failed requests (default: 0)
	RetryDelay time.Duration      // Delay between retry attempts (default: 100ms)

	// CreateAuthHeaders returns per-action headers. They are applied before
	// Authorization and AuthorizationProvider.
	CreateAuthHeaders facilitator.AuthHeaders

	// Authorization is a static Authorization header value (e.g., "Bearer token" or "Basic base64").
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider is a function that returns an Authorization header value.
	// If set, this takes precedence over the static Authorization field.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeVerify is called before the Verify operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeVerify OnBeforeFunc

	// OnAfterVerify is called after the Verify operation completes (success or failure).
	OnAfterVerify OnAfterVerifyFunc

	// OnBeforeSettle is called before the Settle operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeSettle OnBeforeFunc

	// OnAfterSettle is called after the Settle operation completes (success or failure).
	OnAfterSettle OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

// NewFacilitatorClient creates a client from a FacilitatorConfig. A nil config
// targets DefaultFacilitatorURL without authentication.
func NewFacilitatorClient(cfg *FacilitatorConfig) *FacilitatorClient {
	if cfg == nil {
		cfg = &FacilitatorConfig{}
	}
	url := strings.TrimRight(cfg.URL, "/")
	if url == "" {
		url = DefaultFacilitatorURL
	}
	return &FacilitatorClient{
		BaseURL:           url,
		Client:            &http.Client{Timeout: cfg.Timeout},
		Timeouts:          x402.DefaultTimeouts,
		CreateAuthHeaders: cfg.CreateAuthHeaders,
	}
}

// FacilitatorRequest is the request payload sent to the facilitator.
type FacilitatorRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
}

// Verify verifies a payment authorization without executing the transaction.
//
// The call is bounded by Timeouts.VerifyTimeout and the requirement's
// maxTimeoutSeconds, whichever is shorter. A rejection that the facilitator
// reports with a non-200 status and an invalidReason body is returned as an
// invalid response rather than an error.
func (c *FacilitatorClient) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*facilitator.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payment, requirement); err != nil {
			return nil, err
		}
	}

	ctx, cancel := withBound(ctx, x402.Bounded(c.Timeouts.VerifyTimeout, requirement.MaxTimeoutSeconds))
	defer cancel()

	resp, resultErr := exchange(ctx, c, payment, requirement, facilitator.ActionVerify, func(status int, body []byte) (*facilitator.VerifyResponse, error) {
		var verifyResp facilitator.VerifyResponse
		decodeErr := json.Unmarshal(body, &verifyResp)

		if status != http.StatusOK {
			if decodeErr == nil && verifyResp.InvalidReason != "" {
				verifyResp.IsValid = false
				return &verifyResp, nil
			}
			return nil, statusError(x402.ErrVerificationFailed, status, body)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: failed to decode verify response: %v", x402.ErrVerificationFailed, decodeErr)
		}
		return &verifyResp, nil
	})

	if resp != nil && resp.Payer == "" {
		resp.Payer = helpers.GetPayer(payment)
	}

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payment, requirement, resp, resultErr)
	}

	return resp, resultErr
}

// Settle executes a verified payment on the blockchain.
//
// The call is bounded by Timeouts.SettleTimeout and the requirement's
// maxTimeoutSeconds. A response with success:false is returned without error.
func (c *FacilitatorClient) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettlementResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payment, requirement); err != nil {
			return nil, err
		}
	}

	ctx, cancel := withBound(ctx, x402.Bounded(c.Timeouts.SettleTimeout, requirement.MaxTimeoutSeconds))
	defer cancel()

	resp, resultErr := exchange(ctx, c, payment, requirement, facilitator.ActionSettle, func(status int, body []byte) (*x402.SettlementResponse, error) {
		if status != http.StatusOK {
			var errBody x402.SettlementResponse
			if err := json.Unmarshal(body, &errBody); err == nil && errBody.ErrorReason != "" {
				return nil, fmt.Errorf("%w: status %d, reason: %s", x402.ErrSettlementFailed, status, errBody.ErrorReason)
			}
			return nil, statusError(x402.ErrSettlementFailed, status, body)
		}

		var settlementResp x402.SettlementResponse
		if err := json.Unmarshal(body, &settlementResp); err != nil {
			return nil, fmt.Errorf("%w: failed to decode settlement response: %v", x402.ErrSettlementFailed, err)
		}
		if settlementResp.Network == "" {
			settlementResp.Network = payment.Network
		}
		return &settlementResp, nil
	})

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payment, requirement, resp, resultErr)
	}

	return resp, resultErr
}

// Supported queries the facilitator for supported payment types.
func (c *FacilitatorClient) Supported(ctx context.Context) (*facilitator.SupportedResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()
	}

	status, body, err := c.do(ctx, http.MethodGet, facilitator.ActionSupported, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", status)
	}

	var supportedResp facilitator.SupportedResponse
	if err := json.Unmarshal(body, &supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

// EnrichRequirements fetches supported payment types from the facilitator and
// merges each kind's extra data (such as an SVM feePayer) into the matching
// requirements. Values already present on a requirement are kept.
func (c *FacilitatorClient) EnrichRequirements(ctx context.Context, requirements []x402.PaymentRequirement) ([]x402.PaymentRequirement, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment types: %w", err)
	}
	return mergeSupportedExtras(requirements, supported), nil
}

func mergeSupportedExtras(requirements []x402.PaymentRequirement, supported *facilitator.SupportedResponse) []x402.PaymentRequirement {
	if supported == nil {
		return requirements
	}

	supportedMap := make(map[string]facilitator.SupportedKind, len(supported.Kinds))
	for _, kind := range supported.Kinds {
		supportedMap[kind.Network+"-"+kind.Scheme] = kind
	}

	enriched := make([]x402.PaymentRequirement, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := supportedMap[req.Network+"-"+req.Scheme]
		if !ok || len(kind.Extra) == 0 {
			continue
		}
		extra := make(map[string]interface{}, len(req.Extra)+len(kind.Extra))
		for k, v := range kind.Extra {
			extra[k] = v
		}
		for k, v := range req.Extra {
			extra[k] = v
		}
		enriched[i].Extra = extra
	}

	return enriched
}

// exchange posts a FacilitatorRequest to the action endpoint with retries on
// ErrFacilitatorUnavailable, handing each response to decode.
func exchange[T any](ctx context.Context, c *FacilitatorClient, payment x402.PaymentPayload, requirement x402.PaymentRequirement, action string, decode func(int, []byte) (*T, error)) (*T, error) {
	data, err := json.Marshal(FacilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry.Do(ctx, c.retryPolicy(), isFacilitatorUnavailableError, func(attempt int) (*T, error) {
		if attempt > 1 {
			slog.Debug("retrying facilitator call", "action", action, "attempt", attempt)
		}
		status, body, err := c.do(ctx, http.MethodPost, action, data)
		if err != nil {
			return nil, err
		}
		return decode(status, body)
	})
}

// retryPolicy turns MaxRetries and RetryDelay into a backoff policy capped at
// four times the base delay.
func (c *FacilitatorClient) retryPolicy() retry.Policy {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = retry.DefaultPolicy.BaseDelay
	}
	return retry.Policy{
		Attempts:   max(c.MaxRetries, 0) + 1,
		BaseDelay:  delay,
		MaxDelay:   delay * 4,
		Multiplier: retry.DefaultPolicy.Multiplier,
		Jitter:     0.2,
	}
}

// do performs one HTTP exchange with the facilitator. Transport failures and
// gateway statuses are reported as ErrFacilitatorUnavailable.
func (c *FacilitatorClient) do(ctx context.Context, method, action string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+"/"+action, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if err := c.setAuthHeaders(ctx, httpReq, action); err != nil {
		return 0, nil, err
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorBody))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to read response: %v", x402.ErrFacilitatorUnavailable, err)
	}

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return resp.StatusCode, respBody, fmt.Errorf("%w: status %d", x402.ErrFacilitatorUnavailable, resp.StatusCode)
	}

	return resp.StatusCode, respBody, nil
}

// setAuthHeaders applies per-action headers, then the Authorization override.
func (c *FacilitatorClient) setAuthHeaders(ctx context.Context, req *http.Request, action string) error {
	if c.CreateAuthHeaders != nil {
		headers, err := c.CreateAuthHeaders(ctx)
		if err != nil {
			return fmt.Errorf("failed to create auth headers: %w", err)
		}
		for k, v := range headers[action] {
			req.Header.Set(k, v)
		}
	}

	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
	return nil
}

// withBound applies d as a deadline when it is positive.
func withBound(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// errFacilitatorStatus marks a non-200 facilitator answer without a protocol
// reason. Its text stays in logs and never reaches the paying client.
var errFacilitatorStatus = errors.New("unexpected facilitator status")

func statusError(sentinel error, status int, body []byte) error {
	if len(body) > 0 && len(body) < 500 {
		return fmt.Errorf("%w: %w %d, body: %s", sentinel, errFacilitatorStatus, status, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("%w: %w %d", sentinel, errFacilitatorStatus, status)
}

// isFacilitatorUnavailableError checks if an error is a facilitator unavailable error.
func isFacilitatorUnavailableError(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}
