package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/encoding"
	"github.com/tollbooth/x402-go/http/internal/helpers"
)

// maxChallengeBody caps how much of a 402 body the transport will read.
const maxChallengeBody = 1 << 20

// X402Transport is a RoundTripper that answers x402 challenges.
// It wraps an existing http.RoundTripper and, on a 402 response, signs one of the
// offered requirements and retries the request once with the X-PAYMENT header.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signers is the list of available payment signers, tried in order.
	Signers []x402.Signer

	// OnPaymentAttempt is called once a payment has been signed.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when the server reports settlement.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when the paid retry fails or is refused.
	OnPaymentFailure x402.PaymentCallback
}

// RoundTrip implements http.RoundTripper.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := base.RoundTrip(withBody(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}
	// A request that already carried a payment is the caller's business.
	if req.Header.Get(helpers.PaymentHeader) != "" {
		return resp, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	resp.Body.Close()
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeNetworkError, "failed to read payment requirements", err)
	}
	challenge, err := encoding.DecodeRequirements(raw)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to parse payment requirements", err)
	}

	payment, requirement, err := x402.SelectAndSign(challenge.Accepts, t.Signers)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	event := x402.PaymentEvent{
		Method:    req.Method,
		URL:       req.URL.String(),
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Amount:    requirement.MaxAmountRequired,
		Asset:     requirement.Asset,
		Recipient: requirement.PayTo,
	}
	t.fire(t.OnPaymentAttempt, event, x402.PaymentEventAttempt, startTime)

	header, err := encoding.EncodePayment(*payment)
	if err != nil {
		event.Error = err
		t.fire(t.OnPaymentFailure, event, x402.PaymentEventFailure, startTime)
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to build payment header", err)
	}

	retry := withBody(req, body)
	retry.Header.Set(helpers.PaymentHeader, header)

	respRetry, err := base.RoundTrip(retry)
	if err != nil {
		event.Error = err
		t.fire(t.OnPaymentFailure, event, x402.PaymentEventFailure, startTime)
		return nil, err
	}
	event.Status = respRetry.StatusCode

	if respRetry.StatusCode == http.StatusPaymentRequired {
		event.Error = fmt.Errorf("%w: payment refused by server", x402.ErrVerificationFailed)
		t.fire(t.OnPaymentFailure, event, x402.PaymentEventFailure, startTime)
		return respRetry, nil
	}

	if settlement := GetSettlement(respRetry); settlement != nil && settlement.Success {
		event.Transaction = settlement.Transaction
		event.Payer = settlement.Payer
		t.fire(t.OnPaymentSuccess, event, x402.PaymentEventSuccess, startTime)
	}

	return respRetry, nil
}

func (t *X402Transport) fire(cb x402.PaymentCallback, event x402.PaymentEvent, typ x402.PaymentEventType, start time.Time) {
	if cb == nil {
		return
	}
	event.Type = typ
	event.Timestamp = time.Now()
	event.Duration = event.Timestamp.Sub(start)
	cb(event)
}

// bufferBody reads the request body so it can be sent twice.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return body, nil
}

func withBody(req *http.Request, body []byte) *http.Request {
	if body == nil {
		return req.Clone(req.Context())
	}
	return RequestWithBody(req, body)
}

// RequestWithBody clones an HTTP request with a new body.
// This is needed because request bodies can only be read once.
func RequestWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return clone
}
