// Package http provides HTTP middleware for x402 payment gating.
package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/facilitator"
	"github.com/tollbooth/x402-go/http/internal/helpers"
	"github.com/tollbooth/x402-go/paywall"
	"github.com/tollbooth/x402-go/validation"
)

// RequestIDHeader is honoured as the request id when present.
const RequestIDHeader = "X-Request-Id"

// Config holds the configuration for the x402 gate.
type Config struct {
	// PayTo is the payee address. Routes may override it with RouteOptions.PayTo.
	PayTo string

	// Routes maps "[METHOD ]pattern" to a price rule.
	Routes map[string]RouteConfig

	// Facilitator verifies and settles payments. When nil a FacilitatorClient
	// is built from FacilitatorConfig.
	Facilitator facilitator.Interface

	// FacilitatorConfig is used when Facilitator is nil.
	FacilitatorConfig *FacilitatorConfig

	// Paywall configures the HTML paywall served to browsers.
	Paywall paywall.Config

	// Captcha enables the human-check page and the captcha cookie bypass.
	Captcha *CaptchaIssuer

	// SolveEndpoint is where the human-check page posts. Defaults to DefaultSolveEndpoint.
	SolveEndpoint string

	// Bypass lets matched requests through unpaid when it returns true.
	Bypass PreAuthorizer

	// Challenge overrides the 402 rendering. Defaults to JSON, with the paywall
	// for browsers.
	Challenge ChallengeRenderer

	// VerifyOnly skips settlement if true (only verifies payments)
	VerifyOnly bool

	// Timeouts bound the facilitator calls. Zero uses x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnEvent receives payment lifecycle events.
	OnEvent x402.PaymentCallback
}

// Gate is a compiled x402 payment gate. It is safe for concurrent use.
type Gate struct {
	routes      *CompiledRoutes
	payTo       string
	facilitator facilitator.Interface
	challenge   ChallengeRenderer
	bypass      PreAuthorizer
	verifyOnly  bool
	timeouts    x402.TimeoutConfig
	logger      *slog.Logger
	onEvent     x402.PaymentCallback
	supported   atomic.Pointer[facilitator.SupportedResponse]
	now         func() time.Time
}

// NewGate compiles the routes and validates the payee. Every error is a
// configuration GateError and the gate must not serve traffic.
func NewGate(config *Config) (*Gate, error) {
	if config == nil {
		return nil, x402.NewConfigurationError("nil config", nil)
	}

	routes, err := CompileRoutes(config.Routes)
	if err != nil {
		return nil, err
	}

	for _, rule := range routes.Rules() {
		payTo := config.PayTo
		if rule.Config.PayTo != "" {
			payTo = rule.Config.PayTo
		}
		if payTo == "" {
			return nil, x402.NewConfigurationError(fmt.Sprintf("route %q: payTo is required", rule.Pattern), x402.ErrInvalidAddress)
		}
		if err := validation.ValidateAddress(payTo, rule.Network.ID); err != nil {
			return nil, x402.NewConfigurationError(fmt.Sprintf("route %q: payTo", rule.Pattern), err)
		}
	}

	timeouts := config.Timeouts
	if timeouts == (x402.TimeoutConfig{}) {
		timeouts = x402.DefaultTimeouts
	}
	if err := timeouts.Validate(); err != nil {
		return nil, x402.NewConfigurationError("timeouts", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fac := config.Facilitator
	if fac == nil {
		client := NewFacilitatorClient(config.FacilitatorConfig)
		client.Timeouts = timeouts
		fac = client
	}

	challenge := config.Challenge
	if challenge == nil {
		challenge = negotiatedChallenge{
			html: &PaywallChallenge{
				Config:        config.Paywall,
				Captcha:       config.Captcha,
				SolveEndpoint: config.SolveEndpoint,
				Logger:        logger,
			},
			json: JSONChallenge{},
		}
	}

	return &Gate{
		routes:      routes,
		payTo:       config.PayTo,
		facilitator: fac,
		challenge:   challenge,
		bypass:      config.Bypass,
		verifyOnly:  config.VerifyOnly,
		timeouts:    timeouts,
		logger:      logger,
		onEvent:     config.OnEvent,
		now:         time.Now,
	}, nil
}

// NewX402Middleware creates a new x402 payment middleware.
// It panics if the configuration is invalid; use NewGate to handle the error.
func NewX402Middleware(config *Config) func(http.Handler) http.Handler {
	gate, err := NewGate(config)
	if err != nil {
		panic(err)
	}
	return gate.Handler
}

// Routes returns the compiled route table.
func (g *Gate) Routes() *CompiledRoutes {
	return g.routes
}

// Prime fetches the facilitator's supported kinds once and merges their extra
// data (such as an SVM feePayer) into every requirement the gate builds.
// Failure leaves requirements unenriched.
func (g *Gate) Prime(ctx context.Context) error {
	ctx, cancel := withBound(ctx, g.timeouts.RequestTimeout)
	defer cancel()

	supported, err := g.facilitator.Supported(ctx)
	if err != nil {
		g.logger.Warn("failed to fetch supported payment kinds from facilitator", "error", err)
		return err
	}
	g.supported.Store(supported)
	g.logger.Info("facilitator supported kinds loaded", "count", len(supported.Kinds))
	return nil
}

// Match reports the rule a request would be gated by.
func (g *Gate) Match(r *http.Request) (*RouteRule, bool) {
	return g.routes.Match(r.URL.EscapedPath(), r.Method)
}

// Requirements builds the payment requirements for a request to rule.
func (g *Gate) Requirements(rule *RouteRule, r *http.Request) ([]x402.PaymentRequirement, error) {
	payTo := g.payTo
	if rule.Config.PayTo != "" {
		payTo = rule.Config.PayTo
	}
	requirements, err := BuildRequirements(rule, payTo, r)
	if err != nil {
		return nil, err
	}
	return mergeSupportedExtras(requirements, g.supported.Load()), nil
}

// Handler wraps next with payment gating. Requests that match no route pass
// through untouched.
func (g *Gate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, ok := g.Match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		g.serveGated(w, r, rule, next)
	})
}

// request carries the per-request state of one gated exchange.
type request struct {
	gate         *Gate
	id           string
	rule         *RouteRule
	r            *http.Request
	logger       *slog.Logger
	requirements []x402.PaymentRequirement
}

func (g *Gate) serveGated(w http.ResponseWriter, r *http.Request, rule *RouteRule, next http.Handler) {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	req := &request{
		gate:   g,
		id:     id,
		rule:   rule,
		r:      r,
		logger: g.logger.With("request_id", id, "method", r.Method, "path", r.URL.Path, "route", rule.Pattern),
	}

	if g.bypass != nil && g.bypass(r) {
		req.logger.Debug("payment bypassed")
		req.emit(x402.PaymentEvent{Type: x402.PaymentEventBypass})
		next.ServeHTTP(w, r)
		return
	}

	requirements, err := g.Requirements(rule, r)
	if err != nil {
		// Payees and prices are validated at construction.
		req.logger.Error("failed to build payment requirements", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	req.requirements = requirements

	if r.Header.Get(helpers.PaymentHeader) == "" {
		req.logger.Info("payment required", "network", rule.Network.ID, "amount", rule.Amount.MaxAmountRequired)
		req.challenge(w, x402.KindUnknown, "", "", nil)
		return
	}

	payment, err := helpers.ParsePaymentHeaderFromRequest(r)
	if err != nil {
		req.logger.Warn("invalid payment header", "error", err)
		req.challenge(w, x402.KindClientPayload, err.Error(), "", err)
		return
	}

	requirement, err := x402.FindMatchingRequirement(payment, requirements)
	if err != nil {
		req.logger.Warn("no matching requirement", "scheme", payment.Scheme, "network", payment.Network)
		req.challenge(w, x402.KindRequirementMismatch, "", helpers.GetPayer(payment), err)
		return
	}

	req.emit(x402.PaymentEvent{
		Type:    x402.PaymentEventAttempt,
		Network: payment.Network,
		Scheme:  payment.Scheme,
		Payer:   helpers.GetPayer(payment),
	})

	verification, ok := req.verify(w, payment, *requirement)
	if !ok {
		return
	}

	info := &PaymentInfo{
		RequestID:    id,
		Route:        rule.Pattern,
		Payment:      payment,
		Requirement:  *requirement,
		Verification: *verification,
		Payer:        verification.Payer,
	}
	r = r.WithContext(WithPayment(r.Context(), info))
	req.r = r

	interceptor := &settlementInterceptor{
		w: w,
		settleFunc: func() bool {
			if g.verifyOnly {
				req.emit(x402.PaymentEvent{
					Type:    x402.PaymentEventServed,
					Network: payment.Network,
					Scheme:  payment.Scheme,
					Payer:   info.Payer,
				})
				return true
			}
			return req.settle(w, info)
		},
		onFailure: func(statusCode int) {
			req.logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
			req.emit(x402.PaymentEvent{
				Type:    x402.PaymentEventUnsettled,
				Network: payment.Network,
				Scheme:  payment.Scheme,
				Payer:   info.Payer,
				Status:  statusCode,
			})
		},
	}
	next.ServeHTTP(interceptor, r)
	interceptor.finish()
}

// verify calls the facilitator and issues a challenge on any failure.
func (q *request) verify(w http.ResponseWriter, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*facilitator.VerifyResponse, bool) {
	g := q.gate
	ctx, cancel := withBound(context.WithoutCancel(q.r.Context()), x402.Bounded(g.timeouts.VerifyTimeout, requirement.MaxTimeoutSeconds))
	defer cancel()

	start := g.now()
	resp, err := g.facilitator.Verify(ctx, payment, requirement)
	duration := g.now().Sub(start)

	if err != nil {
		q.logger.Error("facilitator verification failed", "error", err, "duration", duration)
		q.challenge(w, x402.KindVerification, facilitatorDetail(err), helpers.GetPayer(payment), err, withDuration(duration))
		return nil, false
	}
	if resp == nil {
		err := fmt.Errorf("%w: empty response", x402.ErrVerificationFailed)
		q.logger.Error("facilitator verification failed", "error", err)
		q.challenge(w, x402.KindVerification, "", helpers.GetPayer(payment), err, withDuration(duration))
		return nil, false
	}

	payer := resp.Payer
	if payer == "" {
		payer = helpers.GetPayer(payment)
	}
	if !resp.IsValid {
		q.logger.Warn("payment verification failed", "reason", resp.InvalidReason, "payer", payer)
		err := fmt.Errorf("%w: %s", x402.ErrVerificationFailed, resp.InvalidReason)
		q.challenge(w, x402.KindVerification, resp.InvalidReason, payer, err, withDuration(duration))
		return nil, false
	}

	resp.Payer = payer
	q.logger.Info("payment verified", "payer", payer, "network", payment.Network)
	q.emit(x402.PaymentEvent{
		Type:     x402.PaymentEventVerified,
		Network:  payment.Network,
		Scheme:   payment.Scheme,
		Payer:    payer,
		Duration: duration,
	})
	return resp, true
}

// settle runs once the handler commits a success status. It returns false
// after writing a settlement challenge.
func (q *request) settle(w http.ResponseWriter, info *PaymentInfo) bool {
	g := q.gate
	ctx, cancel := withBound(context.WithoutCancel(q.r.Context()), x402.Bounded(g.timeouts.SettleTimeout, info.Requirement.MaxTimeoutSeconds))
	defer cancel()

	q.logger.Info("settling payment", "payer", info.Payer)
	start := g.now()
	resp, err := g.facilitator.Settle(ctx, info.Payment, info.Requirement)
	duration := g.now().Sub(start)

	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty response", x402.ErrSettlementFailed)
	}
	if err != nil {
		q.logger.Error("settlement failed", "error", err, "duration", duration)
		clearHeaders(w)
		q.challenge(w, x402.KindSettlement, facilitatorDetail(err), info.Payer, err, withDuration(duration))
		return false
	}
	if !resp.Success {
		q.logger.Warn("settlement unsuccessful", "reason", resp.ErrorReason)
		clearHeaders(w)
		err := fmt.Errorf("%w: %s", x402.ErrSettlementFailed, resp.ErrorReason)
		q.challenge(w, x402.KindSettlement, resp.ErrorReason, info.Payer, err, withDuration(duration))
		return false
	}

	if resp.Payer == "" {
		resp.Payer = info.Payer
	}
	if resp.Network == "" {
		resp.Network = info.Payment.Network
	}

	q.logger.Info("payment settled", "transaction", resp.Transaction, "payer", resp.Payer)
	if err := helpers.AddPaymentResponseHeader(w, resp); err != nil {
		// The payment is captured; the receipt header is best effort.
		q.logger.Warn("failed to add payment response header", "error", err)
	}
	q.emit(x402.PaymentEvent{
		Type:        x402.PaymentEventSuccess,
		Network:     resp.Network,
		Scheme:      info.Payment.Scheme,
		Payer:       resp.Payer,
		Transaction: resp.Transaction,
		Duration:    duration,
	})
	return true
}

// facilitatorDetail hides transport failures and unexpected facilitator
// answers behind the default message.
func facilitatorDetail(err error) string {
	if errors.Is(err, x402.ErrFacilitatorUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errFacilitatorStatus) {
		return ""
	}
	return err.Error()
}

type eventOption func(*x402.PaymentEvent)

func withDuration(d time.Duration) eventOption {
	return func(e *x402.PaymentEvent) { e.Duration = d }
}

// challenge writes a 402 and emits a challenge or failure event.
func (q *request) challenge(w http.ResponseWriter, kind x402.ErrorKind, detail, payer string, cause error, opts ...eventOption) {
	reason := q.rule.Config.ErrorMessages.message(kind, detail)
	q.gate.challenge.Render(w, q.r, Challenge{
		Rule:         q.rule,
		Requirements: q.requirements,
		Kind:         kind,
		Reason:       reason,
		Payer:        payer,
	})

	event := x402.PaymentEvent{
		Type:   x402.PaymentEventChallenge,
		Kind:   kind,
		Payer:  payer,
		Status: http.StatusPaymentRequired,
	}
	if kind != x402.KindUnknown {
		event.Type = x402.PaymentEventFailure
		event.Error = &x402.GateError{Kind: kind, Reason: reason, Payer: payer, Err: cause}
	}
	for _, opt := range opts {
		opt(&event)
	}
	q.emit(event)
}

// emit fills the request fields of e and hands it to the callback.
func (q *request) emit(e x402.PaymentEvent) {
	g := q.gate
	if g.onEvent == nil {
		return
	}
	e.Timestamp = g.now()
	e.RequestID = q.id
	e.Method = q.r.Method
	e.URL = ResourceURL(q.r)
	e.Route = q.rule.Pattern
	e.Amount = q.rule.Amount.MaxAmountRequired
	e.Asset = q.rule.Amount.Asset.Address
	if e.Network == "" {
		e.Network = q.rule.Network.ID
	}
	if e.Scheme == "" {
		e.Scheme = x402.SchemeExact
	}
	if len(q.requirements) > 0 {
		e.Recipient = q.requirements[0].PayTo
	}
	g.onEvent(e)
}

func clearHeaders(w http.ResponseWriter) {
	h := w.Header()
	for k := range h {
		delete(h, k)
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of commitment.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc is the callback that performs the actual settlement logic
	settleFunc func() bool
	// onFailure is an internal logging callback
	onFailure func(statusCode int)
	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// If the handler calls Write without WriteHeader, it implies 200 OK.
	// We must trigger our check now.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// If settlement failed, the challenge has been written instead.
	// We silently discard the handler's payload to prevent mixed responses.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	// Informational headers do not commit the response.
	if statusCode >= 100 && statusCode < 200 {
		i.w.WriteHeader(statusCode)
		return
	}
	i.committed = true

	// Case 1: Handler is returning an error (e.g., 404, 500).
	// We do nothing. Let the error pass through. No settlement.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	// Case 2: Handler wants to succeed. STOP!
	// We run the settlement logic now.
	if !i.settleFunc() {
		// Settlement failed and the settleFunc has written the 402.
		i.hijacked = true
		return
	}

	// Case 3: Settlement succeeded.
	// The settleFunc has already added the X-PAYMENT-RESPONSE headers.
	// We now allow the original status code to proceed.
	i.w.WriteHeader(statusCode)
}

// finish settles for handlers that returned without writing anything.
func (i *settlementInterceptor) finish() {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (i *settlementInterceptor) Unwrap() http.ResponseWriter {
	return i.w
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	if i.hijacked {
		return
	}
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// errUnsettledHijack is returned by Hijack when settlement failed and the
// 402 challenge has been written instead.
var errUnsettledHijack = errors.New("x402: connection not handed over, payment settlement failed")

// Hijack implements http.Hijacker. The payment is settled before the
// connection is handed over. The receipt lands in Header(), which a handler
// writing its own upgrade response must copy.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := i.w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if !i.committed {
		i.committed = true
		if !i.settleFunc() {
			i.hijacked = true
		}
	}
	if i.hijacked {
		return nil, nil, errUnsettledHijack
	}
	return hijacker.Hijack()
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
