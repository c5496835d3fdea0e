package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/http/internal/helpers"
	"github.com/tollbooth/x402-go/paywall"
	"github.com/tollbooth/x402-go/pricing"
)

// Default challenge messages, one per failure stage.
const (
	DefaultPaymentRequiredMessage        = "X-PAYMENT header is required"
	DefaultInvalidPaymentMessage         = "Invalid payment"
	DefaultNoMatchingRequirementsMessage = "Unable to find matching payment requirements"
	DefaultVerificationFailedMessage     = "Payment verification failed"
	DefaultSettlementFailedMessage       = "Settlement failed"
)

// Challenge is one 402 answer: why the request was refused and what would be accepted.
type Challenge struct {
	// Rule is the matched route.
	Rule *RouteRule

	// Requirements are the accepted payment options.
	Requirements []x402.PaymentRequirement

	// Kind is KindUnknown for a missing payment, otherwise the failure stage.
	Kind x402.ErrorKind

	// Reason is the client-facing error message.
	Reason string

	// Payer is included when the failing stage identified one.
	Payer string
}

// ChallengeRenderer writes a 402 response for a challenge.
type ChallengeRenderer interface {
	Render(w http.ResponseWriter, r *http.Request, c Challenge)
}

// ChallengeFunc adapts a function to ChallengeRenderer.
type ChallengeFunc func(w http.ResponseWriter, r *http.Request, c Challenge)

// Render calls f.
func (f ChallengeFunc) Render(w http.ResponseWriter, r *http.Request, c Challenge) {
	f(w, r, c)
}

// JSONChallenge writes the x402 JSON body {x402Version, error, accepts, payer}.
type JSONChallenge struct{}

// Render implements ChallengeRenderer.
func (JSONChallenge) Render(w http.ResponseWriter, r *http.Request, c Challenge) {
	w.Header().Set("Cache-Control", "no-store")
	helpers.SendPaymentRequired(w, x402.PaymentRequirementsResponse{
		Error:   c.Reason,
		Accepts: c.Requirements,
		Payer:   c.Payer,
	})
}

// PaywallChallenge renders the HTML paywall for browsers.
//
// When Captcha is set, the first challenge for a request is the human-check
// page instead. Adding captcha=fail to the query shows the paywall.
type PaywallChallenge struct {
	Config paywall.Config

	// Captcha enables the human-check page.
	Captcha *CaptchaIssuer

	// SolveEndpoint is where the human-check page posts its answer.
	SolveEndpoint string

	Logger *slog.Logger
}

// DefaultSolveEndpoint is the default path of the captcha SolveHandler.
const DefaultSolveEndpoint = "/api/captcha/solve"

// Render implements ChallengeRenderer. Rendering errors fall back to JSON.
func (p *PaywallChallenge) Render(w http.ResponseWriter, r *http.Request, c Challenge) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	page, err := p.page(r, c)
	if err != nil {
		logger.Error("failed to render paywall", "error", err, "path", r.URL.Path)
		JSONChallenge{}.Render(w, r, c)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write([]byte(page))
}

func (p *PaywallChallenge) page(r *http.Request, c Challenge) (string, error) {
	if p.Captcha != nil && c.Kind == x402.KindUnknown && r.URL.Query().Get(CaptchaQueryParam) != CaptchaFailValue {
		question, token, err := p.Captcha.NewChallenge(r.URL.Path)
		if err != nil {
			return "", err
		}
		endpoint := p.SolveEndpoint
		if endpoint == "" {
			endpoint = DefaultSolveEndpoint
		}
		return paywall.CaptchaHTML(paywall.CaptchaPage{
			Question:      question,
			Challenge:     token,
			Path:          r.URL.Path,
			SolveEndpoint: endpoint,
		})
	}

	opts := paywall.Options{
		Config:              p.Config,
		PaymentRequirements: c.Requirements,
		CurrentURL:          currentURL(r),
	}
	if c.Rule != nil {
		opts.Amount = pricing.DisplayAmount(c.Rule.Price, c.Rule.Network.ID)
		opts.Testnet = c.Rule.Network.Testnet
		if custom := c.Rule.Config.CustomPaywallHTML; custom != "" {
			return paywall.Render(custom, opts)
		}
	}
	return paywall.HTML(opts)
}

// currentURL is the resource URL plus the original query, minus the captcha marker.
func currentURL(r *http.Request) string {
	u := ResourceURL(r)
	query := r.URL.Query()
	query.Del(CaptchaQueryParam)
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

// NegotiateChallenge reports whether r comes from a browser that asked for HTML.
func NegotiateChallenge(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html") &&
		strings.Contains(r.Header.Get("User-Agent"), "Mozilla")
}

// negotiatedChallenge sends browsers the paywall and everyone else JSON.
type negotiatedChallenge struct {
	html ChallengeRenderer
	json ChallengeRenderer
}

func (n negotiatedChallenge) Render(w http.ResponseWriter, r *http.Request, c Challenge) {
	if n.html != nil && NegotiateChallenge(r) {
		n.html.Render(w, r, c)
		return
	}
	n.json.Render(w, r, c)
}

// message picks the client-facing reason for a failure stage: the route's
// custom message, then detail from the failing stage, then the default.
func (m ErrorMessages) message(kind x402.ErrorKind, detail string) string {
	var custom, fallback string
	switch kind {
	case x402.KindClientPayload:
		custom, fallback = m.InvalidPayment, DefaultInvalidPaymentMessage
	case x402.KindRequirementMismatch:
		custom, fallback = m.NoMatchingRequirements, DefaultNoMatchingRequirementsMessage
	case x402.KindVerification:
		custom, fallback = m.VerificationFailed, DefaultVerificationFailedMessage
	case x402.KindSettlement:
		custom, fallback = m.SettlementFailed, DefaultSettlementFailedMessage
	default:
		custom, fallback = m.PaymentRequired, DefaultPaymentRequiredMessage
	}
	switch {
	case custom != "":
		return custom
	case detail != "":
		return detail
	default:
		return fallback
	}
}
