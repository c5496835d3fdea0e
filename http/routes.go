package http

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/pricing"
)

// RouteConfig is the declarative price rule for one route pattern.
type RouteConfig struct {
	// Price is a fixed dollar price ("$0.001") or an explicit atomic amount and asset.
	Price pricing.Price `json:"price" yaml:"price"`

	// Network is the x402 network the price is paid on.
	Network string `json:"network" yaml:"network"`

	// Methods restricts the rule to these HTTP methods. A method prefix in the
	// route key is added to this set. Empty means every method.
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty"`

	// Config holds per-route overrides.
	Config RouteOptions `json:"config" yaml:"config"`
}

// RouteOptions are the optional per-route settings.
type RouteOptions struct {
	Description       string                 `json:"description,omitempty" yaml:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty" yaml:"maxTimeoutSeconds,omitempty"`
	InputSchema       map[string]interface{} `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`

	// Resource overrides the URL the requirement is bound to.
	Resource string `json:"resource,omitempty" yaml:"resource,omitempty"`

	// PayTo overrides the gate's payee, e.g. a Solana address for an SVM route.
	PayTo string `json:"payTo,omitempty" yaml:"payTo,omitempty"`

	// CustomPaywallHTML replaces the default paywall page for browsers.
	CustomPaywallHTML string `json:"customPaywallHtml,omitempty" yaml:"customPaywallHtml,omitempty"`

	// ErrorMessages overrides the error text of each challenge.
	ErrorMessages ErrorMessages `json:"errorMessages,omitempty" yaml:"errorMessages,omitempty"`
}

// ErrorMessages customizes the "error" field of 402 responses per failure stage.
// Empty fields use the defaults.
type ErrorMessages struct {
	PaymentRequired        string `json:"paymentRequired,omitempty" yaml:"paymentRequired,omitempty"`
	InvalidPayment         string `json:"invalidPayment,omitempty" yaml:"invalidPayment,omitempty"`
	NoMatchingRequirements string `json:"noMatchingRequirements,omitempty" yaml:"noMatchingRequirements,omitempty"`
	VerificationFailed     string `json:"verificationFailed,omitempty" yaml:"verificationFailed,omitempty"`
	SettlementFailed       string `json:"settlementFailed,omitempty" yaml:"settlementFailed,omitempty"`
}

// RouteRule is a compiled, immutable price rule.
type RouteRule struct {
	// Pattern is the route key as configured, e.g. "GET /api/[id]".
	Pattern string

	// Path is the normalized path part of Pattern.
	Path string

	// Methods is the sorted method filter. Nil means every method.
	Methods []string

	// Network is the network the price is paid on.
	Network x402.NetworkConfig

	// Price is the configured price.
	Price pricing.Price

	// Amount is Price resolved on Network.
	Amount pricing.Resolved

	// Config holds the per-route overrides.
	Config RouteOptions

	re         *regexp.Regexp
	exact      bool
	literalLen int
}

// AllowsMethod reports whether the rule applies to method.
func (r *RouteRule) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	method = strings.ToUpper(method)
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// CompiledRoutes is a read-only route table, safe for concurrent use.
type CompiledRoutes struct {
	rules []*RouteRule
}

var httpMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

// CompileRoutes compiles route rules and resolves their prices.
//
// Keys are "<path>" or "<METHOD> <path>". Paths may contain "[param]", which
// matches one segment, and "*", which matches anything. A trailing "/*" also
// matches the bare prefix. Every error is a configuration GateError.
func CompileRoutes(routes map[string]RouteConfig) (*CompiledRoutes, error) {
	rules := make([]*RouteRule, 0, len(routes))
	for key, cfg := range routes {
		rule, err := compileRule(key, cfg)
		if err != nil {
			return nil, x402.NewConfigurationError(fmt.Sprintf("route %q", key), err)
		}
		rules = append(rules, rule)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.exact != b.exact {
			return a.exact
		}
		if a.literalLen != b.literalLen {
			return a.literalLen > b.literalLen
		}
		if (len(a.Methods) > 0) != (len(b.Methods) > 0) {
			return len(a.Methods) > 0
		}
		return a.Pattern < b.Pattern
	})

	return &CompiledRoutes{rules: rules}, nil
}

func compileRule(key string, cfg RouteConfig) (*RouteRule, error) {
	methods, path, err := splitRouteKey(key)
	if err != nil {
		return nil, err
	}
	for _, m := range cfg.Methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !httpMethods[m] {
			return nil, fmt.Errorf("%w: unknown method %q", x402.ErrInvalidRoute, m)
		}
		methods = append(methods, m)
	}
	methods = dedupeSorted(methods)

	network, err := x402.LookupNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	amount, err := pricing.Resolve(cfg.Price, network.ID)
	if err != nil {
		return nil, err
	}
	if cfg.Config.MaxTimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: maxTimeoutSeconds must not be negative", x402.ErrInvalidRoute)
	}

	re, exact, literalLen, err := compilePattern(path)
	if err != nil {
		return nil, err
	}

	return &RouteRule{
		Pattern:    key,
		Path:       path,
		Methods:    methods,
		Network:    network,
		Price:      cfg.Price,
		Amount:     amount,
		Config:     cfg.Config,
		re:         re,
		exact:      exact,
		literalLen: literalLen,
	}, nil
}

// splitRouteKey separates an optional method prefix from the path.
func splitRouteKey(key string) ([]string, string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, "", fmt.Errorf("%w: empty pattern", x402.ErrInvalidRoute)
	}

	var methods []string
	path := key
	if fields := strings.Fields(key); len(fields) == 2 {
		verb := strings.ToUpper(fields[0])
		switch {
		case verb == "*":
		case httpMethods[verb]:
			methods = []string{verb}
		default:
			return nil, "", fmt.Errorf("%w: unknown method %q", x402.ErrInvalidRoute, fields[0])
		}
		path = fields[1]
	} else if len(fields) > 2 {
		return nil, "", fmt.Errorf("%w: unexpected whitespace in %q", x402.ErrInvalidRoute, key)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return methods, collapsePath(path), nil
}

// compilePattern turns a route path into an anchored, case-insensitive regexp.
func compilePattern(path string) (*regexp.Regexp, bool, int, error) {
	var b strings.Builder
	b.WriteString("(?i)^")

	exact := true
	literalLen := 0

	body := path
	optionalTail := false
	if strings.HasSuffix(body, "/*") {
		body = strings.TrimSuffix(body, "/*")
		optionalTail = true
		exact = false
	}

	for i := 0; i < len(body); i++ {
		switch c := body[i]; c {
		case '*':
			b.WriteString(".*?")
			exact = false
		case '[':
			end := strings.IndexByte(body[i:], ']')
			if end < 0 {
				return nil, false, 0, fmt.Errorf("%w: unclosed parameter in %q", x402.ErrInvalidRoute, path)
			}
			if end == 1 {
				return nil, false, 0, fmt.Errorf("%w: empty parameter in %q", x402.ErrInvalidRoute, path)
			}
			b.WriteString("[^/]+")
			exact = false
			i += end
		case ']':
			return nil, false, 0, fmt.Errorf("%w: unexpected ']' in %q", x402.ErrInvalidRoute, path)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			literalLen++
		}
	}

	if optionalTail {
		b.WriteString("(?:/.*)?")
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, false, 0, fmt.Errorf("%w: %v", x402.ErrInvalidRoute, err)
	}
	return re, exact, literalLen, nil
}

// Match returns the most specific rule for path and method. Rules whose method
// filter excludes method are skipped before specificity is considered.
func (c *CompiledRoutes) Match(path, method string) (*RouteRule, bool) {
	if c == nil || len(c.rules) == 0 {
		return nil, false
	}
	normalized := NormalizePath(path)
	for _, rule := range c.rules {
		if !rule.AllowsMethod(method) {
			continue
		}
		if rule.re.MatchString(normalized) {
			return rule, true
		}
	}
	return nil, false
}

// Rules returns the compiled rules in match order.
func (c *CompiledRoutes) Rules() []*RouteRule {
	if c == nil {
		return nil
	}
	out := make([]*RouteRule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Len returns the number of rules.
func (c *CompiledRoutes) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// NormalizePath drops any query and fragment, percent-decodes, turns
// backslashes into slashes, collapses repeated slashes and removes a trailing slash.
func NormalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return collapsePath(p)
}

func collapsePath(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(p[i])
	}
	out := b.String()
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
