// Package paywall renders the browser pages a gate serves instead of a JSON
// 402 body: the wallet paywall and the human-check page.
package paywall

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"github.com/tollbooth/x402-go"
)

//go:embed templates/paywall.html
var defaultTemplate string

//go:embed templates/captcha.html
var captchaSource string

var captchaTemplate = template.Must(template.New("captcha").Parse(captchaSource))

// Config holds the gate-wide paywall settings.
type Config struct {
	CDPClientKey         string `json:"cdpClientKey,omitempty" yaml:"cdpClientKey,omitempty"`
	AppName              string `json:"appName,omitempty" yaml:"appName,omitempty"`
	AppLogo              string `json:"appLogo,omitempty" yaml:"appLogo,omitempty"`
	SessionTokenEndpoint string `json:"sessionTokenEndpoint,omitempty" yaml:"sessionTokenEndpoint,omitempty"`
}

// Options is everything one rendered paywall page needs.
type Options struct {
	Config

	// Amount is the price in whole token units, shown to the user.
	Amount float64

	// PaymentRequirements are the options the page may pay with.
	PaymentRequirements []x402.PaymentRequirement

	// CurrentURL is the URL the page retries with the payment header.
	CurrentURL string

	// Testnet enables the testnet banner and console logging.
	Testnet bool
}

type chainEntry struct {
	Network     string `json:"network"`
	USDCAddress string `json:"usdcAddress"`
	USDCName    string `json:"usdcName"`
}

// chainConfig maps EVM chain ids to their USDC contract, keyed as strings.
func chainConfig() map[string]chainEntry {
	out := make(map[string]chainEntry)
	for _, id := range x402.Networks() {
		cfg, err := x402.LookupNetwork(id)
		if err != nil || cfg.Type != x402.NetworkTypeEVM {
			continue
		}
		name := "USDC"
		if cfg.USDC.EIP712 != nil {
			name = cfg.USDC.EIP712.Name
		}
		out[strconv.FormatInt(cfg.ChainID, 10)] = chainEntry{
			Network:     cfg.ID,
			USDCAddress: cfg.USDC.Address,
			USDCName:    name,
		}
	}
	return out
}

// HTML renders the default paywall page.
func HTML(opts Options) (string, error) {
	return Render(defaultTemplate, opts)
}

// Render injects the window.x402 configuration script into page, just before
// </head>. Pages without a head get the script prepended.
func Render(page string, opts Options) (string, error) {
	script, err := configScript(opts)
	if err != nil {
		return "", err
	}

	idx := strings.Index(strings.ToLower(page), "</head>")
	if idx < 0 {
		return script + page, nil
	}
	return page[:idx] + script + "\n" + page[idx:], nil
}

func configScript(opts Options) (string, error) {
	requirements := opts.PaymentRequirements
	if requirements == nil {
		requirements = []x402.PaymentRequirement{}
	}

	parts := []struct {
		key   string
		value interface{}
	}{
		{"amount", opts.Amount},
		{"paymentRequirements", requirements},
		{"testnet", opts.Testnet},
		{"currentUrl", opts.CurrentURL},
		{"config", map[string]interface{}{"chainConfig": chainConfig()}},
		{"cdpClientKey", opts.CDPClientKey},
		{"appName", opts.AppName},
		{"appLogo", opts.AppLogo},
		{"sessionTokenEndpoint", opts.SessionTokenEndpoint},
	}

	var b strings.Builder
	b.WriteString("<script>\n  window.x402 = {\n")
	for i, p := range parts {
		// json.Marshal escapes <, > and &, so values cannot close the script tag.
		raw, err := json.Marshal(p.value)
		if err != nil {
			return "", fmt.Errorf("paywall: encode %s: %w", p.key, err)
		}
		b.WriteString("    ")
		b.WriteString(p.key)
		b.WriteString(": ")
		b.Write(raw)
		if i < len(parts)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("  };\n")
	if opts.Testnet {
		b.WriteString("  console.log('Payment requirements initialized:', window.x402);\n")
	}
	b.WriteString("</script>")
	return b.String(), nil
}

// CaptchaPage is the data for the human-check page.
type CaptchaPage struct {
	// Question is the arithmetic prompt, e.g. "7 + 5".
	Question string

	// Challenge is the opaque token carrying the expected answer.
	Challenge string

	// Path is the protected path the pass is issued for.
	Path string

	// SolveEndpoint receives the answer as JSON.
	SolveEndpoint string
}

// FailURL is where the page sends users who give up or answer wrongly.
func (p CaptchaPage) FailURL() string {
	return p.Path + "?captcha=fail"
}

// CaptchaHTML renders the human-check page.
func CaptchaHTML(page CaptchaPage) (string, error) {
	var buf bytes.Buffer
	if err := captchaTemplate.Execute(&buf, page); err != nil {
		return "", fmt.Errorf("paywall: render captcha: %w", err)
	}
	return buf.String(), nil
}
