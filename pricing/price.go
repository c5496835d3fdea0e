// Package pricing converts a route's price into an atomic token amount for a network.
//
// A Price is either a fixed dollar value, converted through the network's USDC
// decimals, or an explicit atomic amount of a named asset.
package pricing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tollbooth/x402-go"
	"github.com/tollbooth/x402-go/validation"
	"gopkg.in/yaml.v3"
)

// MaxFixedPrice is the largest accepted fixed dollar price.
var MaxFixedPrice = decimal.NewFromInt(999_999_999)

// maxDecimals bounds explicit asset precision.
const maxDecimals = 36

// Price is a tagged variant: exactly one of the fixed value or the explicit amount is set.
// The zero Price is invalid.
type Price struct {
	fixed    string
	explicit *explicitAmount
}

type explicitAmount struct {
	Amount string     `json:"amount" yaml:"amount"`
	Asset  x402.Asset `json:"asset" yaml:"asset"`
}

// Fixed returns a dollar price such as "$0.001", "0.10" or "1,000".
func Fixed(value string) Price {
	return Price{fixed: value}
}

// Explicit returns a price of amount atomic units of asset.
func Explicit(amount string, asset x402.Asset) Price {
	return Price{explicit: &explicitAmount{Amount: amount, Asset: asset}}
}

// IsFixed reports whether p is a fixed dollar price.
func (p Price) IsFixed() bool {
	return p.explicit == nil
}

// String returns the price as configured.
func (p Price) String() string {
	if p.explicit != nil {
		return p.explicit.Amount + " of " + p.explicit.Asset.Address
	}
	return p.fixed
}

// Resolved is the outcome of price resolution.
type Resolved struct {
	// MaxAmountRequired is the amount in atomic units.
	MaxAmountRequired string

	// Asset is the token being paid.
	Asset x402.Asset
}

// Resolve converts p to an atomic amount on network.
//
// Errors wrap x402.ErrUnsupportedNetwork, x402.ErrInvalidPrice, x402.ErrPriceTooSmall
// or x402.ErrInvalidAddress.
func Resolve(p Price, network string) (Resolved, error) {
	cfg, err := x402.LookupNetwork(network)
	if err != nil {
		return Resolved{}, err
	}

	if p.explicit != nil {
		return resolveExplicit(*p.explicit, cfg)
	}

	usd, err := parseMoney(p.fixed)
	if err != nil {
		return Resolved{}, err
	}

	atomic := usd.Shift(cfg.USDC.Decimals).Round(0)
	if atomic.LessThan(decimal.NewFromInt(1)) {
		return Resolved{}, fmt.Errorf("%w: %q is less than one atomic unit on %s", x402.ErrPriceTooSmall, p.fixed, network)
	}

	return Resolved{
		MaxAmountRequired: atomic.BigInt().String(),
		Asset:             cfg.USDC,
	}, nil
}

// DisplayAmount returns the price in whole token units, for display only.
func DisplayAmount(p Price, network string) float64 {
	if p.explicit == nil {
		usd, err := parseMoney(p.fixed)
		if err != nil {
			return 0
		}
		f, _ := usd.Float64()
		return f
	}
	amt, err := decimal.NewFromString(p.explicit.Amount)
	if err != nil {
		return 0
	}
	f, _ := amt.Shift(-p.explicit.Asset.Decimals).Float64()
	return f
}

func resolveExplicit(e explicitAmount, cfg x402.NetworkConfig) (Resolved, error) {
	if err := validation.ValidateAmount(e.Amount); err != nil {
		return Resolved{}, err
	}
	if e.Asset.Decimals < 0 || e.Asset.Decimals > maxDecimals {
		return Resolved{}, fmt.Errorf("%w: asset decimals must be between 0 and %d, got %d", x402.ErrInvalidPrice, maxDecimals, e.Asset.Decimals)
	}
	if err := validation.ValidateAddress(e.Asset.Address, cfg.ID); err != nil {
		return Resolved{}, err
	}
	return Resolved{MaxAmountRequired: e.Amount, Asset: e.Asset}, nil
}

// parseMoney strips currency formatting and parses a non-negative decimal.
func parseMoney(s string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '$', ',', '_', ' ', '\t':
			return -1
		}
		return r
	}, s)

	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %q. Must be in the form \"$3.10\", 0.10, \"0.001\"", x402.ErrInvalidPrice, s)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q. Must be in the form \"$3.10\", 0.10, \"0.001\"", x402.ErrInvalidPrice, s)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: %q must not be negative", x402.ErrInvalidPrice, s)
	}
	if d.GreaterThan(MaxFixedPrice) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q exceeds the maximum of %s", x402.ErrInvalidPrice, s, MaxFixedPrice)
	}
	return d, nil
}

// MarshalJSON renders a fixed price as a string and an explicit price as {amount, asset}.
func (p Price) MarshalJSON() ([]byte, error) {
	if p.explicit != nil {
		return json.Marshal(p.explicit)
	}
	return json.Marshal(p.fixed)
}

// UnmarshalJSON accepts a string, a number or an {amount, asset} object.
func (p *Price) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var e explicitAmount
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidPrice, err)
		}
		*p = Price{explicit: &e}
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidPrice, err)
		}
		*p = Fixed(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidPrice, err)
		}
		*p = Fixed(n.String())
	}
	return nil
}

// UnmarshalYAML accepts a scalar or an {amount, asset} mapping.
func (p *Price) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = Fixed(node.Value)
	case yaml.MappingNode:
		var e explicitAmount
		if err := node.Decode(&e); err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidPrice, err)
		}
		*p = Price{explicit: &e}
	default:
		return fmt.Errorf("%w: price must be a scalar or a mapping (line %d)", x402.ErrInvalidPrice, node.Line)
	}
	return nil
}
