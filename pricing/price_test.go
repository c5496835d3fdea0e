package pricing

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tollbooth/x402-go"
	"gopkg.in/yaml.v3"
)

func TestResolveFixed(t *testing.T) {
	tests := []struct {
		name    string
		price   string
		network string
		want    string
		wantErr error
	}{
		{name: "tenth of a cent", price: "$0.001", network: "base-sepolia", want: "1000"},
		{name: "whole dollars", price: "$3", network: "base", want: "3000000"},
		{name: "no dollar sign", price: "0.10", network: "polygon", want: "100000"},
		{name: "thousands separator", price: "$1,000.50", network: "base", want: "1000500000"},
		{name: "scientific notation", price: "1e-3", network: "base", want: "1000"},
		{name: "smallest unit", price: "$0.000001", network: "base", want: "1"},
		{name: "rounds half up", price: "$0.0000015", network: "base", want: "2"},
		{name: "rounds down below half", price: "$0.0000014", network: "base", want: "1"},
		{name: "solana", price: "$0.01", network: "solana-devnet", want: "10000"},
		{name: "below one atomic unit", price: "$0.0000004", network: "base", wantErr: x402.ErrPriceTooSmall},
		{name: "zero", price: "$0", network: "base", wantErr: x402.ErrPriceTooSmall},
		{name: "negative", price: "-1", network: "base", wantErr: x402.ErrInvalidPrice},
		{name: "not a number", price: "ten dollars", network: "base", wantErr: x402.ErrInvalidPrice},
		{name: "empty", price: "", network: "base", wantErr: x402.ErrInvalidPrice},
		{name: "too large", price: "$1000000000", network: "base", wantErr: x402.ErrInvalidPrice},
		{name: "unknown network", price: "$0.001", network: "dogechain", wantErr: x402.ErrUnsupportedNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(Fixed(tt.price), tt.network)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got.MaxAmountRequired != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got.MaxAmountRequired)
			}
			cfg, _ := x402.LookupNetwork(tt.network)
			if got.Asset.Address != cfg.USDC.Address {
				t.Errorf("Expected USDC asset %s, got %s", cfg.USDC.Address, got.Asset.Address)
			}
		})
	}
}

func TestResolveExplicit(t *testing.T) {
	asset := x402.Asset{
		Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals: 6,
		EIP712:   &x402.EIP712Domain{Name: "USDC", Version: "2"},
	}

	tests := []struct {
		name    string
		price   Price
		network string
		wantErr error
	}{
		{name: "valid", price: Explicit("25000", asset), network: "base-sepolia"},
		{name: "zero amount allowed", price: Explicit("0", asset), network: "base-sepolia"},
		{name: "decimal amount", price: Explicit("1.5", asset), network: "base-sepolia", wantErr: x402.ErrInvalidPrice},
		{name: "negative amount", price: Explicit("-5", asset), network: "base-sepolia", wantErr: x402.ErrInvalidPrice},
		{name: "bad address", price: Explicit("1", x402.Asset{Address: "0xnope", Decimals: 6}), network: "base", wantErr: x402.ErrInvalidAddress},
		{name: "bad decimals", price: Explicit("1", x402.Asset{Address: asset.Address, Decimals: 99}), network: "base", wantErr: x402.ErrInvalidPrice},
		{name: "unknown network", price: Explicit("1", asset), network: "dogechain", wantErr: x402.ErrUnsupportedNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.price, tt.network)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got.MaxAmountRequired != tt.price.explicit.Amount {
				t.Errorf("Expected amount to pass through, got %s", got.MaxAmountRequired)
			}
			if got.Asset.EIP712 == nil || got.Asset.EIP712.Name != "USDC" {
				t.Errorf("Expected asset EIP-712 domain to pass through, got %+v", got.Asset.EIP712)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	a, errA := Resolve(Fixed("$0.001"), "base")
	b, errB := Resolve(Fixed("$0.001"), "base")
	if errA != nil || errB != nil {
		t.Fatalf("Unexpected errors: %v, %v", errA, errB)
	}
	if a.MaxAmountRequired != b.MaxAmountRequired || a.Asset.Address != b.Asset.Address {
		t.Errorf("Expected identical results, got %+v and %+v", a, b)
	}
}

func TestDisplayAmount(t *testing.T) {
	if got := DisplayAmount(Fixed("$0.25"), "base"); got != 0.25 {
		t.Errorf("Expected 0.25, got %v", got)
	}
	explicit := Explicit("1500000", x402.Asset{Address: x402.BaseMainnet.USDC.Address, Decimals: 6})
	if got := DisplayAmount(explicit, "base"); got != 1.5 {
		t.Errorf("Expected 1.5, got %v", got)
	}
	if got := DisplayAmount(Fixed("abc"), "base"); got != 0 {
		t.Errorf("Expected 0 for unparsable price, got %v", got)
	}
}

func TestPriceJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantFixed bool
	}{
		{name: "string", input: `"$0.01"`, wantFixed: true},
		{name: "number", input: `0.01`, wantFixed: true},
		{name: "object", input: `{"amount":"10","asset":{"address":"0x036CbD53842c5426634e7929541eC2318f3dCF7e","decimals":6}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Price
			if err := json.Unmarshal([]byte(tt.input), &p); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if p.IsFixed() != tt.wantFixed {
				t.Errorf("Expected IsFixed=%v, got %v", tt.wantFixed, p.IsFixed())
			}
			if _, err := Resolve(p, "base"); err != nil {
				t.Errorf("Expected price to resolve, got %v", err)
			}
		})
	}
}

func TestPriceYAML(t *testing.T) {
	var doc struct {
		A Price `yaml:"a"`
		B Price `yaml:"b"`
	}
	src := `
a: "$0.001"
b:
  amount: "42"
  asset:
    address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
    decimals: 6
    eip712:
      name: USDC
      version: "2"
`
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !doc.A.IsFixed() || doc.A.String() != "$0.001" {
		t.Errorf("Unexpected fixed price: %v", doc.A)
	}
	if doc.B.IsFixed() {
		t.Fatal("Expected explicit price")
	}
	got, err := Resolve(doc.B, "base-sepolia")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.MaxAmountRequired != "42" || got.Asset.EIP712.Version != "2" {
		t.Errorf("Unexpected resolution: %+v", got)
	}
}
