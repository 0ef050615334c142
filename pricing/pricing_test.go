package pricing

import (
	"errors"
	"testing"

	"github.com/machinepay/paygate"
)

const testPayTo = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"

func TestUSDConverterToAtomicUnits(t *testing.T) {
	tests := []struct {
		name    string
		price   string
		want    string
		wantErr bool
	}{
		{"dollar prefix", "$5.00", "5000000", false},
		{"no prefix", "5.00", "5000000", false},
		{"whole number", "5", "5000000", false},
		{"cents", "$0.01", "10000", false},
		{"smallest unit", "$0.000001", "1", false},
		{"atomic passthrough", "atomic:12345", "12345", false},
		{"surrounding whitespace", " $2.50 ", "2500000", false},
		{"empty", "", "", true},
		{"just the dollar sign", "$", "", true},
		{"zero", "$0", "", true},
		{"negative", "-1", "", true},
		{"too precise", "$0.0000001", "", true},
		{"words", "five dollars", "", true},
		{"bad atomic", "atomic:1.5", "", true},
		{"negative atomic", "atomic:-5", "", true},
	}

	c := USDConverter{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ToAtomicUnits(tt.price, paygate.NetworkBaseSepolia)
			if tt.wantErr {
				if !errors.Is(err, paygate.ErrInvalidPriceFormat) {
					t.Errorf("ToAtomicUnits(%q) error = %v, want ErrInvalidPriceFormat", tt.price, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToAtomicUnits(%q): %v", tt.price, err)
			}
			if got != tt.want {
				t.Errorf("ToAtomicUnits(%q) = %q, want %q", tt.price, got, tt.want)
			}
		})
	}
}

func TestUSDConverterCustomDecimals(t *testing.T) {
	c := USDConverter{Decimals: 2}
	got, err := c.ToAtomicUnits("$5.00", paygate.NetworkBaseSepolia)
	if err != nil {
		t.Fatalf("ToAtomicUnits: %v", err)
	}
	if got != "500" {
		t.Errorf("ToAtomicUnits with 2 decimals = %q, want %q", got, "500")
	}
}

func TestBuild(t *testing.T) {
	b := NewBuilder("base-sepolia", "USDC", testPayTo)

	req, err := b.Build("$0.01", "/data", "basic access")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if req.Scheme != "exact" {
		t.Errorf("Scheme = %q, want exact", req.Scheme)
	}
	if req.MaxAmountRequired != "10000" {
		t.Errorf("MaxAmountRequired = %q, want 10000", req.MaxAmountRequired)
	}
	if req.Asset != paygate.BaseSepolia.USDCAddress {
		t.Errorf("Asset = %q, want resolved USDC address", req.Asset)
	}
	if req.PayTo != testPayTo {
		t.Errorf("PayTo = %q", req.PayTo)
	}
	if req.Resource != "/data" {
		t.Errorf("Resource = %q", req.Resource)
	}
	if req.Timeout() != paygate.DefaultMaxTimeoutSeconds {
		t.Errorf("Timeout() = %d, want default", req.Timeout())
	}
}

func TestBuildMissingPayee(t *testing.T) {
	b := NewBuilder("base-sepolia", "USDC", "")
	_, err := b.Build("$1.00", "/data", "")
	if !errors.Is(err, paygate.ErrMissingPayee) {
		t.Errorf("Build() without payee = %v, want ErrMissingPayee", err)
	}
	if code := paygate.CodeOf(err); code != paygate.ErrCodeMissingPayee {
		t.Errorf("CodeOf() = %q, want %q", code, paygate.ErrCodeMissingPayee)
	}
}

func TestBuildInvalidPrice(t *testing.T) {
	b := NewBuilder("base-sepolia", "USDC", testPayTo)
	_, err := b.Build("a fair amount", "/data", "")
	if !errors.Is(err, paygate.ErrInvalidPriceFormat) {
		t.Errorf("Build() with bad price = %v, want ErrInvalidPriceFormat", err)
	}
}

func TestBuildEmptyResource(t *testing.T) {
	b := NewBuilder("base-sepolia", "USDC", testPayTo)
	if _, err := b.Build("$1.00", "", ""); err == nil {
		t.Error("Build() with empty resource succeeded, want error")
	}
}

func TestBuildUnknownNetwork(t *testing.T) {
	b := NewBuilder("made-up-chain", "USDC", testPayTo)
	_, err := b.Build("$1.00", "/data", "")
	if !errors.Is(err, paygate.ErrInvalidNetwork) {
		t.Errorf("Build() on unknown network = %v, want ErrInvalidNetwork", err)
	}
}

func TestBuildTiers(t *testing.T) {
	b := NewBuilder("base-sepolia", "USDC", testPayTo)

	tiers, err := b.BuildTiers("/data", []Tier{
		{Price: "$2", Description: "basic"},
		{Price: "$5", Description: "premium"},
	})
	if err != nil {
		t.Fatalf("BuildTiers: %v", err)
	}

	if len(tiers) != 2 {
		t.Fatalf("BuildTiers returned %d requirements, want 2", len(tiers))
	}
	if tiers[0].Description != "basic" || tiers[0].MaxAmountRequired != "2000000" {
		t.Errorf("tier 0 = %+v", tiers[0])
	}
	if tiers[1].Description != "premium" || tiers[1].MaxAmountRequired != "5000000" {
		t.Errorf("tier 1 = %+v", tiers[1])
	}
	for _, tier := range tiers {
		if tier.Resource != "/data" {
			t.Errorf("tier resource = %q, want shared /data", tier.Resource)
		}
		if tier.PayTo != testPayTo {
			t.Errorf("tier payee = %q", tier.PayTo)
		}
	}
}

func TestBuildTiersEmpty(t *testing.T) {
	b := NewBuilder("base-sepolia", "USDC", testPayTo)
	if _, err := b.BuildTiers("/data", nil); err == nil {
		t.Error("BuildTiers() with no tiers succeeded, want error")
	}
}

func TestBuildTiersPropagatesTierError(t *testing.T) {
	b := NewBuilder("base-sepolia", "USDC", testPayTo)
	_, err := b.BuildTiers("/data", []Tier{
		{Price: "$2", Description: "basic"},
		{Price: "broken", Description: "premium"},
	})
	if !errors.Is(err, paygate.ErrInvalidPriceFormat) {
		t.Errorf("BuildTiers() with one bad tier = %v, want ErrInvalidPriceFormat", err)
	}
}
