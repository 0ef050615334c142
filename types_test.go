package paygate

import (
	"errors"
	"math/big"
	"testing"
)

func TestRequirementTimeout(t *testing.T) {
	req := PaymentRequirement{}
	if got := req.Timeout(); got != DefaultMaxTimeoutSeconds {
		t.Errorf("Timeout() default = %d, want %d", got, DefaultMaxTimeoutSeconds)
	}

	req.MaxTimeoutSeconds = 60
	if got := req.Timeout(); got != 60 {
		t.Errorf("Timeout() = %d, want 60", got)
	}
}

func TestAuthorizationValueBigInt(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  *big.Int
	}{
		{"valid", "10000", big.NewInt(10000)},
		{"zero", "0", big.NewInt(0)},
		{"negative", "-1", nil},
		{"empty", "", nil},
		{"not a number", "lots", nil},
		{"decimal", "1.5", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := ExactAuthorization{Value: tt.value}
			got := auth.ValueBigInt()
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ValueBigInt(%q) = %v, want %v", tt.value, got, tt.want)
			}
			if got != nil && got.Cmp(tt.want) != 0 {
				t.Errorf("ValueBigInt(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestNewPaymentRequired(t *testing.T) {
	requirements := []PaymentRequirement{{
		Scheme:            "exact",
		Network:           NetworkBaseSepolia,
		MaxAmountRequired: "10000",
		Resource:          "/data",
	}}

	pr := NewPaymentRequired(requirements, "Payment required", nil)
	if pr.X402Version != X402Version {
		t.Errorf("X402Version = %d, want %d", pr.X402Version, X402Version)
	}
	if len(pr.Accepts) != 1 {
		t.Fatalf("Accepts has %d entries, want 1", len(pr.Accepts))
	}
	if pr.Extensions != nil {
		t.Errorf("Extensions = %v, want nil without discovery", pr.Extensions)
	}
}

func TestNewPaymentRequiredWithDiscovery(t *testing.T) {
	pr := NewPaymentRequired(nil, "Payment required", &ServiceDiscovery{
		Name:        "search service",
		Description: "premium search",
		Identity:    "did:web:search.example.com",
	})

	ext, ok := pr.Extensions[DiscoveryExtensionKey]
	if !ok {
		t.Fatal("discovery extension not attached")
	}
	if ext.Info["name"] != "search service" {
		t.Errorf("discovery name = %v, want %q", ext.Info["name"], "search service")
	}
	if ext.Info["identity"] != "did:web:search.example.com" {
		t.Errorf("discovery identity = %v", ext.Info["identity"])
	}
}

func TestAmountToBigInt(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{"whole units", "1", 6, "1000000", false},
		{"fractional", "1.5", 6, "1500000", false},
		{"smallest unit", "0.000001", 6, "1", false},
		{"zero", "0", 6, "0", false},
		{"negative", "-1", 6, "", true},
		{"too precise", "0.0000001", 6, "", true},
		{"malformed", "a lot", 6, "", true},
		{"negative decimals", "1", -1, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToBigInt(tt.amount, tt.decimals)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Errorf("AmountToBigInt(%q, %d) error = %v, want ErrInvalidAmount", tt.amount, tt.decimals, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AmountToBigInt(%q, %d): %v", tt.amount, tt.decimals, err)
			}
			if got.String() != tt.want {
				t.Errorf("AmountToBigInt(%q, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestBigIntToAmount(t *testing.T) {
	if got := BigIntToAmount(big.NewInt(1500000), 6); got != "1.500000" {
		t.Errorf("BigIntToAmount(1500000, 6) = %q, want %q", got, "1.500000")
	}
	if got := BigIntToAmount(nil, 6); got != "0" {
		t.Errorf("BigIntToAmount(nil, 6) = %q, want %q", got, "0")
	}
}
