package encoding

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/machinepay/paygate"
)

func TestPaymentRoundTrip(t *testing.T) {
	payment := paygate.PaymentPayload{
		X402Version: 2,
		Scheme:      "exact",
		Network:     "eip155:84532",
		Authorization: paygate.ExactAuthorization{
			From:      "0x857b06519E91e3A54538791bDbb0E22373e36b66",
			To:        "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			Value:     "10000",
			Nonce:     "0xf374",
			Signature: "0xsig",
		},
	}

	encoded, err := EncodePayment(payment)
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("encoded header is not valid base64: %v", err)
	}

	decoded, err := DecodePayment(encoded)
	if err != nil {
		t.Fatalf("DecodePayment: %v", err)
	}
	if decoded.Authorization.Nonce != payment.Authorization.Nonce {
		t.Errorf("nonce = %q, want %q", decoded.Authorization.Nonce, payment.Authorization.Nonce)
	}
	if decoded.Network != payment.Network {
		t.Errorf("network = %q, want %q", decoded.Network, payment.Network)
	}
}

func TestDecodePaymentInvalidBase64(t *testing.T) {
	_, err := DecodePayment("not base64!!!")
	if err == nil {
		t.Fatal("DecodePayment accepted invalid base64")
	}
	if !strings.Contains(err.Error(), "base64") {
		t.Errorf("error %q does not mention base64", err)
	}
}

func TestDecodePaymentInvalidJSON(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("{not json"))
	if _, err := DecodePayment(encoded); err == nil {
		t.Fatal("DecodePayment accepted malformed JSON")
	}
}

func TestSettlementRoundTrip(t *testing.T) {
	settlement := paygate.SettleResponse{
		Success:     true,
		Transaction: "0x1234567890abcdef",
		Network:     "eip155:84532",
		Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
	}

	encoded, err := EncodeSettlement(settlement)
	if err != nil {
		t.Fatalf("EncodeSettlement: %v", err)
	}
	decoded, err := DecodeSettlement(encoded)
	if err != nil {
		t.Fatalf("DecodeSettlement: %v", err)
	}
	if !decoded.Success || decoded.Transaction != settlement.Transaction {
		t.Errorf("decoded = %+v, want %+v", decoded, settlement)
	}
}

func TestRequirementsRoundTrip(t *testing.T) {
	required := paygate.NewPaymentRequired([]paygate.PaymentRequirement{
		{
			Scheme:            "exact",
			Network:           "eip155:84532",
			MaxAmountRequired: "10000",
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			Resource:          "https://api.example.com/data",
		},
	}, "Payment required", nil)

	encoded, err := EncodeRequirements(required)
	if err != nil {
		t.Fatalf("EncodeRequirements: %v", err)
	}
	decoded, err := DecodeRequirements(encoded)
	if err != nil {
		t.Fatalf("DecodeRequirements: %v", err)
	}
	if decoded.X402Version != required.X402Version {
		t.Errorf("x402Version = %d, want %d", decoded.X402Version, required.X402Version)
	}
	if len(decoded.Accepts) != 1 || decoded.Accepts[0].MaxAmountRequired != "10000" {
		t.Errorf("accepts = %+v, want the original requirement", decoded.Accepts)
	}
}
