// Package facilitator defines the contract for the external payment
// facilitator and provides an HTTP client for it.
//
// The facilitator performs cryptographic verification and on-chain
// settlement. This system treats it as opaque: it decides when to call
// verify and settle, with what arguments, and reacts only to the stated
// result shape.
package facilitator

import (
	"context"

	"github.com/machinepay/paygate"
)

// Interface defines the facilitator contract for payment verification and
// settlement.
type Interface interface {
	// Verify checks a payment authorization without executing the
	// transaction: signature validity, funds, and replay state.
	Verify(ctx context.Context, payload paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.VerifyResponse, error)

	// Settle executes a verified payment on the blockchain. Safe to repeat:
	// facilitators key idempotency on the payload's nonce.
	Settle(ctx context.Context, payload paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.SettleResponse, error)

	// Supported queries the facilitator for supported payment types,
	// extensions, and signers.
	Supported(ctx context.Context) (*paygate.SupportedResponse, error)
}

// VerifyRequest is the request payload sent to POST /verify.
type VerifyRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the caller.
	PaymentPayload paygate.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements paygate.PaymentRequirement `json:"paymentRequirements"`
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the caller.
	PaymentPayload paygate.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements paygate.PaymentRequirement `json:"paymentRequirements"`
}
