// Package paygate implements a machine-payable service gateway protocol.
//
// A service declares a price for a protected operation, a caller submits
// cryptographic proof of payment, the gateway verifies that proof against the
// declared requirements, gates execution on verification, and settles the
// payment exactly once after the protected work has succeeded.
//
// Cryptographic verification and on-chain settlement are delegated to an
// external facilitator service; this package decides when to call it, with
// what arguments, and what to do with the result.
//
// Import path: github.com/machinepay/paygate
package paygate

import "math/big"

// Protocol version constant
const X402Version = 1

// DefaultMaxTimeoutSeconds is the requirement validity window applied when a
// requirement does not specify one.
const DefaultMaxTimeoutSeconds = 600

// PaymentRequirement declares a single acceptable way to pay for a resource.
// A resource may offer several requirements as alternative pricing tiers; all
// tiers share Resource and differ in amount and description.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier, either CAIP-2
	// (e.g., "eip155:84532") or a registered short name (e.g., "base-sepolia").
	Network string `json:"network"`

	// Asset is the token contract address (EVM), mint address (Solana),
	// or a registered token symbol such as "USDC".
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// MaxAmountRequired is the price in atomic units as a decimal string.
	// Must parse to a positive integer.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Resource identifies the protected operation (a URL, path, or tool name).
	Resource string `json:"resource"`

	// Description is an optional human-readable description of what is bought.
	Description string `json:"description,omitempty"`

	// MaxTimeoutSeconds is how long the requirement stays payable after it is
	// issued. Zero means DefaultMaxTimeoutSeconds.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty"`

	// InputSchema optionally describes the protected operation's input for
	// discovery responses.
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`

	// OutputSchema optionally describes the protected operation's output for
	// discovery responses.
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`

	// Extra contains scheme-specific additional data.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Timeout returns the requirement's validity window in seconds, applying the
// default when unset.
func (r PaymentRequirement) Timeout() int {
	if r.MaxTimeoutSeconds > 0 {
		return r.MaxTimeoutSeconds
	}
	return DefaultMaxTimeoutSeconds
}

// ExactAuthorization is the authorization block of a payment payload for the
// "exact" scheme: a signed transfer of a fixed value to a fixed recipient.
type ExactAuthorization struct {
	// From is the payer's address.
	From string `json:"from,omitempty"`

	// To is the recipient address the caller actually paid.
	To string `json:"to"`

	// Value is the paid amount in atomic units as a decimal string.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter,omitempty"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore,omitempty"`

	// Nonce is a unique hex string preventing replay; facilitators key
	// settlement idempotency on it.
	Nonce string `json:"nonce,omitempty"`

	// Signature is the hex-encoded proof over the authorization.
	Signature string `json:"signature,omitempty"`
}

// ValueBigInt parses the authorization value into atomic units.
// Returns nil when the value is not a valid non-negative integer.
func (a ExactAuthorization) ValueBigInt() *big.Int {
	v, ok := new(big.Int).SetString(a.Value, 10)
	if !ok || v.Sign() < 0 {
		return nil
	}
	return v
}

// PaymentPayload is caller-submitted evidence of payment intent.
// It is created by the caller, transmitted once, and consumed; it is never
// mutated after submission.
type PaymentPayload struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme the payload was built for.
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Authorization contains the signed transfer parameters.
	Authorization ExactAuthorization `json:"authorization"`

	// Extensions contains protocol extensions (passthrough, not validated).
	Extensions map[string]Extension `json:"extensions,omitempty"`
}

// Extension represents a protocol extension with its data and schema.
type Extension struct {
	// Info contains the extension data.
	Info map[string]interface{} `json:"info"`

	// Schema contains the JSON schema for validating info (passthrough only).
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// ServiceDiscovery is caller-facing metadata about the paid service, carried
// in the "discovery" extension of a PaymentRequired response.
type ServiceDiscovery struct {
	// Name is the service's display name.
	Name string `json:"name"`

	// Description says what the service does.
	Description string `json:"description,omitempty"`

	// Identity is a resolvable identity reference for the service
	// (a DID, an agent-card URL, or similar).
	Identity string `json:"identity,omitempty"`
}

// DiscoveryExtensionKey is the Extensions map key for service discovery metadata.
const DiscoveryExtensionKey = "discovery"

// PaymentRequired is the 402 rejection body sent when a protected operation is
// called without acceptable payment. Other implementations must match this
// shape bit-exactly.
type PaymentRequired struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Error is a human-readable explanation of the rejection.
	Error string `json:"error,omitempty"`

	// Accepts lists the payment options the server will accept.
	Accepts []PaymentRequirement `json:"accepts"`

	// Extensions carries service discovery metadata and other extensions.
	Extensions map[string]Extension `json:"extensions,omitempty"`
}

// NewPaymentRequired builds a 402 rejection body for the given requirements,
// attaching discovery metadata when provided.
func NewPaymentRequired(requirements []PaymentRequirement, errMsg string, discovery *ServiceDiscovery) PaymentRequired {
	pr := PaymentRequired{
		X402Version: X402Version,
		Error:       errMsg,
		Accepts:     requirements,
	}
	if discovery != nil {
		pr.Extensions = map[string]Extension{
			DiscoveryExtensionKey: {
				Info: map[string]interface{}{
					"name":        discovery.Name,
					"description": discovery.Description,
					"identity":    discovery.Identity,
				},
			},
		}
	}
	return pr
}

// VerifyResponse is returned by the facilitator /verify endpoint.
type VerifyResponse struct {
	// IsValid indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// InvalidReason provides a short error code if the payment is invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	// InvalidMessage provides a human-readable error message if invalid.
	InvalidMessage string `json:"invalidMessage,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SettleResponse is returned by the facilitator /settle endpoint.
// A successful response doubles as the settlement receipt cached by the
// payment state store.
type SettleResponse struct {
	// Success indicates whether the payment was settled on chain.
	Success bool `json:"success"`

	// ErrorReason provides a short error code if settlement failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// ErrorMessage provides a human-readable error message if settlement failed.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Transaction is the blockchain transaction hash.
	Transaction string `json:"transaction"`

	// Network is the network the payment settled on.
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SupportedKind describes a payment type supported by a facilitator.
type SupportedKind struct {
	// X402Version is the protocol version supported.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Extra contains scheme-specific additional data.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by the facilitator /supported endpoint.
type SupportedResponse struct {
	// Kinds lists the payment types supported by the facilitator.
	Kinds []SupportedKind `json:"kinds"`

	// Extensions lists the extension identifiers supported.
	Extensions []string `json:"extensions,omitempty"`

	// Signers maps network patterns to signer addresses.
	Signers map[string][]string `json:"signers,omitempty"`
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative, fractional past the
// token's precision, or malformed.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}

	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}
