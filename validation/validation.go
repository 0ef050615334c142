// Package validation matches submitted payments against declared
// requirements. All checks are local and offline; signature and balance
// verification belong to the facilitator.
package validation

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"github.com/machinepay/paygate"
)

// ValidateRequirement checks a requirement's internal invariants: a positive
// atomic amount, a non-empty resource, a supported network, a well-formed
// payee address, and a supported scheme.
func ValidateRequirement(req paygate.PaymentRequirement) error {
	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("%w: maxAmountRequired must be a positive integer, got %q",
			paygate.ErrInvalidAmount, req.MaxAmountRequired)
	}

	if req.Resource == "" {
		return fmt.Errorf("%w: resource cannot be empty", paygate.ErrInvalidPaymentFormat)
	}

	networkType, err := paygate.ValidateNetwork(req.Network)
	if err != nil {
		return err
	}
	if _, err := paygate.GetChainConfig(req.Network); err != nil {
		return err
	}

	if req.PayTo == "" {
		return paygate.ErrMissingPayee
	}
	if err := validateAddress(req.PayTo, networkType); err != nil {
		return fmt.Errorf("payTo: %w", err)
	}

	switch req.Scheme {
	case "exact":
	case "":
		return fmt.Errorf("%w: scheme cannot be empty", paygate.ErrUnsupportedScheme)
	default:
		return fmt.Errorf("%w: %s", paygate.ErrUnsupportedScheme, req.Scheme)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout cannot be negative: %d",
			paygate.ErrInvalidPaymentFormat, req.MaxTimeoutSeconds)
	}

	return nil
}

// ValidatePayload checks the structural validity of a submitted payment:
// protocol version, scheme and network presence, and a parseable
// authorization. Content matching against requirements is Match's job.
func ValidatePayload(payload *paygate.PaymentPayload) error {
	if payload == nil {
		return fmt.Errorf("%w: payload is nil", paygate.ErrInvalidPaymentFormat)
	}
	if payload.X402Version != paygate.X402Version {
		return fmt.Errorf("%w: got version %d, expected %d",
			paygate.ErrUnsupportedVersion, payload.X402Version, paygate.X402Version)
	}
	if payload.Scheme == "" {
		return fmt.Errorf("%w: scheme cannot be empty", paygate.ErrInvalidPaymentFormat)
	}
	if _, err := paygate.ValidateNetwork(payload.Network); err != nil {
		return err
	}
	if payload.Authorization.To == "" {
		return fmt.Errorf("%w: authorization is missing a recipient", paygate.ErrInvalidPaymentFormat)
	}
	if payload.Authorization.ValueBigInt() == nil {
		return fmt.Errorf("%w: authorization value %q is not a valid amount",
			paygate.ErrInvalidPaymentFormat, payload.Authorization.Value)
	}
	return nil
}

// Match finds the first requirement the payload satisfies, in the original
// tier order. A candidate survives when its scheme and network equal the
// payload's, the authorized value covers the candidate's amount (integer
// comparison in atomic units), and the authorized recipient is the
// candidate's payee (case-insensitively for hex addresses).
//
// Fails with ErrNoMatchingRequirement carrying the most specific rejection
// reason observed across candidates.
func Match(requirements []paygate.PaymentRequirement, payload *paygate.PaymentPayload) (*paygate.PaymentRequirement, error) {
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	if len(requirements) == 0 {
		return nil, paygate.NewPaymentError(paygate.ErrCodeNoMatchingRequirement,
			"no payment requirements offered", paygate.ErrNoMatchingRequirement)
	}

	value := payload.Authorization.ValueBigInt()

	// Most specific reason wins across tiers: payee > amount > scheme/network.
	// An earlier tier's specific rejection is never downgraded by a later
	// tier's less specific one.
	const (
		rankNetwork = iota
		rankAmount
		rankPayee
	)
	reason := "no requirement matches the payment's scheme and network"
	rank := rankNetwork

	for i := range requirements {
		req := &requirements[i]

		if req.Scheme != payload.Scheme || !paygate.SameNetwork(req.Network, payload.Network) {
			continue
		}

		required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
		if !ok {
			continue
		}
		if value.Cmp(required) < 0 {
			if rank < rankAmount {
				reason = fmt.Sprintf("insufficient amount: paid %s, required %s", value, required)
				rank = rankAmount
			}
			continue
		}

		if !sameAddress(payload.Authorization.To, req.PayTo, req.Network) {
			if rank < rankPayee {
				reason = fmt.Sprintf("payee mismatch: paid to %s, required %s",
					payload.Authorization.To, req.PayTo)
				rank = rankPayee
			}
			continue
		}

		return req, nil
	}

	return nil, paygate.NewPaymentError(paygate.ErrCodeNoMatchingRequirement, reason,
		paygate.ErrNoMatchingRequirement).
		WithDetails("scheme", payload.Scheme).
		WithDetails("network", payload.Network)
}

// CheckExpiry fails with ErrPaymentExpired when the requirement's validity
// window, counted from the moment the requirement was issued (not from any
// payload timestamp), has elapsed at now.
func CheckExpiry(req paygate.PaymentRequirement, issuedAt, now time.Time) error {
	window := time.Duration(req.Timeout()) * time.Second
	if now.Sub(issuedAt) > window {
		return paygate.NewPaymentError(paygate.ErrCodePaymentExpired,
			fmt.Sprintf("requirement issued at %s is only payable for %s",
				issuedAt.UTC().Format(time.RFC3339), window),
			paygate.ErrPaymentExpired)
	}
	return nil
}

// CheckAuthorizationWindow fails when the authorization's own validity bounds
// exclude now: ErrPaymentExpired once validBefore has passed, and a format
// error before validAfter. Empty bounds are skipped.
func CheckAuthorizationWindow(auth paygate.ExactAuthorization, now time.Time) error {
	if auth.ValidBefore != "" {
		deadline, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: validBefore %q is not a unix timestamp",
				paygate.ErrInvalidPaymentFormat, auth.ValidBefore)
		}
		if now.Unix() >= deadline {
			return paygate.NewPaymentError(paygate.ErrCodePaymentExpired,
				fmt.Sprintf("authorization expired at %s",
					time.Unix(deadline, 0).UTC().Format(time.RFC3339)),
				paygate.ErrPaymentExpired)
		}
	}
	if auth.ValidAfter != "" {
		start, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: validAfter %q is not a unix timestamp",
				paygate.ErrInvalidPaymentFormat, auth.ValidAfter)
		}
		if now.Unix() < start {
			return fmt.Errorf("%w: authorization not valid until %s",
				paygate.ErrInvalidPaymentFormat,
				time.Unix(start, 0).UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// sameAddress compares two addresses with network-appropriate semantics:
// checksum-insensitive for EVM hex addresses, canonical base58 for Solana,
// case-insensitive string equality otherwise.
func sameAddress(a, b, network string) bool {
	networkType, err := paygate.ValidateNetwork(network)
	if err != nil {
		return strings.EqualFold(a, b)
	}

	switch networkType {
	case paygate.NetworkTypeEVM:
		if common.IsHexAddress(a) && common.IsHexAddress(b) {
			return common.HexToAddress(a) == common.HexToAddress(b)
		}
		return strings.EqualFold(a, b)
	case paygate.NetworkTypeSVM:
		pa, errA := solana.PublicKeyFromBase58(a)
		pb, errB := solana.PublicKeyFromBase58(b)
		if errA != nil || errB != nil {
			return a == b
		}
		return pa.Equals(pb)
	default:
		return strings.EqualFold(a, b)
	}
}

// validateAddress checks an address's form for the given network type.
func validateAddress(address string, networkType paygate.NetworkType) error {
	switch networkType {
	case paygate.NetworkTypeEVM:
		if !common.IsHexAddress(address) {
			return fmt.Errorf("%w: invalid EVM address %q", paygate.ErrInvalidPaymentFormat, address)
		}
	case paygate.NetworkTypeSVM:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("%w: invalid Solana address %q", paygate.ErrInvalidPaymentFormat, address)
		}
	}
	return nil
}
