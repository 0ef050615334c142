// Package pricing builds priced-resource descriptors.
//
// A Builder turns a human price string (e.g. "$5.00") or an atomic-unit
// string into an immutable PaymentRequirement, and can emit several
// requirements for one resource as alternative pricing tiers.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/machinepay/paygate"
)

// Converter normalizes a price string into atomic units for a network.
// Implementations are chain-specific; the default understands USD prices
// against six-decimal stablecoins.
type Converter interface {
	// ToAtomicUnits converts price into an atomic-unit decimal string.
	ToAtomicUnits(price string, network string) (string, error)
}

// USDConverter converts dollar price strings against a token with a fixed
// number of decimals. "$5.00", "5.00" and "5" all convert to the same amount;
// a string prefixed with "atomic:" passes through unconverted.
type USDConverter struct {
	// Decimals is the token precision. Zero means 6 (USDC).
	Decimals int32
}

// ToAtomicUnits implements Converter.
func (c USDConverter) ToAtomicUnits(price string, network string) (string, error) {
	decimals := c.Decimals
	if decimals == 0 {
		decimals = 6
	}

	trimmed := strings.TrimSpace(price)
	if raw, ok := strings.CutPrefix(trimmed, "atomic:"); ok {
		return parseAtomic(raw)
	}
	trimmed = strings.TrimPrefix(trimmed, "$")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty price", paygate.ErrInvalidPriceFormat)
	}

	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", paygate.ErrInvalidPriceFormat, price)
	}
	if d.Sign() <= 0 {
		return "", fmt.Errorf("%w: price must be positive, got %q", paygate.ErrInvalidPriceFormat, price)
	}

	atomic := d.Shift(decimals)
	if !atomic.Equal(atomic.Truncate(0)) {
		return "", fmt.Errorf("%w: %q has more than %d decimal places", paygate.ErrInvalidPriceFormat, price, decimals)
	}
	return atomic.String(), nil
}

// parseAtomic validates a raw atomic-unit string.
func parseAtomic(raw string) (string, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.Equal(d.Truncate(0)) {
		return "", fmt.Errorf("%w: invalid atomic amount %q", paygate.ErrInvalidPriceFormat, raw)
	}
	if d.Sign() <= 0 {
		return "", fmt.Errorf("%w: atomic amount must be positive, got %q", paygate.ErrInvalidPriceFormat, raw)
	}
	return d.String(), nil
}

// Tier is one price/description pair of a tiered offer.
type Tier struct {
	// Price is the tier's price string, in any form the converter accepts.
	Price string

	// Description says what this tier buys.
	Description string
}

// Builder constructs payment requirements for protected resources.
// The zero value is not usable; create one with NewBuilder.
type Builder struct {
	// Network is the network requirements are issued for.
	Network string

	// Asset is the token identifier ("USDC" or an address).
	Asset string

	// PayTo is the payee address. Required.
	PayTo string

	// Scheme defaults to "exact".
	Scheme string

	// MaxTimeoutSeconds applies to every built requirement.
	// Zero means paygate.DefaultMaxTimeoutSeconds.
	MaxTimeoutSeconds int

	// Converter normalizes price strings. Defaults to USDConverter.
	Converter Converter
}

// NewBuilder creates a Builder for the given network, asset, and payee.
func NewBuilder(network, asset, payTo string) *Builder {
	return &Builder{
		Network:   network,
		Asset:     asset,
		PayTo:     payTo,
		Scheme:    "exact",
		Converter: USDConverter{},
	}
}

// Build constructs a single requirement for resource at the given price.
// Fails with ErrInvalidPriceFormat when the price cannot be parsed and with
// ErrMissingPayee when the builder has no payee address.
func (b *Builder) Build(price, resource, description string) (paygate.PaymentRequirement, error) {
	if b.PayTo == "" {
		return paygate.PaymentRequirement{}, paygate.NewPaymentError(
			paygate.ErrCodeMissingPayee, "requirement needs a payee address", paygate.ErrMissingPayee)
	}
	if resource == "" {
		return paygate.PaymentRequirement{}, fmt.Errorf("%w: resource cannot be empty", paygate.ErrInvalidPaymentFormat)
	}
	if _, err := paygate.ValidateNetwork(b.Network); err != nil {
		return paygate.PaymentRequirement{}, err
	}

	converter := b.Converter
	if converter == nil {
		converter = USDConverter{}
	}
	amount, err := converter.ToAtomicUnits(price, b.Network)
	if err != nil {
		return paygate.PaymentRequirement{}, paygate.NewPaymentError(
			paygate.ErrCodeInvalidPriceFormat, "cannot normalize price", err).
			WithDetails("price", price)
	}

	scheme := b.Scheme
	if scheme == "" {
		scheme = "exact"
	}

	return paygate.PaymentRequirement{
		Scheme:            scheme,
		Network:           b.Network,
		Asset:             paygate.ResolveAsset(b.Asset, b.Network),
		PayTo:             b.PayTo,
		MaxAmountRequired: amount,
		Resource:          resource,
		Description:       description,
		MaxTimeoutSeconds: b.MaxTimeoutSeconds,
	}, nil
}

// BuildTiers constructs one requirement per tier for the same resource.
// All tiers share the resource and payee and differ in amount and
// description. Tier order is preserved; validators match in this order.
func (b *Builder) BuildTiers(resource string, tiers []Tier) ([]paygate.PaymentRequirement, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", paygate.ErrInvalidPaymentFormat)
	}

	requirements := make([]paygate.PaymentRequirement, 0, len(tiers))
	for i, tier := range tiers {
		req, err := b.Build(tier.Price, resource, tier.Description)
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", i, err)
		}
		requirements = append(requirements, req)
	}
	return requirements, nil
}
