package facilitator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/machinepay/paygate"
)

// Failover delegates to a primary facilitator and retries against a fallback
// when the primary is unreachable. Only transport-level failures (wrapped
// paygate.ErrFacilitatorUnavailable) trigger the fallback; a rejection from
// the primary is a final answer and is returned as-is.
type Failover struct {
	// Primary handles every call first. Required.
	Primary Interface

	// Fallback handles calls the primary could not be reached for. Required.
	Fallback Interface

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

var _ Interface = (*Failover)(nil)

func (f *Failover) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Verify checks the payment with the primary facilitator, falling back when
// the primary is unreachable.
func (f *Failover) Verify(ctx context.Context, payload paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.VerifyResponse, error) {
	resp, err := f.Primary.Verify(ctx, payload, requirement)
	if err == nil || !errors.Is(err, paygate.ErrFacilitatorUnavailable) {
		return resp, err
	}
	f.logger().Warn("primary facilitator unreachable, trying fallback", "operation", "verify", "error", err)
	return f.Fallback.Verify(ctx, payload, requirement)
}

// Settle executes the payment with the primary facilitator, falling back when
// the primary is unreachable. Repeating the call against the fallback is safe
// because facilitators key idempotency on the payload's nonce.
func (f *Failover) Settle(ctx context.Context, payload paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.SettleResponse, error) {
	resp, err := f.Primary.Settle(ctx, payload, requirement)
	if err == nil || !errors.Is(err, paygate.ErrFacilitatorUnavailable) {
		return resp, err
	}
	f.logger().Warn("primary facilitator unreachable, trying fallback", "operation", "settle", "error", err)
	return f.Fallback.Settle(ctx, payload, requirement)
}

// Supported queries the primary facilitator, falling back when it is
// unreachable.
func (f *Failover) Supported(ctx context.Context) (*paygate.SupportedResponse, error) {
	resp, err := f.Primary.Supported(ctx)
	if err == nil || !errors.Is(err, paygate.ErrFacilitatorUnavailable) {
		return resp, err
	}
	f.logger().Warn("primary facilitator unreachable, trying fallback", "operation", "supported", "error", err)
	return f.Fallback.Supported(ctx)
}
