// Package settle drives payment settlement against the facilitator with
// bounded retry, exponential backoff, and exactly-once semantics.
//
// Settlement runs only after the paid-for work has produced a result; the
// gateway invokes the coordinator from its completion path. The coordinator
// consults the payment state store before every call: an already settled
// payment returns its cached receipt and performs zero network calls.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/machinepay/paygate"
	"github.com/machinepay/paygate/facilitator"
	"github.com/machinepay/paygate/metrics"
	"github.com/machinepay/paygate/state"
)

// DefaultMaxRetries is the retry budget after the first settlement attempt.
const DefaultMaxRetries = 3

// SettlementError reports settlement failure after the retry budget is
// exhausted, carrying the attempt count for observability.
type SettlementError struct {
	// Reason is the facilitator's last stated failure reason.
	Reason string

	// Attempts is the total number of facilitator calls made.
	Attempts int

	// Err is the underlying error, if the last attempt failed at transport level.
	Err error
}

// Error implements the error interface.
func (e *SettlementError) Error() string {
	return fmt.Sprintf("paygate: payment settlement failed after %d attempts: %s", e.Attempts, e.Reason)
}

// Unwrap makes the error match paygate.ErrSettlementFailed via errors.Is.
func (e *SettlementError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return paygate.ErrSettlementFailed
}

// retryableReasons are facilitator failure codes worth repeating the call
// for. Anything else is a final rejection.
var retryableReasons = map[string]bool{
	"network_error":           true,
	"rpc_error":               true,
	"temporarily_unavailable": true,
	"nonce_pending":           true,
}

// Coordinator settles payments exactly once per task key.
type Coordinator struct {
	// Facilitator executes the settlement. Required.
	Facilitator facilitator.Interface

	// States is the payment state store gating idempotency. Required.
	States *state.Store

	// MaxRetries bounds retries after the first attempt. Zero means
	// DefaultMaxRetries; negative disables retries.
	MaxRetries int

	// BaseDelay scales the backoff: attempt n waits 2^n * BaseDelay.
	// Zero means one second, giving the 2s, 4s, 8s ladder.
	BaseDelay time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics defaults to a no-op recorder.
	Metrics metrics.Recorder

	// OnEvent, when set, receives a payment event per settlement attempt.
	OnEvent paygate.PaymentCallback

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a Coordinator with default retry policy.
func NewCoordinator(f facilitator.Interface, states *state.Store) *Coordinator {
	return &Coordinator{
		Facilitator: f,
		States:      states,
	}
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Coordinator) metrics() metrics.Recorder {
	if c.Metrics != nil {
		return c.Metrics
	}
	return metrics.NoopRecorder{}
}

func (c *Coordinator) maxRetries() int {
	if c.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	if c.MaxRetries < 0 {
		return 0
	}
	return c.MaxRetries
}

func (c *Coordinator) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Coordinator) emit(event paygate.PaymentEvent) {
	if c.OnEvent != nil {
		event.Timestamp = time.Now()
		event.Operation = "settle"
		c.OnEvent(event)
	}
}

// Settle executes settlement for the payment recorded under key.
//
// If the state is already Settled, the cached receipt is returned and no
// facilitator call is made. Otherwise the facilitator is called with
// identical arguments up to maxRetries+1 times, waiting 2^attempt * BaseDelay
// before retry attempt number attempt; repetition is safe because the
// facilitator keys idempotency on the payload's nonce. The first success
// transitions the state to Settled; exhaustion or a final rejection
// transitions it to Failed with the reason preserved and returns a
// SettlementError carrying the attempt count. A context cancellation during
// backoff returns early and leaves the state Verified so settlement can be
// re-driven later.
func (c *Coordinator) Settle(ctx context.Context, key string, payload paygate.PaymentPayload, requirement paygate.PaymentRequirement) (*paygate.SettleResponse, error) {
	logger := c.logger().With("key", key, "network", requirement.Network)

	// Idempotency guard: duplicate settlement must never reach the chain.
	if status, ok := c.States.Status(key); ok && status == state.StatusSettled {
		receipt, _ := c.States.Receipt(key)
		logger.Info("payment already settled, returning cached receipt",
			"transaction", receiptTransaction(receipt))
		return receipt, nil
	}

	maxRetries := c.maxRetries()
	baseDelay := c.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	labels := map[string]string{"network": paygate.ResolveNetwork(requirement.Network)}

	var lastReason string
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay << attempt
			logger.Warn("retrying settlement", "attempt", attempt+1, "delay", delay, "reason", lastReason)
			if err := c.wait(ctx, delay); err != nil {
				// The caller went away mid-backoff; the facilitator was not
				// exhausted. Leave the state Verified so a re-driven
				// settlement for the same key can still succeed.
				logger.Warn("settlement interrupted during backoff", "error", err)
				return nil, fmt.Errorf("paygate: settlement interrupted after %d attempts: %w", attempts, err)
			}
		}

		attempts++
		c.States.AddAttempts(key, 1)
		c.emit(paygate.PaymentEvent{
			Type:     paygate.PaymentEventAttempt,
			Resource: requirement.Resource,
			Amount:   requirement.MaxAmountRequired,
			Network:  requirement.Network,
			Attempt:  attempts,
		})

		started := time.Now()
		resp, err := c.Facilitator.Settle(ctx, payload, requirement)
		c.metrics().ObserveLatency("settle", time.Since(started), labels)

		if err != nil {
			lastErr = err
			lastReason = err.Error()
			if !errors.Is(err, paygate.ErrFacilitatorUnavailable) {
				break
			}
			continue
		}
		lastErr = nil

		if resp.Success {
			if _, err := c.States.Settle(key, resp); err != nil {
				return nil, err
			}
			c.metrics().IncCounter("settle_success", labels)
			c.emit(paygate.PaymentEvent{
				Type:        paygate.PaymentEventSuccess,
				Resource:    requirement.Resource,
				Amount:      requirement.MaxAmountRequired,
				Network:     requirement.Network,
				Payer:       resp.Payer,
				Transaction: resp.Transaction,
				Attempt:     attempts,
				Duration:    time.Since(started),
			})
			logger.Info("payment settled", "transaction", resp.Transaction, "attempts", attempts)
			return resp, nil
		}

		lastReason = resp.ErrorReason
		if !retryableReasons[resp.ErrorReason] {
			break
		}
	}

	if lastReason == "" && lastErr != nil {
		lastReason = lastErr.Error()
	}

	if _, err := c.States.SettleFail(key, lastReason); err != nil {
		logger.Error("failed to record settlement failure", "error", err)
	}
	c.metrics().IncCounter("settle_failure", labels)

	settleErr := &SettlementError{Reason: lastReason, Attempts: attempts, Err: lastErr}
	c.emit(paygate.PaymentEvent{
		Type:     paygate.PaymentEventFailure,
		Resource: requirement.Resource,
		Amount:   requirement.MaxAmountRequired,
		Network:  requirement.Network,
		Attempt:  attempts,
		Error:    settleErr,
	})
	logger.Error("settlement failed", "reason", lastReason, "attempts", attempts)
	return nil, settleErr
}

func receiptTransaction(receipt *paygate.SettleResponse) string {
	if receipt == nil {
		return ""
	}
	return receipt.Transaction
}

// FailureReceipt builds the receipt a gateway attaches to its response when
// settlement did not succeed: the paid-for result is still served, and the
// failure reason rides alongside it for the caller to inspect.
func FailureReceipt(network string, err error) *paygate.SettleResponse {
	var reason string
	if err != nil {
		reason = err.Error()
	}
	var settleErr *SettlementError
	if errors.As(err, &settleErr) && settleErr.Reason != "" {
		reason = settleErr.Reason
	}
	return &paygate.SettleResponse{
		Success:     false,
		Network:     network,
		ErrorReason: reason,
	}
}
