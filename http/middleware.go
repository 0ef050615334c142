// Package http provides net/http middleware that gates handlers behind
// payment: it emits 402 requirements, validates submitted payments, verifies
// them with a facilitator, and settles exactly once after the protected
// handler has succeeded.
package http

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/machinepay/paygate"
	"github.com/machinepay/paygate/facilitator"
	"github.com/machinepay/paygate/http/internal/helpers"
	"github.com/machinepay/paygate/metrics"
	"github.com/machinepay/paygate/settle"
	"github.com/machinepay/paygate/state"
	"github.com/machinepay/paygate/validation"
)

// Config holds the configuration for the payment middleware.
type Config struct {
	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is the optional backup facilitator.
	FallbackFacilitatorURL string

	// Facilitator overrides FacilitatorURL with a preconstructed client.
	// Used mainly by tests.
	Facilitator facilitator.Interface

	// PaymentRequirements defines the accepted payment tiers.
	PaymentRequirements []paygate.PaymentRequirement

	// Discovery is optional service metadata attached to 402 responses.
	Discovery *paygate.ServiceDiscovery

	// VerifyOnly skips settlement if true (only verifies payments).
	VerifyOnly bool

	// States records per-payment state transitions. A fresh store is created
	// when nil.
	States *state.Store

	// MaxSettleRetries bounds settlement retries on retryable failures.
	// Zero means the coordinator default.
	MaxSettleRetries int

	// Timeouts configures per-operation facilitator timeouts.
	// Zero values fall back to DefaultTimeouts.
	Timeouts paygate.TimeoutConfig

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics records verify/settle counters and latencies.
	Metrics metrics.Recorder

	// OnEvent receives payment lifecycle events.
	OnEvent paygate.PaymentCallback

	// FacilitatorAuthorization is a static Authorization header value for the
	// primary facilitator. Example: "Bearer your-api-key".
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider returns an Authorization header value
	// for the primary facilitator. Useful for dynamic tokens that may need to
	// be refreshed. Takes precedence over FacilitatorAuthorization when set.
	FacilitatorAuthorizationProvider facilitator.AuthorizationProvider

	// Facilitator hooks for custom logic before/after verify and settle.
	FacilitatorOnBeforeVerify facilitator.OnBeforeFunc
	FacilitatorOnAfterVerify  facilitator.OnAfterVerifyFunc
	FacilitatorOnBeforeSettle facilitator.OnBeforeFunc
	FacilitatorOnAfterSettle  facilitator.OnAfterSettleFunc

	// FallbackFacilitatorAuthorization is a static Authorization header value
	// for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider returns an Authorization header
	// value for the fallback facilitator.
	FallbackFacilitatorAuthorizationProvider facilitator.AuthorizationProvider
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing verified payment information.
const PaymentContextKey = contextKey("paygate_payment")

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Config) timeouts() paygate.TimeoutConfig {
	return c.Timeouts.WithDefaults()
}

func (c *Config) recorder() metrics.Recorder {
	if c.Metrics != nil {
		return c.Metrics
	}
	return metrics.NoopRecorder{}
}

// PaymentKey derives the state-store key for a submitted payment. Keyed by
// the authorization nonce so a retried client request maps onto the same
// payment state and hits the idempotent settlement guard.
func PaymentKey(payment *paygate.PaymentPayload) string {
	if payment.Authorization.Nonce != "" {
		return payment.Network + ":" + payment.Authorization.Nonce
	}
	sum := sha256.Sum256([]byte(payment.Network + "|" + payment.Authorization.To + "|" + payment.Authorization.Value + "|" + payment.Authorization.Signature))
	return payment.Network + ":" + hex.EncodeToString(sum[:16])
}

// NewPaymentMiddleware creates payment-gating middleware around HTTP handlers.
// It fetches network-specific requirement data (like feePayer for SVM chains)
// from the facilitator's /supported endpoint at construction time.
func NewPaymentMiddleware(config Config) func(http.Handler) http.Handler {
	logger := config.logger()
	timeouts := config.timeouts()

	primary := config.Facilitator
	if primary == nil {
		primary = &facilitator.Client{
			BaseURL:               config.FacilitatorURL,
			HTTPClient:            &http.Client{Timeout: timeouts.RequestTimeout},
			Timeouts:              timeouts,
			Authorization:         config.FacilitatorAuthorization,
			AuthorizationProvider: config.FacilitatorAuthorizationProvider,
			OnBeforeVerify:        config.FacilitatorOnBeforeVerify,
			OnAfterVerify:         config.FacilitatorOnAfterVerify,
			OnBeforeSettle:        config.FacilitatorOnBeforeSettle,
			OnAfterSettle:         config.FacilitatorOnAfterSettle,
		}
	}

	// With a fallback configured, every verify and settle goes through the
	// failover wrapper so the coordinator's state handling stays uniform.
	fac := primary
	if config.FallbackFacilitatorURL != "" {
		fac = &facilitator.Failover{
			Primary: primary,
			Fallback: &facilitator.Client{
				BaseURL:               config.FallbackFacilitatorURL,
				HTTPClient:            &http.Client{Timeout: timeouts.RequestTimeout},
				Timeouts:              timeouts,
				Authorization:         config.FallbackFacilitatorAuthorization,
				AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
			},
			Logger: logger,
		}
	}

	states := config.States
	if states == nil {
		states = state.NewStore()
	}

	coordinator := &settle.Coordinator{
		Facilitator: fac,
		States:      states,
		MaxRetries:  config.MaxSettleRetries,
		Logger:      logger,
		Metrics:     config.Metrics,
		OnEvent:     config.OnEvent,
	}

	// Enrich payment requirements with facilitator-specific data (like feePayer)
	requirements := config.PaymentRequirements
	if client, ok := primary.(*facilitator.Client); ok {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.RequestTimeout)
		defer cancel()
		enriched, err := client.EnrichRequirements(ctx, requirements)
		if err != nil {
			logger.Warn("failed to enrich payment requirements from facilitator", "error", err)
		} else {
			logger.Info("payment requirements enriched from facilitator", "count", len(enriched))
			requirements = enriched
		}
	}

	recorder := config.recorder()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check for X-PAYMENT header
			paymentHeader := r.Header.Get("X-PAYMENT")
			if paymentHeader == "" {
				logger.Info("no payment header provided", "path", r.URL.Path)
				if err := helpers.SendPaymentRequired(w, requirements, "Payment required", config.Discovery); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			payment, err := helpers.ParsePaymentHeader(r)
			if err != nil {
				logger.Warn("invalid payment header", "error", err)
				http.Error(w, "Invalid payment header", http.StatusBadRequest)
				return
			}
			if err := validation.ValidatePayload(payment); err != nil {
				logger.Warn("invalid payment payload", "error", err)
				http.Error(w, "Invalid payment payload", http.StatusBadRequest)
				return
			}

			// Local offline matching before any facilitator call
			requirement, err := validation.Match(requirements, payment)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				if err := helpers.SendPaymentRequired(w, requirements, "No matching payment requirement", config.Discovery); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			key := PaymentKey(payment)

			// A retried request with the same nonce lands on an already
			// advanced state; skip re-verification and let the settlement
			// guard return the cached receipt.
			if st, ok := states.Status(key); !ok || (st != state.StatusVerified && st != state.StatusSettled) {
				if !ok {
					if _, err := states.Require(key, *requirement); err != nil {
						logger.Error("payment state require failed", "key", key, "error", err)
					}
				}
				if _, err := states.Submit(key, payment); err != nil {
					logger.Error("payment state submit failed", "key", key, "error", err)
					http.Error(w, "Payment state conflict", http.StatusConflict)
					return
				}

				now := time.Now()
				windowErr := validation.CheckAuthorizationWindow(payment.Authorization, now)
				if windowErr == nil {
					if ps, ok := states.State(key); ok {
						windowErr = validation.CheckExpiry(*requirement, ps.IssuedAt, now)
					}
				}
				if windowErr != nil {
					logger.Warn("payment outside validity window", "key", key, "error", windowErr)
					if _, err := states.VerifyFail(key, string(paygate.ErrCodePaymentExpired)); err != nil {
						logger.Error("payment state transition failed", "key", key, "error", err)
					}
					msg := "Payment expired"
					if !errors.Is(windowErr, paygate.ErrPaymentExpired) {
						msg = "Payment not yet valid"
					}
					if err := helpers.SendPaymentRequired(w, requirements, msg, config.Discovery); err != nil {
						logger.Error("failed to send payment required response", "error", err)
					}
					return
				}

				logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
				start := time.Now()
				verifyResp, err := fac.Verify(r.Context(), *payment, *requirement)
				recorder.ObserveLatency("verify", time.Since(start), map[string]string{"network": payment.Network})
				if err != nil {
					logger.Error("facilitator verification failed", "error", err)
					http.Error(w, "Payment verification failed", http.StatusServiceUnavailable)
					return
				}

				if !verifyResp.IsValid {
					logger.Warn("payment verification rejected", "reason", verifyResp.InvalidReason)
					if _, err := states.VerifyFail(key, verifyResp.InvalidReason); err != nil {
						logger.Error("payment state transition failed", "key", key, "error", err)
					}
					if err := helpers.SendPaymentRequired(w, requirements, verifyResp.InvalidReason, config.Discovery); err != nil {
						logger.Error("failed to send payment required response", "error", err)
					}
					return
				}

				if _, err := states.Verify(key); err != nil {
					logger.Error("payment state transition failed", "key", key, "error", err)
				}
				logger.Info("payment verified", "payer", verifyResp.Payer)

				// Store payment info in context for handler access
				r = r.WithContext(context.WithValue(r.Context(), PaymentContextKey, verifyResp))
			}

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() {
					if config.VerifyOnly {
						return
					}

					settlementResp, err := coordinator.Settle(r.Context(), key, *payment, *requirement)
					if err != nil {
						// The paid-for work already succeeded; the result is
						// served regardless. The failure is recorded in the
						// state store and reported in the receipt header.
						logger.Error("settlement failed after paid work completed", "key", key, "error", err)
						settlementResp = settle.FailureReceipt(payment.Network, err)
					} else {
						logger.Info("payment settled", "transaction", settlementResp.Transaction)
					}

					if err := helpers.AddPaymentResponseHeader(w, settlementResp); err != nil {
						logger.Warn("failed to add payment response header", "error", err)
					}
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of
// commitment: settlement runs only once the handler commits a success status,
// never before the paid-for work has produced a result. The handler's
// response is always released; the settlement outcome, success or failure,
// rides the X-PAYMENT-RESPONSE header.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc performs the actual settlement logic
	settleFunc func()
	// onFailure is an internal logging callback
	onFailure func(statusCode int)
	committed bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// A Write without WriteHeader implies 200 OK; run the check now.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler is returning an error (e.g., 404, 500): let it pass through
	// untouched. No settlement.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	// Handler wants to succeed: settle now, while headers are still open,
	// so the receipt can ride the response.
	i.settleFunc()
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		// Settle before hijacking (e.g., WebSocket upgrades); a hijacked
		// connection is treated as a successful upgrade path.
		if !i.committed {
			i.committed = true
			i.settleFunc()
		}
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// GetPaymentFromContext extracts the verified payment information from the
// request context. Returns nil if no payment was verified.
func GetPaymentFromContext(ctx context.Context) *paygate.VerifyResponse {
	value := ctx.Value(PaymentContextKey)
	if value == nil {
		return nil
	}
	resp, ok := value.(*paygate.VerifyResponse)
	if !ok {
		return nil
	}
	return resp
}
