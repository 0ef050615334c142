// Package gin provides Gin-compatible middleware for payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http
// patterns; validation, state tracking, and settlement follow the same engine
// as the stdlib middleware in the parent http package.
package gin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/machinepay/paygate"
	"github.com/machinepay/paygate/facilitator"
	paygatehttp "github.com/machinepay/paygate/http"
	"github.com/machinepay/paygate/http/internal/helpers"
	"github.com/machinepay/paygate/settle"
	"github.com/machinepay/paygate/state"
	"github.com/machinepay/paygate/validation"
)

// Config is an alias for the stdlib middleware Config for convenience.
type Config = paygatehttp.Config

// PaymentContextKey is the gin context key for storing verified payment information.
const PaymentContextKey = "paygate_payment"

// NewPaymentMiddleware creates payment-gating middleware for Gin.
//
// The middleware:
//   - Checks for X-PAYMENT header in requests
//   - Returns 402 Payment Required if missing or invalid
//   - Verifies payments with the facilitator before the handler runs
//   - Settles after the handler commits a success status (unless VerifyOnly)
//   - Stores payment information in Gin context via c.Set(PaymentContextKey, verifyResp)
//   - Calls c.Abort() on payment failure to stop the handler chain
//
// Example usage:
//
//	config := paygatehttp.Config{
//	    FacilitatorURL: "https://facilitator.example.com",
//	    PaymentRequirements: []paygate.PaymentRequirement{{
//	        Scheme:            "exact",
//	        Network:           "eip155:84532", // Base Sepolia (CAIP-2 format)
//	        MaxAmountRequired: "10000",
//	        Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
//	        PayTo:             "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	        Resource:          "/protected",
//	        MaxTimeoutSeconds: 300,
//	    }},
//	}
//	r := gin.Default()
//	r.Use(paygategin.NewPaymentMiddleware(config))
//	r.GET("/protected", func(c *gin.Context) {
//	    if payment := paygategin.GetPaymentFromContext(c); payment != nil {
//	        c.JSON(200, gin.H{"payer": payment.Payer})
//	    }
//	})
func NewPaymentMiddleware(config Config) gin.HandlerFunc {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeouts := config.Timeouts.WithDefaults()

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

	return func(c *gin.Context) {
		// Check for X-PAYMENT header
		paymentHeader := c.GetHeader("X-PAYMENT")
		if paymentHeader == "" {
			logger.Info("no payment header provided", "path", c.Request.URL.Path)
			sendPaymentRequiredGin(c, requirements, "Payment required", config.Discovery)
			return
		}

		payment, err := helpers.ParsePaymentHeader(c.Request)
		if err != nil {
			logger.Warn("invalid payment header", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"x402Version": paygate.X402Version,
				"error":       "Invalid payment header",
			})
			return
		}
		if err := validation.ValidatePayload(payment); err != nil {
			logger.Warn("invalid payment payload", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"x402Version": paygate.X402Version,
				"error":       "Invalid payment payload",
			})
			return
		}

		requirement, err := validation.Match(requirements, payment)
		if err != nil {
			logger.Warn("no matching requirement", "error", err)
			sendPaymentRequiredGin(c, requirements, "No matching payment requirement", config.Discovery)
			return
		}

		key := paygatehttp.PaymentKey(payment)

		if st, ok := states.Status(key); !ok || (st != state.StatusVerified && st != state.StatusSettled) {
			if !ok {
				if _, err := states.Require(key, *requirement); err != nil {
					logger.Error("payment state require failed", "key", key, "error", err)
				}
			}
			if _, err := states.Submit(key, payment); err != nil {
				logger.Error("payment state submit failed", "key", key, "error", err)
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"x402Version": paygate.X402Version,
					"error":       "Payment state conflict",
				})
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
				sendPaymentRequiredGin(c, requirements, msg, config.Discovery)
				return
			}

			logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
			verifyResp, err := fac.Verify(c.Request.Context(), *payment, *requirement)
			if err != nil {
				logger.Error("facilitator verification failed", "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"x402Version": paygate.X402Version,
					"error":       "Payment verification failed",
				})
				return
			}

			if !verifyResp.IsValid {
				logger.Warn("payment verification rejected", "reason", verifyResp.InvalidReason)
				if _, err := states.VerifyFail(key, verifyResp.InvalidReason); err != nil {
					logger.Error("payment state transition failed", "key", key, "error", err)
				}
				sendPaymentRequiredGin(c, requirements, verifyResp.InvalidReason, config.Discovery)
				return
			}

			if _, err := states.Verify(key); err != nil {
				logger.Error("payment state transition failed", "key", key, "error", err)
			}
			logger.Info("payment verified", "payer", verifyResp.Payer)

			// Store payment info in Gin context for handler access
			c.Set(PaymentContextKey, verifyResp)

			// Also store in stdlib context for compatibility with http package helpers
			ctx := context.WithValue(c.Request.Context(), paygatehttp.PaymentContextKey, verifyResp)
			c.Request = c.Request.WithContext(ctx)
		}

		// Defer settlement to the moment the handler commits a success
		// status: paid work must produce a result before settlement runs.
		writer := &settlementWriter{
			ResponseWriter: c.Writer,
			settleFunc: func(w gin.ResponseWriter) {
				if config.VerifyOnly {
					return
				}

				settlementResp, err := coordinator.Settle(c.Request.Context(), key, *payment, *requirement)
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
		c.Writer = writer
		c.Next()
		// Handlers that never write (204 via gin's implicit flush) commit here.
		writer.WriteHeaderNow()
	}
}

// settlementWriter wraps gin's ResponseWriter to run settlement at the moment
// the handler commits a success status, mirroring the stdlib interceptor. The
// handler's response is always released; the settlement outcome rides the
// X-PAYMENT-RESPONSE header.
type settlementWriter struct {
	gin.ResponseWriter
	settleFunc func(gin.ResponseWriter)
	onFailure  func(statusCode int)
	committed  bool
	status     int
}

func (w *settlementWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.commit(statusCode)
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *settlementWriter) WriteHeaderNow() {
	w.commit(http.StatusOK)
	w.ResponseWriter.WriteHeaderNow()
}

func (w *settlementWriter) Write(b []byte) (int, error) {
	w.commit(http.StatusOK)
	return w.ResponseWriter.Write(b)
}

func (w *settlementWriter) WriteString(s string) (int, error) {
	w.commit(http.StatusOK)
	return w.ResponseWriter.WriteString(s)
}

// commit runs the settlement decision exactly once.
func (w *settlementWriter) commit(statusCode int) {
	if w.committed {
		return
	}
	w.committed = true

	if w.status != 0 {
		statusCode = w.status
	}

	// Handler errors pass through untouched; no settlement.
	if statusCode >= http.StatusBadRequest {
		if w.onFailure != nil {
			w.onFailure(statusCode)
		}
		return
	}

	// Settle while headers are still open so the receipt can be attached.
	w.settleFunc(w.ResponseWriter)
}

// sendPaymentRequiredGin sends a 402 Payment Required response using Gin's
// JSON methods. It aborts the request chain and returns the payment
// requirements to the client.
func sendPaymentRequiredGin(c *gin.Context, requirements []paygate.PaymentRequirement, errMsg string, discovery *paygate.ServiceDiscovery) {
	response := paygate.NewPaymentRequired(requirements, errMsg, discovery)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, response)
}

// GetPaymentFromContext extracts the verified payment information from the
// Gin context. Returns nil if no payment was verified.
func GetPaymentFromContext(c *gin.Context) *paygate.VerifyResponse {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	resp, ok := value.(*paygate.VerifyResponse)
	if !ok {
		return nil
	}
	return resp
}
