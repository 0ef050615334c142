package paygate

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a verify or settle call is being attempted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates the operation succeeded.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates the operation failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment lifecycle event.
// The gateway and the settlement coordinator emit these for logging,
// monitoring, and alerting.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Operation is "verify" or "settle".
	Operation string

	// Method is the transport surface ("HTTP" or "MCP").
	Method string

	// Resource is the protected operation the payment is for.
	Resource string

	// Amount is the payment amount in atomic units.
	Amount string

	// Network is the blockchain network identifier.
	Network string

	// Payer is the address that made the payment (when known).
	Payer string

	// Transaction is the blockchain transaction hash (available on settled).
	Transaction string

	// Attempt is the 1-based attempt number for retried operations.
	Attempt int

	// Error contains error details (available on failure).
	Error error

	// Duration is the time taken for the operation.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously during payment processing, so they
// should be fast to avoid blocking the payment flow.
type PaymentCallback func(PaymentEvent)
