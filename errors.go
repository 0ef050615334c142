package paygate

import "errors"

// Sentinel errors for payment gateway operations.
var (
	// ErrInvalidPriceFormat indicates a price string that cannot be parsed.
	ErrInvalidPriceFormat = errors.New("paygate: invalid price format")

	// ErrMissingPayee indicates an empty payee address on a required payment.
	ErrMissingPayee = errors.New("paygate: missing payee address")

	// ErrNoMatchingRequirement indicates no offered requirement matches the
	// submitted payment.
	ErrNoMatchingRequirement = errors.New("paygate: no matching payment requirement")

	// ErrPaymentExpired indicates the requirement's validity window has passed.
	ErrPaymentExpired = errors.New("paygate: payment expired")

	// ErrInvalidPaymentFormat indicates a structurally invalid payment payload.
	ErrInvalidPaymentFormat = errors.New("paygate: invalid payment format")

	// ErrVerificationFailed indicates the facilitator rejected the payment.
	// A rejected payment is returned to the caller, never retried.
	ErrVerificationFailed = errors.New("paygate: payment verification failed")

	// ErrSettlementFailed indicates settlement failed after retries were
	// exhausted.
	ErrSettlementFailed = errors.New("paygate: payment settlement failed")

	// ErrInvalidTransition indicates a payment state event not reachable from
	// the current status. This is a programming error, not a caller fault.
	ErrInvalidTransition = errors.New("paygate: invalid payment state transition")

	// ErrSessionNotFound indicates a missing or expired payment session.
	// Callers cannot distinguish the two cases.
	ErrSessionNotFound = errors.New("paygate: payment session not found")

	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("paygate: invalid amount")

	// ErrInvalidNetwork indicates an unsupported network identifier.
	ErrInvalidNetwork = errors.New("paygate: invalid or unsupported network")

	// ErrFacilitatorUnavailable indicates the facilitator service is unreachable.
	ErrFacilitatorUnavailable = errors.New("paygate: facilitator service unavailable")

	// ErrMalformedHeader indicates the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("paygate: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported protocol version.
	ErrUnsupportedVersion = errors.New("paygate: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("paygate: unsupported payment scheme")
)

// ErrorCode represents stable payment error codes for programmatic handling.
// Automated callers use these to decide whether to resubmit, pay more, or
// give up.
type ErrorCode string

const (
	// ErrCodeInvalidPriceFormat indicates an unparseable price string.
	ErrCodeInvalidPriceFormat ErrorCode = "INVALID_PRICE_FORMAT"

	// ErrCodeMissingPayee indicates a requirement built without a payee.
	ErrCodeMissingPayee ErrorCode = "MISSING_PAYEE"

	// ErrCodeNoMatchingRequirement indicates no tier accepted the payment.
	ErrCodeNoMatchingRequirement ErrorCode = "NO_MATCHING_REQUIREMENT"

	// ErrCodePaymentExpired indicates the requirement's window elapsed.
	ErrCodePaymentExpired ErrorCode = "PAYMENT_EXPIRED"

	// ErrCodeInvalidPaymentFormat indicates a malformed payment payload.
	ErrCodeInvalidPaymentFormat ErrorCode = "INVALID_PAYMENT_FORMAT"

	// ErrCodeVerificationFailed indicates facilitator-side rejection.
	ErrCodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"

	// ErrCodeSettlementFailed indicates settlement failure after retries.
	ErrCodeSettlementFailed ErrorCode = "SETTLEMENT_FAILED"

	// ErrCodeInvalidTransition indicates a state machine programming error.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeSessionNotFound indicates a missing or expired session.
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// ErrCodeUnsupportedScheme indicates an unsupported scheme or network.
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"

	// ErrCodeUnsupportedVersion indicates an unsupported protocol version.
	ErrCodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the ErrorCode from an error chain.
// Returns the empty string when the chain contains no PaymentError.
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
