package paygate

import "time"

// TimeoutConfig holds timeout configuration for payment operations.
type TimeoutConfig struct {
	// VerifyTimeout is the maximum time to wait for payment verification.
	VerifyTimeout time.Duration

	// SettleTimeout is the maximum time to wait for payment settlement.
	SettleTimeout time.Duration

	// RequestTimeout is the overall timeout for HTTP requests.
	RequestTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for payment operations.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  60 * time.Second,
	RequestTimeout: 120 * time.Second,
}

// WithDefaults returns a copy with zero fields replaced by DefaultTimeouts.
func (tc TimeoutConfig) WithDefaults() TimeoutConfig {
	if tc.VerifyTimeout == 0 {
		tc.VerifyTimeout = DefaultTimeouts.VerifyTimeout
	}
	if tc.SettleTimeout == 0 {
		tc.SettleTimeout = DefaultTimeouts.SettleTimeout
	}
	if tc.RequestTimeout == 0 {
		tc.RequestTimeout = DefaultTimeouts.RequestTimeout
	}
	return tc
}
