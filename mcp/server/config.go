// Package server provides an MCP server with payment-gated tools: tool calls
// are intercepted, verified against declared requirements, and settled after
// the tool has produced a result.
package server

import (
	"log/slog"

	"github.com/machinepay/paygate"
	"github.com/machinepay/paygate/facilitator"
	"github.com/machinepay/paygate/metrics"
)

// ToolPaymentConfig holds payment configuration for a specific MCP tool.
type ToolPaymentConfig struct {
	// Resource identifies the protected tool, defaulting to mcp://tools/<name>.
	Resource string

	// Requirements is the list of acceptable payment tiers.
	Requirements []paygate.PaymentRequirement
}

// Config holds configuration for the MCP server with payment support.
type Config struct {
	// FacilitatorURL is the URL of the facilitator service.
	FacilitatorURL string

	// FallbackFacilitatorURL is an optional fallback facilitator service URL.
	FallbackFacilitatorURL string

	// VerifyOnly when true, skips payment settlement (useful for testing).
	VerifyOnly bool

	// Verbose enables detailed logging.
	Verbose bool

	// PaymentTools maps tool names to their payment configuration.
	PaymentTools map[string]ToolPaymentConfig

	// Discovery is optional service metadata attached to payment-required errors.
	Discovery *paygate.ServiceDiscovery

	// MaxSettleRetries bounds settlement retries on retryable failures.
	// Zero means the coordinator default.
	MaxSettleRetries int

	// FacilitatorAuthorization is a static Authorization header value for the
	// primary facilitator. Example: "Bearer your-api-key".
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider returns an Authorization header value
	// for the primary facilitator. Takes precedence over
	// FacilitatorAuthorization when set.
	FacilitatorAuthorizationProvider facilitator.AuthorizationProvider

	// Facilitator hooks for custom logic before/after verify and settle.
	FacilitatorOnBeforeVerify facilitator.OnBeforeFunc
	FacilitatorOnAfterVerify  facilitator.OnAfterVerifyFunc
	FacilitatorOnBeforeSettle facilitator.OnBeforeFunc
	FacilitatorOnAfterSettle  facilitator.OnAfterSettleFunc

	// Fallback facilitator options
	FallbackFacilitatorAuthorization         string
	FallbackFacilitatorAuthorizationProvider facilitator.AuthorizationProvider

	// Logger is the logger for the server. If not set, slog.Default() is used.
	Logger *slog.Logger

	// Metrics records verify/settle counters and latencies.
	Metrics metrics.Recorder

	// OnEvent receives payment lifecycle events.
	OnEvent paygate.PaymentCallback
}

// DefaultConfig returns a Config with default settings.
func DefaultConfig() *Config {
	return &Config{
		FacilitatorURL: "https://facilitator.x402.org",
		VerifyOnly:     false,
		Verbose:        false,
		PaymentTools:   make(map[string]ToolPaymentConfig),
		Logger:         slog.Default(),
	}
}

// AddPaymentTool adds payment requirements for a tool.
func (c *Config) AddPaymentTool(toolName, resource string, requirements ...paygate.PaymentRequirement) {
	if c.PaymentTools == nil {
		c.PaymentTools = make(map[string]ToolPaymentConfig)
	}
	c.PaymentTools[toolName] = ToolPaymentConfig{
		Resource:     resource,
		Requirements: requirements,
	}
}

// RequiresPayment checks if a tool requires payment.
func (c *Config) RequiresPayment(toolName string) bool {
	if c.PaymentTools == nil {
		return false
	}
	config, exists := c.PaymentTools[toolName]
	return exists && len(config.Requirements) > 0
}

// GetPaymentConfig returns the payment configuration for a tool.
// Returns the config and a bool indicating if the tool is payment-gated.
func (c *Config) GetPaymentConfig(toolName string) (ToolPaymentConfig, bool) {
	if c.PaymentTools == nil {
		return ToolPaymentConfig{}, false
	}
	config, exists := c.PaymentTools[toolName]
	if !exists {
		return ToolPaymentConfig{}, false
	}
	return config, true
}
