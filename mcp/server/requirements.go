package server

import (
	"fmt"

	"github.com/machinepay/paygate"
	"github.com/machinepay/paygate/validation"
)

// ValidateRequirement validates a complete payment requirement.
// This delegates to the shared validation package but enforces MCP-specific
// restrictions (only the 'exact' scheme is supported here).
func ValidateRequirement(req paygate.PaymentRequirement) error {
	if err := validation.ValidateRequirement(req); err != nil {
		return err
	}

	if req.Scheme != "exact" {
		return fmt.Errorf("invalid requirement: unsupported scheme %s (only 'exact' is supported in MCP)", req.Scheme)
	}

	return nil
}

// ToolResource returns the standard resource identifier for an MCP tool.
func ToolResource(toolName string) string {
	return fmt.Sprintf("mcp://tools/%s", toolName)
}
