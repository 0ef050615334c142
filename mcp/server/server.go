package server

import (
	"fmt"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/machinepay/paygate"
)

// PaymentServer wraps an MCP server and adds payment protection to tools.
type PaymentServer struct {
	mcpServer *mcpserver.MCPServer
	config    *Config
}

// NewPaymentServer creates an MCP server with payment support.
func NewPaymentServer(name, version string, config *Config) *PaymentServer {
	if config == nil {
		config = DefaultConfig()
	}

	if config.PaymentTools == nil {
		config.PaymentTools = make(map[string]ToolPaymentConfig)
	}

	mcpServer := mcpserver.NewMCPServer(name, version)

	return &PaymentServer{
		mcpServer: mcpServer,
		config:    config,
	}
}

// AddTool adds a free tool (no payment required).
func (s *PaymentServer) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// AddPayableTool adds a paid tool with payment requirements.
// The requirements specify what payment tiers the server will accept.
func (s *PaymentServer) AddPayableTool(tool mcpproto.Tool, requirements []paygate.PaymentRequirement, handler mcpserver.ToolHandlerFunc) error {
	if len(requirements) == 0 {
		return fmt.Errorf("at least one payment requirement must be provided for payable tool %s", tool.Name)
	}

	for i, req := range requirements {
		if err := ValidateRequirement(req); err != nil {
			return fmt.Errorf("invalid requirement %d for tool %s: %w", i, tool.Name, err)
		}
	}

	resource := requirements[0].Resource
	if resource == "" {
		resource = ToolResource(tool.Name)
	}

	s.config.PaymentTools[tool.Name] = ToolPaymentConfig{
		Resource:     resource,
		Requirements: requirements,
	}

	s.mcpServer.AddTool(tool, handler)
	return nil
}

// Handler returns an HTTP handler wrapped with the payment handler.
// Returns an error if the handler cannot be created (e.g., invalid configuration).
func (s *PaymentServer) Handler() (http.Handler, error) {
	httpServer := mcpserver.NewStreamableHTTPServer(s.mcpServer)
	return NewPaymentHandler(httpServer, s.config)
}

// Start starts the MCP server on the given address.
func (s *PaymentServer) Start(addr string) error {
	handler, err := s.Handler()
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	if s.config.Verbose {
		fmt.Printf("Starting payment-gated MCP server on %s\n", addr)
		fmt.Printf("Facilitator URL: %s\n", s.config.FacilitatorURL)
		fmt.Printf("Verify-only mode: %v\n", s.config.VerifyOnly)
		fmt.Printf("Protected tools: %d\n", len(s.config.PaymentTools))
	}
	return http.ListenAndServe(addr, handler)
}

// GetMCPServer returns the underlying MCP server (for advanced usage).
func (s *PaymentServer) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
