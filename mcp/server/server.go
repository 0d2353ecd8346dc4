// Package server exposes MCP tools over streamable HTTP with x402 payment gating.
// Paid tool calls run through the same gateway state machine as HTTP routes.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/catalog"
	"github.com/mark3labs/x402-gateway/gateway"
	"github.com/mark3labs/x402-gateway/mcp"
)

// X402Server wraps an MCP server and adds x402 payment protection
type X402Server struct {
	mcpServer *mcpserver.MCPServer
	catalog   *catalog.Catalog
	gateway   gateway.Processor
	logger    *slog.Logger

	serverOpts []mcpserver.ServerOption
	httpOpts   []mcpserver.StreamableHTTPOption
}

// Option configures an X402Server.
type Option func(*X402Server)

// WithLogger sets the logger of the payment handler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *X402Server) {
		s.logger = logger
	}
}

// WithServerOptions passes options to the underlying MCP server.
func WithServerOptions(opts ...mcpserver.ServerOption) Option {
	return func(s *X402Server) {
		s.serverOpts = append(s.serverOpts, opts...)
	}
}

// WithStreamableHTTPOptions passes options to the streamable HTTP transport.
func WithStreamableHTTPOptions(opts ...mcpserver.StreamableHTTPOption) Option {
	return func(s *X402Server) {
		s.httpOpts = append(s.httpOpts, opts...)
	}
}

// NewX402Server creates an MCP server whose paid tools are priced in cat and settled by gw.
// gw must consult cat, usually because it was built from it.
func NewX402Server(name, version string, cat *catalog.Catalog, gw gateway.Processor, opts ...Option) *X402Server {
	s := &X402Server{
		catalog: cat,
		gateway: gw,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcpServer = mcpserver.NewMCPServer(name, version, s.serverOpts...)
	return s
}

// AddTool adds a free tool (no payment required)
func (s *X402Server) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// AddPayableTool adds a paid tool. With requirements the tool is priced in the catalog;
// without them the catalog must already price it, for example from a route file.
func (s *X402Server) AddPayableTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc, requirements ...x402.PaymentRequirement) error {
	if len(requirements) > 0 {
		if err := s.catalog.Add(catalog.Route{Pattern: mcp.ToolPattern(tool.Name), Requirements: requirements}); err != nil {
			return fmt.Errorf("mcp: tool %s: %w", tool.Name, err)
		}
	} else if _, err := s.catalog.Lookup(mcp.ToolMethod, mcp.ToolPath(tool.Name)); err != nil {
		return fmt.Errorf("%w: %s", mcp.ErrToolNotPriced, tool.Name)
	}

	s.mcpServer.AddTool(tool, handler)
	return nil
}

// Handler returns an HTTP handler wrapped with x402 payment middleware
func (s *X402Server) Handler() http.Handler {
	return NewX402Handler(mcpserver.NewStreamableHTTPServer(s.mcpServer, s.httpOpts...), s.gateway, s.logger)
}

// GetMCPServer returns the underlying MCP server (for advanced usage)
func (s *X402Server) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
