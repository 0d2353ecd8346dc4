package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mark3labs/x402-gateway/catalog"
	httpx402 "github.com/mark3labs/x402-gateway/http"
	"github.com/mark3labs/x402-gateway/mcp"
	x402mcp "github.com/mark3labs/x402-gateway/mcp/server"
)

const maxToolResponse = 1 << 20

// registerTools exposes every "TOOL /tools/<name>" route of the catalog as a paid MCP tool
// that posts its arguments to the upstream's /tools/<name>. Glob routes are skipped.
func registerTools(srv *x402mcp.X402Server, cat *catalog.Catalog, upstream *url.URL, hc *http.Client) ([]string, error) {
	var names []string
	for _, route := range cat.Routes() {
		if route.Method() != mcp.ToolMethod {
			continue
		}
		name, ok := strings.CutPrefix(route.Path(), mcp.ToolPath(""))
		if !ok || name == "" || strings.ContainsAny(name, "*?[/") {
			continue
		}

		description := route.Requirements[0].Description
		if description == "" {
			description = "Paid tool " + name
		}
		tool := mcpproto.NewTool(name, mcpproto.WithDescription(description))
		if err := srv.AddPayableTool(tool, upstreamTool(hc, upstream, name)); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// hideTools answers 404 for the upstream endpoints behind bridged tools, which are only
// reachable as paid MCP calls.
func hideTools(names []string) func(http.Handler) http.Handler {
	hidden := make(map[string]bool, len(names))
	for _, name := range names {
		hidden[mcp.ToolPath(name)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hidden[path.Clean(r.URL.Path)] {
				http.NotFound(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func upstreamTool(hc *http.Client, upstream *url.URL, name string) mcpserver.ToolHandlerFunc {
	endpoint := upstream.JoinPath("tools", name).String()

	return func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		body, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcpproto.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		hreq.Header.Set("Content-Type", "application/json")
		pc, _ := httpx402.PaymentFromContext(ctx)
		setPaymentHeaders(hreq.Header, pc)

		resp, err := hc.Do(hreq)
		if err != nil {
			return mcpproto.NewToolResultError(fmt.Sprintf("upstream unavailable: %v", err)), nil
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponse))
		if err != nil {
			return mcpproto.NewToolResultError(fmt.Sprintf("reading upstream response: %v", err)), nil
		}
		if resp.StatusCode >= http.StatusMultipleChoices {
			return mcpproto.NewToolResultError(fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, data)), nil
		}
		return mcpproto.NewToolResultText(string(data)), nil
	}
}
