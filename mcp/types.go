// Package mcp carries x402 payments over the Model Context Protocol.
//
// A paying client puts its payment in params._meta["x402/payment"] of a tools/call request,
// either as the base64 X-PAYMENT value or as the payment object itself. The receipt comes
// back in result._meta["x402/payment-response"].
package mcp

// Metadata keys.
const (
	// MetaKeyPayment is the key for payment data in MCP request params._meta
	MetaKeyPayment = "x402/payment"

	// MetaKeyPaymentResponse is the key for settlement response in MCP result._meta
	MetaKeyPaymentResponse = "x402/payment-response"
)

// Tools are priced in the route catalog under the pseudo method ToolMethod and the path
// ToolPath(name), so YAML route files can price them next to HTTP routes:
//
//	routes:
//	  - route: TOOL /tools/get_weather
const (
	ToolMethod = "TOOL"

	toolPathPrefix     = "/tools/"
	toolResourcePrefix = "mcp://tools/"
)

// ToolPath is the catalog path of a tool.
func ToolPath(name string) string {
	return toolPathPrefix + name
}

// ToolPattern is the catalog route pattern of a tool.
func ToolPattern(name string) string {
	return ToolMethod + " " + ToolPath(name)
}

// ToolResource is the resource stamped into a tool's payment requirements.
func ToolResource(name string) string {
	return toolResourcePrefix + name
}
