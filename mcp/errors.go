package mcp

import (
	"errors"

	"github.com/mark3labs/x402-gateway"
)

// JSON-RPC error codes used by the payment layer. Payment rejections reuse the HTTP 402
// status as their code, the rest are the standard JSON-RPC codes.
const (
	CodePaymentRequired = 402
	CodeParseError      = -32700
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
)

// ErrToolNotPriced is returned when a payable tool is registered without requirements and
// the catalog has no route for it either.
var ErrToolNotPriced = errors.New("mcp: payable tool has no payment requirements")

// ErrorCode maps a rejection reason to the JSON-RPC error code it is reported with.
func ErrorCode(code x402.ErrorCode) int {
	switch code.Category() {
	case x402.CategoryProtocol:
		return CodeInvalidParams
	case x402.CategoryUnavailable:
		return CodeInternalError
	default:
		return CodePaymentRequired
	}
}
