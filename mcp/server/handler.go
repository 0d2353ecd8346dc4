package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/x402-gateway/encoding"
	"github.com/mark3labs/x402-gateway/gateway"
	httpx402 "github.com/mark3labs/x402-gateway/http"
	"github.com/mark3labs/x402-gateway/mcp"
)

// X402Handler wraps an MCP HTTP handler and gates tools/call requests through the gateway.
type X402Handler struct {
	mcpHandler http.Handler
	gateway    gateway.Processor
	logger     *slog.Logger
}

// NewX402Handler creates a new x402 payment handler
func NewX402Handler(mcpHandler http.Handler, gw gateway.Processor, logger *slog.Logger) *X402Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &X402Handler{
		mcpHandler: mcpHandler,
		gateway:    gw,
		logger:     logger,
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type toolCallParams struct {
	Name string                     `json:"name"`
	Meta map[string]json.RawMessage `json:"_meta"`
}

// ServeHTTP intercepts HTTP requests to check for x402 payments
func (h *X402Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only intercept POST requests (JSON-RPC calls)
	if r.Method != http.MethodPost {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, nil, mcp.CodeParseError, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, nil, mcp.CodeParseError, "Parse error", nil)
		return
	}
	if req.Method != "tools/call" {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		h.writeError(w, req.ID, mcp.CodeInvalidParams, "Invalid params", nil)
		return
	}
	logger := h.logger.With("requestID", string(req.ID), "tool", params.Name)

	d := h.gateway.Process(r.Context(), gateway.Request{
		Method:        mcp.ToolMethod,
		Path:          mcp.ToolPath(params.Name),
		Resource:      mcp.ToolResource(params.Name),
		PaymentHeader: paymentHeader(params.Meta[mcp.MetaKeyPayment]),
	})

	switch d.State {
	case gateway.PassThrough:
		h.mcpHandler.ServeHTTP(w, r)
	case gateway.Granted:
		r = r.WithContext(httpx402.ContextWithPayment(r.Context(), d.Payment))
		h.forward(w, r, d, logger)
	default:
		code, message := mcp.CodePaymentRequired, "Payment required"
		if d.Error != nil {
			code = mcp.ErrorCode(d.Error.Code)
			if d.Error.Message != "" {
				message = d.Error.Message
			}
		}
		h.writeError(w, req.ID, code, message, d.Body())
	}
}

// paymentHeader turns params._meta["x402/payment"] into an X-PAYMENT value. The payment may
// be the encoded header itself or the payment object.
func paymentHeader(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var header string
	if err := json.Unmarshal(raw, &header); err == nil {
		return header
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// forward runs the tool and adds the settlement receipt to result._meta. The payment is
// already settled; a tool error is passed through unchanged.
func (h *X402Handler) forward(w http.ResponseWriter, r *http.Request, d *gateway.Decision, logger *slog.Logger) {
	if d.Settlement != nil {
		if encoded, err := encoding.EncodeSettlement(*d.Settlement); err == nil {
			w.Header().Set("X-Payment-Response", encoded)
		}
	}

	rec := &responseRecorder{headerMap: make(http.Header), statusCode: http.StatusOK}
	h.mcpHandler.ServeHTTP(rec, r)

	body := rec.body.Bytes()
	if strings.HasPrefix(rec.headerMap.Get("Content-Type"), "application/json") {
		if injected, err := injectReceipt(body, d); err != nil {
			logger.Warn("could not add payment response to tool result", "error", err)
		} else {
			body = injected
		}
	} else {
		logger.Warn("tool result is not JSON, payment response omitted", "contentType", rec.headerMap.Get("Content-Type"))
	}

	for k, v := range rec.headerMap {
		w.Header()[k] = v
	}
	w.Header().Del("Content-Length")
	w.WriteHeader(rec.statusCode)
	_, _ = w.Write(body)
}

func injectReceipt(body []byte, d *gateway.Decision) ([]byte, error) {
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Error) > 0 || len(resp.Result) == 0 {
		return body, nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	meta, ok := result["_meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
	}
	meta[mcp.MetaKeyPaymentResponse] = d.Settlement
	result["_meta"] = meta

	modified, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp.Result = modified
	return json.Marshal(resp)
}

// writeError writes a JSON-RPC error response
func (h *X402Handler) writeError(w http.ResponseWriter, id json.RawMessage, code int, message string, data interface{}) {
	rpcErr := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if data != nil {
		rpcErr["data"] = data
	}
	if len(id) == 0 {
		id = json.RawMessage("null")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC errors use 200 status
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   rpcErr,
	})
}

// responseRecorder records HTTP responses for modification
type responseRecorder struct {
	headerMap  http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *responseRecorder) Header() http.Header {
	return r.headerMap
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}
