package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/catalog"
	"github.com/mark3labs/x402-gateway/encoding"
	"github.com/mark3labs/x402-gateway/gateway"
	httpx402 "github.com/mark3labs/x402-gateway/http"
	"github.com/mark3labs/x402-gateway/internal/x402test"
	"github.com/mark3labs/x402-gateway/mcp"
	"github.com/mark3labs/x402-gateway/nonce"
)

type rpcReply struct {
	Result *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Meta map[string]json.RawMessage `json:"_meta"`
	} `json:"result"`
	Error *struct {
		Code    int                              `json:"code"`
		Message string                           `json:"message"`
		Data    x402.PaymentRequirementsResponse `json:"data"`
	} `json:"error"`
}

func newServer(t *testing.T) (*X402Server, *x402test.Submitter) {
	t.Helper()
	cat, err := catalog.New()
	require.NoError(t, err)
	sub := x402test.Settles()
	gw, err := gateway.New(cat, nonce.NewMemoryLedger(), gateway.WithSubmitter(sub))
	require.NoError(t, err)

	srv := NewX402Server("weather", "1.0.0", cat, gw,
		WithStreamableHTTPOptions(mcpserver.WithStateLess(true)))

	srv.AddTool(mcpproto.NewTool("echo", mcpproto.WithString("text")),
		func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			return mcpproto.NewToolResultText(req.GetString("text", "")), nil
		})

	err = srv.AddPayableTool(mcpproto.NewTool("get_weather", mcpproto.WithString("city", mcpproto.Required())),
		func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			payer := "nobody"
			if pc, ok := httpx402.PaymentFromContext(ctx); ok {
				payer = pc.Payer
			}
			return mcpproto.NewToolResultText(fmt.Sprintf("sunny in %s for %s", req.GetString("city", ""), payer)), nil
		}, x402test.Requirement())
	require.NoError(t, err)

	return srv, sub
}

func call(t *testing.T, h http.Handler, method string, params interface{}) (rpcReply, *httptest.ResponseRecorder) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var reply rpcReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply), rec.Body.String())
	return reply, rec
}

func weatherCall(payment interface{}) map[string]interface{} {
	params := map[string]interface{}{
		"name":      "get_weather",
		"arguments": map[string]interface{}{"city": "paris"},
	}
	if payment != nil {
		params["_meta"] = map[string]interface{}{mcp.MetaKeyPayment: payment}
	}
	return params
}

func TestX402Server_FreeToolPassesThrough(t *testing.T) {
	srv, sub := newServer(t)

	reply, _ := call(t, srv.Handler(), "tools/call", map[string]interface{}{
		"name":      "echo",
		"arguments": map[string]interface{}{"text": "hello"},
	})

	require.Nil(t, reply.Error)
	require.NotNil(t, reply.Result)
	require.Len(t, reply.Result.Content, 1)
	assert.Equal(t, "hello", reply.Result.Content[0].Text)
	assert.Empty(t, sub.Calls())
}

func TestX402Server_PaymentRequired(t *testing.T) {
	srv, _ := newServer(t)

	reply, rec := call(t, srv.Handler(), "tools/call", weatherCall(nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, reply.Error)
	assert.Equal(t, mcp.CodePaymentRequired, reply.Error.Code)
	assert.Equal(t, string(x402.ErrCodePaymentRequired), reply.Error.Data.Error)
	assert.Equal(t, x402.X402Version, reply.Error.Data.X402Version)
	require.Len(t, reply.Error.Data.Accepts, 1)
	assert.Equal(t, "mcp://tools/get_weather", reply.Error.Data.Accepts[0].Resource)
	assert.Equal(t, "50000", reply.Error.Data.Accepts[0].MaxAmountRequired)
}

func TestX402Server_PaidToolCall(t *testing.T) {
	header := func(t *testing.T) interface{} {
		return x402test.PaymentHeader(t, x402test.Requirement())
	}
	object := func(t *testing.T) interface{} {
		payment, err := encoding.DecodePayment(x402test.PaymentHeader(t, x402test.Requirement()))
		require.NoError(t, err)
		return payment
	}

	tests := []struct {
		name    string
		payment func(t *testing.T) interface{}
	}{
		{"encoded header", header},
		{"payment object", object},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, sub := newServer(t)

			reply, rec := call(t, srv.Handler(), "tools/call", weatherCall(tt.payment(t)))

			require.Nil(t, reply.Error)
			require.NotNil(t, reply.Result)
			require.Len(t, reply.Result.Content, 1)
			assert.Equal(t, "sunny in paris for "+x402test.PayerAddress, reply.Result.Content[0].Text)

			var receipt x402.SettlementResponse
			require.NoError(t, json.Unmarshal(reply.Result.Meta[mcp.MetaKeyPaymentResponse], &receipt))
			assert.True(t, receipt.Success)
			assert.Equal(t, x402test.TxHash, receipt.Transaction)
			assert.NotEmpty(t, rec.Header().Get("X-Payment-Response"))
			assert.Len(t, sub.Calls(), 1)
		})
	}
}

func TestX402Server_ReplayRejected(t *testing.T) {
	srv, sub := newServer(t)
	h := srv.Handler()
	payment := x402test.PaymentHeader(t, x402test.Requirement())

	first, _ := call(t, h, "tools/call", weatherCall(payment))
	require.Nil(t, first.Error)

	second, _ := call(t, h, "tools/call", weatherCall(payment))
	require.NotNil(t, second.Error)
	assert.Equal(t, mcp.CodePaymentRequired, second.Error.Code)
	assert.Equal(t, string(x402.ErrCodePaymentAlreadyUsed), second.Error.Data.Error)
	assert.Len(t, sub.Calls(), 1)
}

func TestX402Server_MalformedPayment(t *testing.T) {
	srv, sub := newServer(t)

	reply, _ := call(t, srv.Handler(), "tools/call", weatherCall("not-a-payment!!"))

	require.NotNil(t, reply.Error)
	assert.Equal(t, mcp.CodeInvalidParams, reply.Error.Code)
	assert.Equal(t, string(x402.ErrCodeInvalidPayload), reply.Error.Data.Error)
	assert.Empty(t, sub.Calls())
}

func TestX402Server_InvalidParams(t *testing.T) {
	srv, _ := newServer(t)

	reply, _ := call(t, srv.Handler(), "tools/call", map[string]interface{}{"arguments": map[string]interface{}{}})

	require.NotNil(t, reply.Error)
	assert.Equal(t, mcp.CodeInvalidParams, reply.Error.Code)
}

func TestX402Server_AddPayableTool(t *testing.T) {
	cat, err := catalog.New(catalog.Route{
		Pattern:      mcp.ToolPattern("priced"),
		Requirements: []x402.PaymentRequirement{x402test.Requirement()},
	})
	require.NoError(t, err)
	gw, err := gateway.New(cat, nonce.NewMemoryLedger(), gateway.WithSubmitter(x402test.Settles()))
	require.NoError(t, err)
	srv := NewX402Server("test", "1.0.0", cat, gw)

	noop := func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		return mcpproto.NewToolResultText("ok"), nil
	}

	assert.NoError(t, srv.AddPayableTool(mcpproto.NewTool("priced"), noop))
	assert.ErrorIs(t, srv.AddPayableTool(mcpproto.NewTool("unpriced"), noop), mcp.ErrToolNotPriced)

	bad := x402test.Requirement()
	bad.PayTo = "nowhere"
	assert.Error(t, srv.AddPayableTool(mcpproto.NewTool("broken"), noop, bad))
}

func TestPaymentHeader(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"missing", ``, ""},
		{"null", `null`, ""},
		{"encoded", `"eyJ4NDAyVmVyc2lvbiI6MX0="`, "eyJ4NDAyVmVyc2lvbiI6MX0="},
		{"object", `{"x402Version":1}`, "eyJ4NDAyVmVyc2lvbiI6MX0="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, paymentHeader(json.RawMessage(tt.raw)))
		})
	}
}
