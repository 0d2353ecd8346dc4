package http

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/gateway"
	"github.com/mark3labs/x402-gateway/internal/x402test"
	"github.com/mark3labs/x402-gateway/settlement"
	"github.com/mark3labs/x402-gateway/signers/evm"
)

const (
	payerAddr = x402test.PayerAddress
	txHash    = x402test.TxHash
)

func settles(results ...settlement.Result) *x402test.Submitter {
	return x402test.Settles(results...)
}

func newGateway(t *testing.T, sub settlement.Submitter) *gateway.Gateway {
	return x402test.Gateway(t, sub, "GET /weather", "POST /submit")
}

func newPayer(t *testing.T, network string) *evm.Signer {
	return x402test.Payer(t, network)
}

func signedHeader(t *testing.T) string {
	return x402test.PaymentHeader(t, x402test.Requirement())
}

// app is a protected handler that reports who paid and echoes the request body.
func app(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		out := map[string]string{"body": string(body)}
		if pc, ok := PaymentFromContext(r.Context()); ok {
			out["payer"] = pc.Payer
			out["id"] = pc.ID
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			t.Errorf("failed to write response: %v", err)
		}
	})
}

func decodeBody(t *testing.T, r io.Reader) x402.PaymentRequirementsResponse {
	t.Helper()
	var body x402.PaymentRequirementsResponse
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		t.Fatalf("failed to decode 402 body: %v", err)
	}
	return body
}
