package helpers

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/encoding"
	"github.com/mark3labs/x402-gateway/gateway"
)

func TestResourceURL(t *testing.T) {
	tests := []struct {
		name   string
		target string
		tls    bool
		want   string
	}{
		{"plain http", "http://api.example.com/weather?city=paris", false, "http://api.example.com/weather?city=paris"},
		{"tls", "https://api.example.com/data", true, "https://api.example.com/data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			}
			if got := ResourceURL(r); got != tt.want {
				t.Errorf("ResourceURL() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGatewayRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://example.com/api/v1/run?x=1", nil)
	r.Header.Set(PaymentHeader, "abc")

	req := GatewayRequest(r)
	if req.Method != http.MethodPost {
		t.Errorf("Method = %s", req.Method)
	}
	if req.Path != "/api/v1/run" {
		t.Errorf("Path = %s", req.Path)
	}
	if req.Resource != "http://example.com/api/v1/run?x=1" {
		t.Errorf("Resource = %s", req.Resource)
	}
	if req.PaymentHeader != "abc" {
		t.Errorf("PaymentHeader = %s", req.PaymentHeader)
	}
}

func TestWriteDecision(t *testing.T) {
	tests := []struct {
		name       string
		decision   *gateway.Decision
		wantStatus int
		wantError  string
	}{
		{
			name: "challenge",
			decision: &gateway.Decision{
				State:        gateway.ChallengeIssued,
				Requirements: []x402.PaymentRequirement{{Scheme: "exact", MaxAmountRequired: "50000"}},
			},
			wantStatus: http.StatusPaymentRequired,
			wantError:  "payment_required",
		},
		{
			name: "protocol error",
			decision: &gateway.Decision{
				State: gateway.Rejected,
				Error: x402.NewPaymentError(x402.ErrCodeInvalidPayload, "bad header", nil),
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_payment_payload",
		},
		{
			name: "ledger outage",
			decision: &gateway.Decision{
				State: gateway.Rejected,
				Error: x402.NewPaymentError(x402.ErrCodeUnavailable, "ledger down", nil),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "service_unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteDecision(w, tt.decision)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %s", ct)
			}

			var body x402.PaymentRequirementsResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if body.X402Version != 1 {
				t.Errorf("x402Version = %d", body.X402Version)
			}
			if body.Error != tt.wantError {
				t.Errorf("error = %s, want %s", body.Error, tt.wantError)
			}
			if body.Accepts == nil {
				t.Error("accepts must be present")
			}
		})
	}
}

func TestAddPaymentResponseHeader(t *testing.T) {
	w := httptest.NewRecorder()
	settlement := &x402.SettlementResponse{
		Success:     true,
		Transaction: "0xabc",
		Network:     "base-sepolia",
		Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
	}

	if err := AddPaymentResponseHeader(w, settlement); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	header := w.Header().Get(PaymentResponseHeader)
	if header == "" {
		t.Fatal("X-Payment-Response not set")
	}
	decoded, err := encoding.DecodeSettlement(header)
	if err != nil {
		t.Fatalf("DecodeSettlement: %v", err)
	}
	if decoded.Transaction != "0xabc" || !decoded.Success {
		t.Errorf("decoded = %+v", decoded)
	}
}
