package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/retry"
)

var testRequirement = x402.PaymentRequirement{
	Scheme:            "exact",
	Network:           "base-sepolia",
	MaxAmountRequired: "10000",
	Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	Resource:          "https://api.example.com/test",
	Description:       "Test resource",
	MaxTimeoutSeconds: 60,
}

var testPayload = x402.PaymentPayload{
	X402Version: 1,
	Scheme:      "exact",
	Network:     "base-sepolia",
	Payload:     json.RawMessage(`{"signature":"0x00"}`),
}

var fastRetry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

func TestClient_Verify(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("Expected path /verify, got %s", r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.PaymentRequirements.MaxAmountRequired != "10000" {
			t.Errorf("Unexpected requirement %+v", req.PaymentRequirements)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(VerifyResponse{
			IsValid: true,
			Payer:   "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		})
	}))
	defer mockServer.Close()

	client := NewClient(mockServer.URL + "/")

	resp, err := client.Verify(context.Background(), testPayload, testRequirement)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.IsValid {
		t.Error("Expected IsValid to be true")
	}
	if resp.Payer != "0x857b06519E91e3A54538791bDbb0E22373e36b66" {
		t.Errorf("Expected payer address, got %s", resp.Payer)
	}
}

func TestClient_Settle(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("Expected path /settle, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		json.NewEncoder(w).Encode(x402.SettlementResponse{
			Success:     true,
			Transaction: "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
			Network:     "base-sepolia",
			Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		})
	}))
	defer mockServer.Close()

	resp, err := NewClient(mockServer.URL).Settle(context.Background(), testPayload, testRequirement)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if !resp.Success {
		t.Error("Expected Success to be true")
	}
	if resp.Transaction == "" {
		t.Error("Expected transaction hash")
	}
}

func TestClient_SettleIsNotRetried(t *testing.T) {
	var calls int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer mockServer.Close()

	_, err := NewClient(mockServer.URL, WithRetry(fastRetry)).Settle(context.Background(), testPayload, testRequirement)
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Errorf("Expected ErrFacilitatorUnavailable, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected StatusError 502, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 call, got %d", got)
	}
}

func TestClient_SettleTimeout(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer mockServer.Close()

	client := NewClient(mockServer.URL, WithTimeouts(x402.DefaultTimeouts.WithSettleTimeout(20*time.Millisecond)))
	_, err := client.Settle(context.Background(), testPayload, testRequirement)
	if !errors.Is(err, x402.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestClient_BadRequestIsNotUnavailable(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid payload", http.StatusBadRequest)
	}))
	defer mockServer.Close()

	_, err := NewClient(mockServer.URL, WithRetry(fastRetry)).Verify(context.Background(), testPayload, testRequirement)
	if err == nil {
		t.Fatal("Expected error")
	}
	if errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Errorf("400 should not be classified as unavailable: %v", err)
	}
}

func TestClient_Supported(t *testing.T) {
	var calls int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/supported" {
			t.Errorf("Expected path /supported, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(SupportedResponse{Kinds: []SupportedKind{
			{X402Version: 1, Scheme: "exact", Network: "base-sepolia"},
		}})
	}))
	defer mockServer.Close()

	resp, err := NewClient(mockServer.URL, WithRetry(fastRetry)).Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported failed: %v", err)
	}
	if !resp.Supports("exact", "base-sepolia") {
		t.Error("Expected exact/base-sepolia to be supported")
	}
	if resp.Supports("exact", "base") {
		t.Error("Did not expect exact/base to be supported")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("Expected one retry, got %d calls", got)
	}
}

func TestClient_Unreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", WithRetry(fastRetry))
	_, err := client.Supported(context.Background())
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Errorf("Expected ErrFacilitatorUnavailable, got %v", err)
	}
}
