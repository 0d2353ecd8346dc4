package validation

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/x402-gateway"
)

func validRequirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "50000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
	}
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{"valid", "50000", false},
		{"huge", "115792089237316195423570985008687907853269984665640564039457584007913129639935", false},
		{"empty", "", true},
		{"zero", "0", true},
		{"negative", "-1", true},
		{"decimal", "1.5", true},
		{"hex", "0x10", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(tt.amount)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAmount(%q) error = %v, wantErr %v", tt.amount, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		address string
		wantErr bool
	}{
		{"0x209693Bc6afc0C5328bA36FaF03C514EF312287C", false},
		{"0x209693bc6afc0c5328ba36faf03c514ef312287c", false},
		{"", true},
		{"209693Bc6afc0C5328bA36FaF03C514EF312287C", true},
		{"0x209693Bc6afc0C5328bA36FaF03C514EF31228", true},
		{"0xG09693Bc6afc0C5328bA36FaF03C514EF312287C", true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			err := ValidateAddress(tt.address)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.address, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePaymentRequirement(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*x402.PaymentRequirement)
		wantError string
	}{
		{"valid exact", func(r *x402.PaymentRequirement) {}, ""},
		{"valid native", func(r *x402.PaymentRequirement) {
			r.Scheme = "native"
			r.Asset = x402.NativeAsset
			r.Extra = map[string]interface{}{"confirmations": 2}
		}, ""},
		{"empty scheme", func(r *x402.PaymentRequirement) { r.Scheme = "" }, "scheme cannot be empty"},
		{"unknown scheme", func(r *x402.PaymentRequirement) { r.Scheme = "upto" }, "unsupported scheme"},
		{"zero amount", func(r *x402.PaymentRequirement) { r.MaxAmountRequired = "0" }, "amount must be greater than 0"},
		{"unknown network", func(r *x402.PaymentRequirement) { r.Network = "solana" }, "invalid or unsupported network"},
		{"bad payTo", func(r *x402.PaymentRequirement) { r.PayTo = "0x1234" }, "payTo"},
		{"zero payTo", func(r *x402.PaymentRequirement) { r.PayTo = x402.NativeAsset }, "zero address"},
		{"empty asset", func(r *x402.PaymentRequirement) { r.Asset = "" }, "asset address cannot be empty"},
		{"negative timeout", func(r *x402.PaymentRequirement) { r.MaxTimeoutSeconds = -1 }, "timeout cannot be negative"},
		{"exact with native asset", func(r *x402.PaymentRequirement) { r.Asset = x402.NativeAsset }, "needs a token asset"},
		{"empty domain name", func(r *x402.PaymentRequirement) { r.Extra["name"] = "" }, "EIP-712 name"},
		{"native with token", func(r *x402.PaymentRequirement) { r.Scheme = "native" }, "zero asset address"},
		{"native bad confirmations", func(r *x402.PaymentRequirement) {
			r.Scheme = "native"
			r.Asset = x402.NativeAsset
			r.Extra = map[string]interface{}{"confirmations": "many"}
		}, "confirmations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequirement()
			tt.mutate(&req)
			err := ValidatePaymentRequirement(req)
			if tt.wantError == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantError)
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantError)
			}
		})
	}
}

func TestValidatePaymentPayload(t *testing.T) {
	tests := []struct {
		name    string
		payment x402.PaymentPayload
		wantErr error
		ok      bool
	}{
		{"valid", x402.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "base", Payload: json.RawMessage(`{}`)}, nil, true},
		{"bare native without network", x402.PaymentPayload{X402Version: 1, Scheme: "native", Payload: json.RawMessage(`{"txHash":"0x1"}`)}, nil, true},
		{"version 2", x402.PaymentPayload{X402Version: 2, Scheme: "exact", Network: "base", Payload: json.RawMessage(`{}`)}, x402.ErrUnsupportedVersion, false},
		{"no scheme", x402.PaymentPayload{X402Version: 1, Network: "base", Payload: json.RawMessage(`{}`)}, nil, false},
		{"no network", x402.PaymentPayload{X402Version: 1, Scheme: "exact", Payload: json.RawMessage(`{}`)}, nil, false},
		{"null payload", x402.PaymentPayload{X402Version: 1, Scheme: "exact", Network: "base", Payload: json.RawMessage(`null`)}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePaymentPayload(tt.payment)
			if tt.ok != (err == nil) {
				t.Fatalf("ValidatePaymentPayload() error = %v, want ok=%v", err, tt.ok)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateEVMPayload(t *testing.T) {
	valid := `{
		"signature": "0x2d6a7588d6acca505cbf0d9a4a227e0c52c6c34008c8e8986a1283259764173608a2ce6496642e377d6da8dbbf5836e9bd15092f9ecab05ded3d6293af148b571c",
		"authorization": {
			"from": "0x857b06519E91e3A54538791bDbb0E22373e36b66",
			"to": "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			"value": "50000",
			"validAfter": "0",
			"validBefore": "1740672154",
			"nonce": "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480"
		}
	}`
	if err := ValidateEVMPayload(json.RawMessage(valid)); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}

	tests := []struct {
		name    string
		replace [2]string
	}{
		{"short signature", [2]string{`8b571c"`, `8b57"`}},
		{"numeric value", [2]string{`"value": "50000"`, `"value": 50000`}},
		{"negative value", [2]string{`"value": "50000"`, `"value": "-50000"`}},
		{"short nonce", [2]string{`13480"`, `1348"`}},
		{"bad from", [2]string{`"from": "0x857b`, `"from": "857b`}},
		{"extra field", [2]string{`"nonce"`, `"chainId": "1", "nonce"`}},
		{"missing validBefore", [2]string{`"validBefore": "1740672154",`, ``}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(valid, tt.replace[0], tt.replace[1], 1)
			if doc == valid {
				t.Fatalf("test replacement %q did not apply", tt.replace[0])
			}
			if err := ValidateEVMPayload(json.RawMessage(doc)); err == nil {
				t.Error("expected schema violation")
			}
		})
	}
}

func TestValidateNativePayload(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	if err := ValidateNativePayload(json.RawMessage(`{"txHash":"` + hash + `"}`)); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	for _, doc := range []string{
		`{"txHash":"0x1234"}`,
		`{"txHash":"` + hash + `","value":"1"}`,
		`{}`,
		`not json`,
	} {
		if err := ValidateNativePayload(json.RawMessage(doc)); err == nil {
			t.Errorf("expected error for %s", doc)
		}
	}
}
