package x402

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorDefinitions(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"MalformedHeader", ErrMalformedHeader, "x402: malformed payment header"},
		{"UnsupportedVersion", ErrUnsupportedVersion, "x402: unsupported protocol version"},
		{"UnsupportedScheme", ErrUnsupportedScheme, "x402: unsupported payment scheme"},
		{"InvalidSignature", ErrInvalidSignature, "x402: invalid signature"},
		{"ExpiredAuthorization", ErrExpiredAuthorization, "x402: authorization expired"},
		{"NonceConsumed", ErrNonceConsumed, "x402: payment already used"},
		{"SettlementFailed", ErrSettlementFailed, "x402: payment settlement failed"},
		{"FacilitatorUnavailable", ErrFacilitatorUnavailable, "x402: facilitator service unavailable"},
		{"InvalidAmount", ErrInvalidAmount, "x402: invalid amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.want {
				t.Errorf("Error message mismatch: got %q, want %q", tt.err.Error(), tt.want)
			}
		})
	}
}

func TestErrorCodeStatus(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		status   int
		category Category
	}{
		{ErrCodeInvalidPayload, http.StatusBadRequest, CategoryProtocol},
		{ErrCodeUnsupportedPayment, http.StatusPaymentRequired, CategoryRejected},
		{ErrCodeInvalidSignature, http.StatusPaymentRequired, CategoryRejected},
		{ErrCodeAuthorizationExpired, http.StatusPaymentRequired, CategoryRejected},
		{ErrCodeNotYetValid, http.StatusPaymentRequired, CategoryRejected},
		{ErrCodeInsufficientAmount, http.StatusPaymentRequired, CategoryRejected},
		{ErrCodePaymentAlreadyUsed, http.StatusPaymentRequired, CategoryRejected},
		{ErrCodeSettlementFailed, http.StatusPaymentRequired, CategorySettlementFailed},
		{ErrCodeSettlementPending, http.StatusPaymentRequired, CategorySettlementUnknown},
		{ErrCodePendingConfirmation, http.StatusPaymentRequired, CategorySettlementUnknown},
		{ErrCodeUnavailable, http.StatusServiceUnavailable, CategoryUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.StatusCode(); got != tt.status {
				t.Errorf("StatusCode() = %d, want %d", got, tt.status)
			}
			if got := tt.code.Category(); got != tt.category {
				t.Errorf("Category() = %v, want %v", got, tt.category)
			}
		})
	}
}

func TestPaymentError_Creation(t *testing.T) {
	tests := []struct {
		name    string
		code    ErrorCode
		message string
		err     error
	}{
		{"invalid signature", ErrCodeInvalidSignature, "signer mismatch", ErrInvalidSignature},
		{"expired", ErrCodeAuthorizationExpired, "validBefore passed", ErrExpiredAuthorization},
		{"without cause", ErrCodeUnsupportedPayment, "no matching requirement", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paymentErr := NewPaymentError(tt.code, tt.message, tt.err)

			if paymentErr.Code != tt.code {
				t.Errorf("Code = %v, want %v", paymentErr.Code, tt.code)
			}
			if paymentErr.Message != tt.message {
				t.Errorf("Message = %v, want %v", paymentErr.Message, tt.message)
			}
			if paymentErr.Err != tt.err {
				t.Errorf("Err = %v, want %v", paymentErr.Err, tt.err)
			}
			if paymentErr.Details == nil {
				t.Error("Details map should be initialized")
			}
			if !strings.Contains(paymentErr.Error(), tt.message) {
				t.Errorf("Error() = %q, want to contain %q", paymentErr.Error(), tt.message)
			}
		})
	}
}

func TestPaymentError_Unwrap(t *testing.T) {
	paymentErr := NewPaymentError(ErrCodeSettlementFailed, "reverted", ErrSettlementFailed).
		WithDetails("tx", "0xabc")
	wrapped := fmt.Errorf("gateway: %w", paymentErr)

	if !errors.Is(wrapped, ErrSettlementFailed) {
		t.Error("errors.Is should find the sentinel through PaymentError")
	}

	pe, ok := AsPaymentError(wrapped)
	if !ok {
		t.Fatal("AsPaymentError should find the PaymentError")
	}
	if pe.Details["tx"] != "0xabc" {
		t.Errorf("Details[tx] = %v, want 0xabc", pe.Details["tx"])
	}
	if pe.StatusCode() != http.StatusPaymentRequired {
		t.Errorf("StatusCode() = %d, want 402", pe.StatusCode())
	}

	if _, ok := AsPaymentError(errors.New("plain")); ok {
		t.Error("AsPaymentError should not match a plain error")
	}
}
