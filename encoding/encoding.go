// Package encoding provides utilities for encoding and decoding x402 payment data.
// It handles the base64 JSON form used by the X-PAYMENT and X-Payment-Response headers.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/x402-gateway"
)

// EncodePayment converts a PaymentPayload to base64-encoded JSON string.
//
// Returns an error if JSON marshaling fails.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// EncodeEVMPayment wraps a signed EIP-3009 authorization into an "exact" X-PAYMENT value.
func EncodeEVMPayment(network string, payload x402.EVMPayload) (string, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal evm payload: %w", err)
	}
	return EncodePayment(x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     network,
		Payload:     inner,
	})
}

// EncodeNativePayment wraps a transaction hash into a "native" X-PAYMENT value.
func EncodeNativePayment(network, txHash string) (string, error) {
	inner, err := json.Marshal(x402.NativePayload{TxHash: txHash})
	if err != nil {
		return "", fmt.Errorf("failed to marshal native payload: %w", err)
	}
	return EncodePayment(x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeNative,
		Network:     network,
		Payload:     inner,
	})
}

// DecodeBase64 accepts standard and URL-safe alphabets, padded or not.
func DecodeBase64(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(encoded); err == nil {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("failed to decode base64: illegal input")
}

// DecodePayment converts a base64-encoded JSON string to PaymentPayload.
//
// The envelope is decoded strictly: unknown top-level fields are rejected. A bare
// {"txHash": "..."} document is accepted as a native payment with no network; callers
// match it against the route's native requirement.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	decoded, err := DecodeBase64(encoded)
	if err != nil {
		return payment, err
	}

	var bare x402.NativePayload
	if err := decodeStrict(decoded, &bare); err == nil && bare.TxHash != "" {
		return x402.PaymentPayload{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeNative,
			Payload:     json.RawMessage(decoded),
		}, nil
	}

	if err := decodeStrict(decoded, &payment); err != nil {
		return payment, fmt.Errorf("failed to unmarshal payment: %w", err)
	}

	return payment, nil
}

// DecodeEVMPayload decodes the scheme payload of an "exact" payment, rejecting unknown fields.
func DecodeEVMPayload(raw json.RawMessage) (x402.EVMPayload, error) {
	var payload x402.EVMPayload
	if err := decodeStrict(raw, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal evm payload: %w", err)
	}
	return payload, nil
}

// DecodeNativePayload decodes the scheme payload of a "native" payment, rejecting unknown fields.
func DecodeNativePayload(raw json.RawMessage) (x402.NativePayload, error) {
	var payload x402.NativePayload
	if err := decodeStrict(raw, &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal native payload: %w", err)
	}
	return payload, nil
}

// EncodeSettlement converts a SettlementResponse to base64-encoded JSON string.
// This is used for HTTP X-Payment-Response headers.
//
// Returns an error if JSON marshaling fails.
func EncodeSettlement(settlement x402.SettlementResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string to SettlementResponse.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeSettlement(encoded string) (x402.SettlementResponse, error) {
	var settlement x402.SettlementResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}

	return settlement, nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON document")
	}
	return nil
}
