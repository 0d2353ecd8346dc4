// Package helpers provides shared helper functions for x402 HTTP middleware implementations.
// These helpers are used by stdlib, Gin, PocketBase, and Chi middleware to ensure consistent behavior.
package helpers

import (
	"encoding/json"
	"net/http"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/encoding"
	"github.com/mark3labs/x402-gateway/gateway"
)

const (
	// PaymentHeader carries the client's payment.
	PaymentHeader = "X-PAYMENT"

	// PaymentResponseHeader carries the base64 settlement receipt of a granted request.
	PaymentResponseHeader = "X-Payment-Response"
)

// ResourceURL builds the absolute URL of the requested resource.
func ResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}

// GatewayRequest translates an http.Request into the gateway's transport-independent form.
func GatewayRequest(r *http.Request) gateway.Request {
	return gateway.Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Resource:      ResourceURL(r),
		PaymentHeader: r.Header.Get(PaymentHeader),
	}
}

// WriteDecision answers a request the gateway did not allow with its JSON challenge or
// rejection body.
func WriteDecision(w http.ResponseWriter, d *gateway.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.StatusCode())
	// Headers are already sent; an encoding error leaves only the body incomplete.
	_ = json.NewEncoder(w).Encode(d.Body())
}

// AddPaymentResponseHeader adds the X-Payment-Response header with base64-encoded settlement information.
// The header contains JSON-encoded SettlementResponse data.
//
// Returns an error if encoding fails.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettlementResponse) error {
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return err
	}
	w.Header().Set(PaymentResponseHeader, encoded)
	return nil
}
