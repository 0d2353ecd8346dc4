// Package chi provides Chi-compatible middleware for x402 payment gating.
// This package is a thin adapter over the stdlib http.Handler middleware.
package chi

import (
	"net/http"

	"github.com/mark3labs/x402-gateway/gateway"
	httpx402 "github.com/mark3labs/x402-gateway/http"
)

// NewChiX402Middleware creates a new x402 payment middleware for Chi.
//
// The middleware:
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Answers priced routes with 402 Payment Required until a payment settles
//   - Sets X-Payment-Response and stores the payment in the request context
//   - Calls next handler on payment success, and on routes the catalog does not price
//
// Example usage:
//
//	gw, _ := gateway.New(cat, nonce.NewMemoryLedger(), gateway.WithSubmitter(relayer))
//	r := chi.NewRouter()
//	r.Use(NewChiX402Middleware(gw))
//	r.Get("/protected", func(w http.ResponseWriter, r *http.Request) {
//	    payment, _ := httpx402.PaymentFromContext(r.Context())
//	    w.Write([]byte("Access granted! Payer: " + payment.Payer))
//	})
func NewChiX402Middleware(gw gateway.Processor, opts ...httpx402.Option) func(http.Handler) http.Handler {
	paid := httpx402.NewX402Middleware(gw, opts...)

	return func(next http.Handler) http.Handler {
		gated := paid(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			gated.ServeHTTP(w, r)
		})
	}
}
