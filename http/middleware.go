// Package http provides net/http middleware for x402 payment gating, and a client
// transport that pays for 402 responses.
package http

import (
	"log/slog"
	"net/http"

	"github.com/mark3labs/x402-gateway/gateway"
	"github.com/mark3labs/x402-gateway/http/internal/helpers"
)

// Option configures the middleware.
type Option func(*middleware)

type middleware struct {
	gw     gateway.Processor
	logger *slog.Logger
}

// WithLogger sets the logger. slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(m *middleware) {
		m.logger = logger
	}
}

// NewX402Middleware creates a new x402 payment middleware.
//
// Requests to routes the gateway's catalog does not price pass straight through. Priced
// routes are answered with a 402 challenge until a payment settles; the protected handler
// then runs with the X-Payment-Response header already set and the PaymentContext
// available through PaymentFromContext. Settlement completes before the handler is
// invoked, so a handler failure never un-pays a request.
func NewX402Middleware(gw gateway.Processor, opts ...Option) func(http.Handler) http.Handler {
	m := &middleware{gw: gw, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := m.gw.Process(r.Context(), helpers.GatewayRequest(r))

			switch d.State {
			case gateway.PassThrough:
				next.ServeHTTP(w, r)
			case gateway.Granted:
				if err := helpers.AddPaymentResponseHeader(w, d.Settlement); err != nil {
					m.logger.Warn("failed to add payment response header", "error", err)
				}
				next.ServeHTTP(w, r.WithContext(ContextWithPayment(r.Context(), d.Payment)))
			default:
				helpers.WriteDecision(w, d)
			}
		})
	}
}
