package http

import (
	"context"

	"github.com/mark3labs/x402-gateway"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing the payment that unlocked a request.
const PaymentContextKey = contextKey("x402_payment")

// ContextWithPayment returns a copy of ctx carrying pc. Framework adapters use it so that
// PaymentFromContext works on their request contexts too.
func ContextWithPayment(ctx context.Context, pc *x402.PaymentContext) context.Context {
	return context.WithValue(ctx, PaymentContextKey, pc)
}

// PaymentFromContext returns the payment that unlocked the request, if any. Requests to
// free routes carry none.
func PaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	pc, ok := ctx.Value(PaymentContextKey).(*x402.PaymentContext)
	return pc, ok && pc != nil
}
