// Package pocketbase provides PocketBase-compatible middleware for x402 payment gating.
package pocketbase

import (
	"log/slog"

	"github.com/pocketbase/pocketbase/core"

	"github.com/mark3labs/x402-gateway/gateway"
	httpx402 "github.com/mark3labs/x402-gateway/http"
	"github.com/mark3labs/x402-gateway/http/internal/helpers"
)

// PaymentKey is the request event key the payment is stored under.
const PaymentKey = "x402_payment"

// NewPocketBaseX402Middleware creates a new x402 payment middleware for PocketBase routes
// and route groups.
//
// Example usage:
//
//	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
//	    premium := se.Router.Group("/api/premium")
//	    premium.BindFunc(NewPocketBaseX402Middleware(gw))
//	    premium.GET("/reports", func(e *core.RequestEvent) error {
//	        payment := e.Get("x402_payment").(*x402.PaymentContext)
//	        return e.JSON(http.StatusOK, map[string]any{"payer": payment.Payer})
//	    })
//	    return se.Next()
//	})
func NewPocketBaseX402Middleware(gw gateway.Processor) func(*core.RequestEvent) error {
	logger := slog.Default()

	return func(e *core.RequestEvent) error {
		d := gw.Process(e.Request.Context(), helpers.GatewayRequest(e.Request))

		switch d.State {
		case gateway.PassThrough:
			return e.Next()
		case gateway.Granted:
			if err := helpers.AddPaymentResponseHeader(e.Response, d.Settlement); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
			}
			e.Set(PaymentKey, d.Payment)
			e.Request = e.Request.WithContext(httpx402.ContextWithPayment(e.Request.Context(), d.Payment))
			return e.Next()
		default:
			helpers.WriteDecision(e.Response, d)
			return nil
		}
	}
}
