// Package gin provides Gin-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates gin.Context to the gateway's request form
// and writes its decision back.
package gin

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/mark3labs/x402-gateway/gateway"
	httpx402 "github.com/mark3labs/x402-gateway/http"
	"github.com/mark3labs/x402-gateway/http/internal/helpers"
)

// PaymentKey is the gin.Context key the payment is stored under.
const PaymentKey = "x402_payment"

// NewGinX402Middleware creates a new x402 payment middleware for Gin.
//
// The middleware:
//   - Answers priced routes with 402 Payment Required until a payment settles
//   - Stores the payment in the Gin context via c.Set("x402_payment", *x402.PaymentContext)
//     and in the request context for httpx402.PaymentFromContext
//   - Calls c.Abort() on payment failure to stop the handler chain
//   - Calls c.Next() on payment success, and on routes the catalog does not price
//
// Example usage:
//
//	r := gin.Default()
//	r.Use(NewGinX402Middleware(gw))
//	r.GET("/protected", func(c *gin.Context) {
//	    if payment, exists := c.Get("x402_payment"); exists {
//	        c.JSON(200, gin.H{"payer": payment.(*x402.PaymentContext).Payer})
//	    }
//	})
func NewGinX402Middleware(gw gateway.Processor) gin.HandlerFunc {
	logger := slog.Default()

	return func(c *gin.Context) {
		d := gw.Process(c.Request.Context(), helpers.GatewayRequest(c.Request))

		switch d.State {
		case gateway.PassThrough:
			c.Next()
		case gateway.Granted:
			if err := helpers.AddPaymentResponseHeader(c.Writer, d.Settlement); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
			}
			c.Set(PaymentKey, d.Payment)
			c.Request = c.Request.WithContext(httpx402.ContextWithPayment(c.Request.Context(), d.Payment))
			c.Next()
		default:
			c.AbortWithStatusJSON(d.StatusCode(), d.Body())
		}
	}
}
