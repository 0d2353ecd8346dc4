package gateway

import (
	"net/http"

	"github.com/mark3labs/x402-gateway"
)

// Request is the transport-independent view of an inbound call.
type Request struct {
	Method string
	Path   string
	// Resource is the absolute URL stamped into the requirements; Path is used when empty.
	Resource string
	// PaymentHeader is the raw X-PAYMENT value.
	PaymentHeader string
}

// Decision is the outcome of Process.
type Decision struct {
	State State
	// Trace lists every state the request passed through, ending with State.
	Trace []State

	// Requirements are the route's requirements stamped with the resource. They are
	// sent as "accepts" with every challenge and rejection.
	Requirements []x402.PaymentRequirement
	// Requirement is the one the payment was matched against, if any.
	Requirement *x402.PaymentRequirement

	Error *x402.PaymentError

	Payment    *x402.PaymentContext
	Settlement *x402.SettlementResponse
}

// Allowed reports whether the protected handler should run.
func (d *Decision) Allowed() bool {
	return d.State == Granted || d.State == PassThrough
}

// StatusCode is the status a blocked request is answered with, or 200 when allowed.
func (d *Decision) StatusCode() int {
	switch {
	case d.Allowed():
		return http.StatusOK
	case d.Error != nil:
		return d.Error.StatusCode()
	default:
		return http.StatusPaymentRequired
	}
}

// Body is the JSON document of a challenge or rejection.
func (d *Decision) Body() x402.PaymentRequirementsResponse {
	body := x402.PaymentRequirementsResponse{
		X402Version: x402.X402Version,
		Error:       string(x402.ErrCodePaymentRequired),
		Accepts:     d.Requirements,
	}
	if body.Accepts == nil {
		body.Accepts = []x402.PaymentRequirement{}
	}
	if d.Error != nil {
		body.Error = string(d.Error.Code)
		body.Message = d.Error.Message
	}
	return body
}

func (d *Decision) to(s State) {
	d.State = s
	d.Trace = append(d.Trace, s)
}

func (d *Decision) reject(code x402.ErrorCode, message string, err error) *Decision {
	d.Error = x402.NewPaymentError(code, message, err)
	d.to(Rejected)
	return d
}

// withTx records the transaction a rejection refers to.
func (d *Decision) withTx(tx string) *Decision {
	if tx != "" && d.Error != nil {
		d.Error.WithDetails("transaction", tx)
	}
	return d
}
