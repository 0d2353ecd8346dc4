package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/encoding"
	"github.com/mark3labs/x402-gateway/http/internal/helpers"
	"github.com/mark3labs/x402-gateway/retry"
)

// PaymentEventType identifies a payment lifecycle event seen by the client.
type PaymentEventType string

const (
	PaymentEventAttempt PaymentEventType = "attempt"
	PaymentEventSuccess PaymentEventType = "success"
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent describes a payment made by X402Transport.
type PaymentEvent struct {
	Type        PaymentEventType
	Timestamp   time.Time
	URL         string
	Network     string
	Scheme      string
	Amount      string
	Asset       string
	Recipient   string
	Transaction string
	Payer       string
	// Reason is the server's reason code when the paid request was still refused.
	Reason   string
	Error    error
	Duration time.Duration
}

// PaymentCallback receives payment events.
type PaymentCallback func(PaymentEvent)

var errPending = errors.New("x402: settlement still pending")

// X402Transport is a custom RoundTripper that handles x402 payment flows.
// It wraps an existing http.RoundTripper and automatically handles 402 Payment Required responses.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signers is the list of available payment signers, in order of preference.
	Signers []x402.Signer

	// PendingRetry resends the same payment while the server answers settlement_pending
	// or pending_confirmation. A zero MaxAttempts sends it once.
	PendingRetry retry.Config

	OnPaymentAttempt PaymentCallback
	OnPaymentSuccess PaymentCallback
	OnPaymentFailure PaymentCallback
}

func (t *X402Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

// RoundTrip implements http.RoundTripper.
// It makes the initial request, and if a 402 Payment Required response is received,
// it signs a payment for the first requirement one of its signers can satisfy and
// retries the request with it.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	resp, err := t.base().RoundTrip(RequestWithBody(req, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	requirements, err := parsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("x402: failed to parse payment requirements: %w", err)
	}

	payment, selected, err := x402.SelectAndSign(requirements, t.Signers)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	event := PaymentEvent{
		URL:       req.URL.String(),
		Network:   selected.Network,
		Scheme:    selected.Scheme,
		Amount:    selected.MaxAmountRequired,
		Asset:     selected.Asset,
		Recipient: selected.PayTo,
	}
	t.emit(t.OnPaymentAttempt, PaymentEventAttempt, event, startTime)

	header, err := encoding.EncodePayment(*payment)
	if err != nil {
		event.Error = err
		t.emit(t.OnPaymentFailure, PaymentEventFailure, event, startTime)
		return nil, fmt.Errorf("x402: failed to build payment header: %w", err)
	}

	respPaid, err := t.pay(req, body, header)
	if err != nil {
		event.Error = err
		t.emit(t.OnPaymentFailure, PaymentEventFailure, event, startTime)
		return nil, err
	}

	if settlement, err := parseSettlement(respPaid.Header.Get(helpers.PaymentResponseHeader)); err == nil && settlement.Success {
		event.Transaction = settlement.Transaction
		event.Payer = settlement.Payer
		t.emit(t.OnPaymentSuccess, PaymentEventSuccess, event, startTime)
	} else if respPaid.StatusCode == http.StatusPaymentRequired || respPaid.StatusCode == http.StatusBadRequest {
		event.Reason = reasonOf(respPaid)
		t.emit(t.OnPaymentFailure, PaymentEventFailure, event, startTime)
	}

	return respPaid, nil
}

func (t *X402Transport) emit(cb PaymentCallback, typ PaymentEventType, event PaymentEvent, start time.Time) {
	if cb == nil {
		return
	}
	event.Type = typ
	event.Timestamp = time.Now()
	if typ != PaymentEventAttempt {
		event.Duration = time.Since(start)
	}
	cb(event)
}

// pay sends the request with the payment header, resending the identical payment while
// the server reports the settlement as pending.
func (t *X402Transport) pay(req *http.Request, body []byte, header string) (*http.Response, error) {
	send := func() (*http.Response, error) {
		r := RequestWithBody(req, body)
		r.Header.Set(helpers.PaymentHeader, header)
		return t.base().RoundTrip(r)
	}
	if t.PendingRetry.MaxAttempts <= 1 {
		return send()
	}

	var last *http.Response
	resp, err := retry.WithRetry(req.Context(), t.PendingRetry,
		func(err error) bool { return errors.Is(err, errPending) },
		func() (*http.Response, error) {
			resp, err := send()
			if err != nil {
				return nil, err
			}
			if !isPending(resp) {
				return resp, nil
			}
			last = resp
			return nil, errPending
		})
	if err != nil && errors.Is(err, errPending) && last != nil {
		return last, nil
	}
	return resp, err
}

// isPending buffers the body of a 402 so it can be inspected and still returned.
func isPending(resp *http.Response) bool {
	if resp.StatusCode != http.StatusPaymentRequired {
		return false
	}
	switch x402.ErrorCode(reasonOf(resp)) {
	case x402.ErrCodeSettlementPending, x402.ErrCodePendingConfirmation:
		return true
	}
	return false
}

// reasonOf returns the reason code of a rejection, leaving resp.Body readable.
func reasonOf(resp *http.Response) string {
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	var body x402.PaymentRequirementsResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return body.Error
}

// parsePaymentRequirements extracts payment requirements from a 402 response.
func parsePaymentRequirements(resp *http.Response) ([]x402.PaymentRequirement, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body x402.PaymentRequirementsResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements JSON: %w", err)
	}
	if len(body.Accepts) == 0 {
		return nil, fmt.Errorf("no payment requirements in response")
	}
	return body.Accepts, nil
}

// parseSettlement extracts settlement information from the X-Payment-Response header.
func parseSettlement(headerValue string) (*x402.SettlementResponse, error) {
	if headerValue == "" {
		return nil, fmt.Errorf("no settlement header")
	}
	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

// RequestWithBody clones an HTTP request with a new body.
// This is needed because request bodies can only be read once.
func RequestWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body == nil {
		clone.Body = nil
		clone.ContentLength = 0
		return clone
	}
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return clone
}
