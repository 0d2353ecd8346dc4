// Package facilitator is a client for x402 facilitator services, which verify and settle
// payments on the gateway's behalf.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/retry"
)

// Request is the body of /verify and /settle.
type Request struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
}

// VerifyResponse contains the payment verification result from the facilitator.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer"`
}

// SupportedKind describes a supported payment type with its configuration.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse lists all payment types supported by the facilitator.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Supports reports whether the facilitator settles scheme on network.
func (r *SupportedResponse) Supports(scheme, network string) bool {
	for _, k := range r.Kinds {
		if k.Scheme == scheme && k.Network == network {
			return true
		}
	}
	return false
}

// StatusError is a non-2xx answer from the facilitator.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("facilitator: %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Unwrap classifies 5xx and 429 answers as unavailability.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return x402.ErrFacilitatorUnavailable
	}
	return nil
}

// Client talks to one facilitator.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeouts   x402.TimeoutConfig
	Retry      retry.Config
	Logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.HTTPClient = hc
	}
}

// WithTimeouts sets the timeouts. LookupTimeout bounds /verify and /supported,
// SettleTimeout bounds /settle.
func WithTimeouts(t x402.TimeoutConfig) Option {
	return func(c *Client) {
		c.Timeouts = t
	}
}

// WithRetry sets the retry schedule of idempotent calls.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		c.Retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.Logger = logger
	}
}

// NewClient creates a client for the facilitator at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: http.DefaultClient,
		Timeouts:   x402.DefaultTimeouts,
		Retry:      retry.DefaultConfig,
		Logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify asks the facilitator to check a payment without settling it. Transient
// failures are retried.
func (c *Client) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*VerifyResponse, error) {
	body := Request{X402Version: x402.X402Version, PaymentPayload: payment, PaymentRequirements: requirement}
	return retry.WithRetry(ctx, c.Retry, isUnavailable, func() (*VerifyResponse, error) {
		var resp VerifyResponse
		if err := c.do(ctx, c.Timeouts.LookupTimeout, http.MethodPost, "/verify", body, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
}

// Settle asks the facilitator to execute a payment on chain. It is not retried: a
// timeout leaves the outcome unknown and is reported as such by the caller.
func (c *Client) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettlementResponse, error) {
	body := Request{X402Version: x402.X402Version, PaymentPayload: payment, PaymentRequirements: requirement}
	var resp x402.SettlementResponse
	if err := c.do(ctx, c.Timeouts.SettleTimeout, http.MethodPost, "/settle", body, &resp); err != nil {
		return nil, err
	}
	c.Logger.Debug("facilitator settled payment",
		"facilitator", c.BaseURL, "success", resp.Success, "tx", resp.Transaction, "reason", resp.ErrorReason)
	return &resp, nil
}

// Supported lists the payment kinds the facilitator settles.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	return retry.WithRetry(ctx, c.Retry, isUnavailable, func() (*SupportedResponse, error) {
		var resp SupportedResponse
		if err := c.do(ctx, c.Timeouts.RequestTimeout, http.MethodGet, "/supported", nil, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, endpoint string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("facilitator: failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("facilitator: failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %w", x402.ErrTimeout, endpoint, err)
		}
		return fmt.Errorf("%w: %s: %v", x402.ErrFacilitatorUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.Logger.Warn("facilitator request failed", "facilitator", c.BaseURL, "endpoint", endpoint, "status", resp.StatusCode)
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("facilitator: failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}
