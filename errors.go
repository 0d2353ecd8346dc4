package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard x402 error definitions

var (
	// ErrMalformedHeader indicates that the X-PAYMENT header could not be decoded.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates that no configured requirement matches the payment's
	// scheme, network and asset.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrInvalidSignature indicates the signature does not recover to the authorization's payer.
	ErrInvalidSignature = errors.New("x402: invalid signature")

	// ErrRecipientMismatch indicates payment recipient doesn't match requirements.
	ErrRecipientMismatch = errors.New("x402: recipient mismatch")

	// ErrExpiredAuthorization indicates validBefore has passed.
	ErrExpiredAuthorization = errors.New("x402: authorization expired")

	// ErrAuthorizationNotYetValid indicates validAfter is still in the future.
	ErrAuthorizationNotYetValid = errors.New("x402: authorization not yet valid")

	// ErrInsufficientAmount indicates the authorized value is below the required amount.
	ErrInsufficientAmount = errors.New("x402: insufficient payment amount")

	// ErrNonceConsumed indicates the authorization or transaction was already redeemed.
	ErrNonceConsumed = errors.New("x402: payment already used")

	// ErrSettlementFailed indicates on-chain settlement reached a failed terminal state.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrSettlementUnknown indicates settlement did not reach a terminal state in time.
	ErrSettlementUnknown = errors.New("x402: payment settlement outcome unknown")

	// ErrPendingConfirmation indicates a native payment is not yet mined or confirmed.
	ErrPendingConfirmation = errors.New("x402: payment pending confirmation")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrLedgerUnavailable indicates the nonce ledger could not be consulted.
	ErrLedgerUnavailable = errors.New("x402: nonce ledger unavailable")

	// ErrInvalidAmount indicates an amount string could not be parsed.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidNetwork indicates an unknown network identifier.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidRequirements indicates a malformed payment requirement.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrTimeout indicates the operation timed out.
	ErrTimeout = errors.New("x402: operation timed out")

	// ErrNoValidSigner indicates no configured client signer can pay any offered requirement.
	ErrNoValidSigner = errors.New("x402: no signer can satisfy the payment requirements")

	// ErrAmountExceeded indicates a requirement asks for more than the signer's per-call limit.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds per-call limit")
)

// ErrorCode is the machine-readable reason code surfaced to clients in the "error" field of
// a 402 or 400 body.
type ErrorCode string

const (
	ErrCodePaymentRequired      ErrorCode = "payment_required"
	ErrCodeInvalidPayload       ErrorCode = "invalid_payment_payload"
	ErrCodeUnsupportedPayment   ErrorCode = "unsupported_payment"
	ErrCodeRecipientMismatch    ErrorCode = "recipient_mismatch"
	ErrCodeInvalidSignature     ErrorCode = "invalid_signature"
	ErrCodeAuthorizationExpired ErrorCode = "authorization_expired"
	ErrCodeNotYetValid          ErrorCode = "not_yet_valid"
	ErrCodeInsufficientAmount   ErrorCode = "insufficient_amount"
	ErrCodePaymentAlreadyUsed   ErrorCode = "payment_already_used"
	ErrCodeSettlementFailed     ErrorCode = "settlement_failed"
	ErrCodeSettlementPending    ErrorCode = "settlement_pending"
	ErrCodePendingConfirmation  ErrorCode = "pending_confirmation"
	ErrCodeUnavailable          ErrorCode = "service_unavailable"
)

// Category groups reason codes by what the client should do next.
type Category int

const (
	// CategoryProtocol is a malformed or unparseable request: fix the client.
	CategoryProtocol Category = iota + 1
	// CategoryRejected is a well-formed payment that does not satisfy the route: pay or sign again.
	CategoryRejected
	// CategorySettlementFailed is a definite on-chain failure.
	CategorySettlementFailed
	// CategorySettlementUnknown means wait and retry with the same payment.
	CategorySettlementUnknown
	// CategoryUnavailable is a server-side outage.
	CategoryUnavailable
)

func (c Category) String() string {
	switch c {
	case CategoryProtocol:
		return "protocol_error"
	case CategoryRejected:
		return "payment_rejected"
	case CategorySettlementFailed:
		return "settlement_failed"
	case CategorySettlementUnknown:
		return "settlement_unknown"
	case CategoryUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Category returns the taxonomy bucket of the code.
func (c ErrorCode) Category() Category {
	switch c {
	case ErrCodeInvalidPayload:
		return CategoryProtocol
	case ErrCodeSettlementFailed:
		return CategorySettlementFailed
	case ErrCodeSettlementPending, ErrCodePendingConfirmation:
		return CategorySettlementUnknown
	case ErrCodeUnavailable:
		return CategoryUnavailable
	default:
		return CategoryRejected
	}
}

// StatusCode is the HTTP status a rejection with this code is sent with.
func (c ErrorCode) StatusCode() int {
	switch c.Category() {
	case CategoryProtocol:
		return http.StatusBadRequest
	case CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusPaymentRequired
	}
}

// PaymentError is a rejection carrying a reason code, a human message and the underlying cause.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]interface{}
}

// NewPaymentError creates a PaymentError. err may be nil.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value to the error and returns it for chaining.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	e.Details[key] = value
	return e
}

// StatusCode is the HTTP status to answer with.
func (e *PaymentError) StatusCode() int {
	return e.Code.StatusCode()
}

// AsPaymentError extracts a *PaymentError from err's chain.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
