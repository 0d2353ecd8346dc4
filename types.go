package x402

import (
	"encoding/json"
	"math/big"

	"github.com/shopspring/decimal"
)

// X402Version is the only protocol version the gateway speaks.
const X402Version = 1

// Payment schemes understood by the gateway.
const (
	// SchemeExact is a gasless EIP-3009 transferWithAuthorization signed off-chain by the payer.
	SchemeExact = "exact"

	// SchemeNative is a plain native-asset transfer identified by its transaction hash.
	SchemeNative = "native"
)

// NativeAsset is the asset address used by requirements that are paid in the chain's native coin.
const NativeAsset = "0x0000000000000000000000000000000000000000"

// PaymentRequirement represents a single payment option from a 402 response.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier ("exact" or "native").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base-sepolia").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address, or NativeAsset.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra contains scheme-specific additional data: the EIP-712 domain "name" and
	// "version" for exact payments, "confirmations" for native payments.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// ExtraString returns a string value from Extra, or "" when it is absent.
func (r PaymentRequirement) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	s, _ := r.Extra[key].(string)
	return s
}

// ExtraUint returns a non-negative integer value from Extra. JSON numbers, Go integers
// and decimal strings are accepted.
func (r PaymentRequirement) ExtraUint(key string) (uint64, bool) {
	if r.Extra == nil {
		return 0, false
	}
	switch v := r.Extra[key].(type) {
	case int:
		if v >= 0 {
			return uint64(v), true
		}
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	case uint64:
		return v, true
	case float64:
		if v >= 0 {
			return uint64(v), true
		}
	case string:
		if n, ok := new(big.Int).SetString(v, 10); ok && n.Sign() >= 0 && n.IsUint64() {
			return n.Uint64(), true
		}
	}
	return 0, false
}

// PaymentRequirementsResponse is the JSON body of every 402 the gateway sends.
type PaymentRequirementsResponse struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Error is the machine-readable reason code, "payment_required" for a plain challenge.
	Error string `json:"error"`

	// Message carries the human-readable detail of a rejection.
	Message string `json:"message,omitempty"`

	// Accepts is an array of payment options the server will accept.
	Accepts []PaymentRequirement `json:"accepts"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload holds the scheme-specific document (EVMPayload or NativePayload). It is kept raw
	// so it can be checked against the scheme's schema before it is decoded.
	Payload json.RawMessage `json:"payload"`
}

// EVMPayload represents an EVM payment with EIP-3009 authorization.
type EVMPayload struct {
	// Signature is the hex-encoded 65 byte ECDSA signature.
	Signature string `json:"signature"`

	// Authorization contains the EIP-3009 transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization represents EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string to prevent replay attacks.
	Nonce string `json:"nonce"`
}

// NativePayload references an already broadcast native-asset transfer.
type NativePayload struct {
	TxHash string `json:"txHash"`
}

// SettlementResponse is the receipt sent back in the X-Payment-Response header.
type SettlementResponse struct {
	// Success indicates whether the payment was successfully settled.
	Success bool `json:"success"`

	// ErrorReason provides details if the payment failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// Transaction is the blockchain transaction hash.
	Transaction string `json:"transaction,omitempty"`

	// Network is the blockchain network where the payment was settled.
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer"`

	// Amount is the settled value in atomic units.
	Amount string `json:"amount,omitempty"`

	// Confirmations is the number of blocks on top of (and including) the settlement block
	// when the receipt was observed.
	Confirmations uint64 `json:"confirmations,omitempty"`
}

// PaymentContext is what a protected handler learns about the payment that unlocked it.
type PaymentContext struct {
	// ID uniquely identifies this grant.
	ID string `json:"id"`

	Payer    string `json:"payer"`
	Amount   string `json:"amount"`
	Asset    string `json:"asset"`
	Network  string `json:"network"`
	Scheme   string `json:"scheme"`
	Resource string `json:"resource"`

	Settlement *SettlementResponse `json:"settlement,omitempty"`
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000. Amounts with more fractional
// digits than the token supports are rejected rather than rounded.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if value.IsNegative() {
		return nil, ErrInvalidAmount
	}

	scaled := value.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrInvalidAmount
	}
	return scaled.BigInt(), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, int32(-decimals)).StringFixed(int32(decimals))
}
