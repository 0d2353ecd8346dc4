// Package validation checks payment requirements and client payloads before any
// cryptographic work is attempted.
//
// Client payloads are matched against JSON schemas that list every required field and
// forbid extra ones. Requirements are operator input and are checked field by field with
// validator tags.
package validation

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mark3labs/x402-gateway"
)

var validate = validator.New()

const evmPayloadSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["signature", "authorization"],
  "properties": {
    "signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"},
    "authorization": {
      "type": "object",
      "additionalProperties": false,
      "required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
      "properties": {
        "from":        {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
        "to":          {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
        "value":       {"type": "string", "pattern": "^[0-9]{1,78}$"},
        "validAfter":  {"type": "string", "pattern": "^[0-9]{1,20}$"},
        "validBefore": {"type": "string", "pattern": "^[0-9]{1,20}$"},
        "nonce":       {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
      }
    }
  }
}`

const nativePayloadSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["txHash"],
  "properties": {
    "txHash": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
  }
}`

var (
	evmSchema    = mustSchema(evmPayloadSchema)
	nativeSchema = mustSchema(nativePayloadSchema)
)

func mustSchema(doc string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("validation: bad built-in schema: %v", err))
	}
	return schema
}

// ValidateAmount validates that an amount string is a valid positive integer.
// Returns an error if the amount is empty, malformed, or not greater than zero.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}

	return nil
}

// ValidateAddress validates an EVM address (0x followed by 40 hex characters).
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if err := validate.Var(address, "eth_addr"); err != nil {
		return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	return nil
}

// ValidatePaymentRequirement performs comprehensive validation of a payment requirement.
// It validates the amount, network, addresses, scheme, and scheme-specific extras.
func ValidatePaymentRequirement(req x402.PaymentRequirement) error {
	if err := validate.Var(req.Scheme, "required,oneof=exact native"); err != nil {
		if req.Scheme == "" {
			return fmt.Errorf("invalid requirement: scheme cannot be empty")
		}
		return fmt.Errorf("invalid requirement: unsupported scheme %s", req.Scheme)
	}

	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if req.Network == "" {
		return fmt.Errorf("invalid requirement: network cannot be empty")
	}
	if err := x402.ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.PayTo); err != nil {
		return fmt.Errorf("invalid requirement: payTo %w", err)
	}
	if strings.EqualFold(req.PayTo, x402.NativeAsset) {
		return fmt.Errorf("invalid requirement: payTo cannot be the zero address")
	}

	if req.Asset == "" {
		return fmt.Errorf("invalid requirement: asset address cannot be empty")
	}
	if err := ValidateAddress(req.Asset); err != nil {
		return fmt.Errorf("invalid requirement: asset %w", err)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirement: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	switch req.Scheme {
	case x402.SchemeExact:
		if strings.EqualFold(req.Asset, x402.NativeAsset) {
			return fmt.Errorf("invalid requirement: exact scheme needs a token asset")
		}
		if req.Extra != nil {
			if name, ok := req.Extra["name"]; ok {
				if s, _ := name.(string); s == "" {
					return fmt.Errorf("invalid requirement: EIP-712 name cannot be empty")
				}
			}
			if version, ok := req.Extra["version"]; ok {
				if s, _ := version.(string); s == "" {
					return fmt.Errorf("invalid requirement: EIP-712 version cannot be empty")
				}
			}
		}
	case x402.SchemeNative:
		if !strings.EqualFold(req.Asset, x402.NativeAsset) {
			return fmt.Errorf("invalid requirement: native scheme must use the zero asset address")
		}
		if _, present := req.Extra["confirmations"]; present {
			if _, ok := req.ExtraUint("confirmations"); !ok {
				return fmt.Errorf("invalid requirement: confirmations must be a non-negative integer")
			}
		}
	}

	return nil
}

// ValidatePaymentPayload validates the envelope of a decoded X-PAYMENT header.
func ValidatePaymentPayload(payment x402.PaymentPayload) error {
	if payment.X402Version != x402.X402Version {
		return fmt.Errorf("%w: %d", x402.ErrUnsupportedVersion, payment.X402Version)
	}

	if payment.Scheme == "" {
		return fmt.Errorf("scheme cannot be empty")
	}

	// A bare native payment carries no network; it is matched by scheme alone.
	if payment.Network == "" && payment.Scheme != x402.SchemeNative {
		return fmt.Errorf("network cannot be empty")
	}

	if len(payment.Payload) == 0 || string(payment.Payload) == "null" {
		return fmt.Errorf("payload cannot be empty")
	}

	return nil
}

// ValidateEVMPayload checks the raw payload of an "exact" payment against its schema.
func ValidateEVMPayload(raw json.RawMessage) error {
	return validateAgainst(evmSchema, raw)
}

// ValidateNativePayload checks the raw payload of a "native" payment against its schema.
func ValidateNativePayload(raw json.RawMessage) error {
	return validateAgainst(nativeSchema, raw)
}

func validateAgainst(schema *gojsonschema.Schema, raw json.RawMessage) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("payload does not match schema: %s", strings.Join(problems, "; "))
}
