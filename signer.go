package x402

import (
	"fmt"
	"math/big"
)

// Signer produces payments on the client side of the protocol. The gateway never signs
// on behalf of payers; signers exist for paying clients and for end-to-end tests.
type Signer interface {
	// Network returns the network identifier the signer pays on (e.g., "base").
	Network() string

	// Scheme returns the payment scheme the signer produces.
	Scheme() string

	// CanSign reports whether the signer can pay the given requirement.
	CanSign(requirement *PaymentRequirement) bool

	// Sign creates a payment for the requirement.
	Sign(requirement *PaymentRequirement) (*PaymentPayload, error)

	// MaxAmount returns the per-call spending limit, or nil when there is none.
	MaxAmount() *big.Int
}

// SelectAndSign pays the first requirement, in the server's order, that one of the signers
// can satisfy within its limit. Signers are tried in the order given.
func SelectAndSign(requirements []PaymentRequirement, signers []Signer) (*PaymentPayload, PaymentRequirement, error) {
	if len(signers) == 0 {
		return nil, PaymentRequirement{}, fmt.Errorf("%w: no signers configured", ErrNoValidSigner)
	}

	for i := range requirements {
		req := &requirements[i]
		amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
		if !ok {
			continue
		}
		for _, s := range signers {
			if !s.CanSign(req) {
				continue
			}
			if limit := s.MaxAmount(); limit != nil && amount.Cmp(limit) > 0 {
				continue
			}
			payment, err := s.Sign(req)
			if err != nil {
				return nil, *req, fmt.Errorf("failed to sign payment: %w", err)
			}
			return payment, *req, nil
		}
	}

	return nil, PaymentRequirement{}, ErrNoValidSigner
}
