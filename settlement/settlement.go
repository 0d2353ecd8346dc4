// Package settlement executes verified EIP-3009 authorizations on chain and reconciles
// their outcome.
//
// A Submitter reports one of three outcomes. Success and Failed are terminal and are
// cached per authorization, so presenting the same authorization again never touches the
// chain twice. Unknown means a transaction may have been broadcast but no receipt was
// seen in time; it carries the transaction hash when one is known and is never cached.
package settlement

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/nonce"
	"github.com/mark3labs/x402-gateway/signature"
)

// Outcome is the reconciled state of a settlement.
type Outcome int

const (
	// Unknown means the outcome could not be determined before the deadline.
	Unknown Outcome = iota
	// Success means the transfer was mined with status 1.
	Success
	// Failed means the transfer definitely did not and will not happen.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the outcome can be cached.
func (o Outcome) Terminal() bool {
	return o == Success || o == Failed
}

// Result describes a settlement attempt.
type Result struct {
	Outcome       Outcome
	TxHash        string
	BlockNumber   uint64
	Confirmations uint64
	// Reason is the revert reason or facilitator error of a failed settlement.
	Reason  string
	Payer   string
	Network string
}

// Response renders the result as the X-Payment-Response receipt.
func (r Result) Response(amount string) x402.SettlementResponse {
	resp := x402.SettlementResponse{
		Success:       r.Outcome == Success,
		Transaction:   r.TxHash,
		Network:       r.Network,
		Payer:         r.Payer,
		Amount:        amount,
		Confirmations: r.Confirmations,
	}
	if r.Outcome != Success {
		resp.ErrorReason = r.Reason
	}
	return resp
}

// Request is a verified authorization ready for settlement.
type Request struct {
	Requirement   x402.PaymentRequirement
	Authorization signature.Authorization
	Signature     []byte
	// Payment is the original X-PAYMENT document, forwarded to facilitators.
	Payment x402.PaymentPayload
	// KnownTxHash is set when resuming a settlement whose outcome was Unknown: the
	// submitter only looks up this transaction and never broadcasts again.
	KnownTxHash string
	// Resumed is set when an earlier attempt for the same authorization ended without a
	// known outcome. The authorization may already be used on chain.
	Resumed bool
}

// Key is the ledger and cache key of the request's authorization.
func (r Request) Key() nonce.Key {
	return nonce.AuthorizationKey(
		r.Requirement.Network,
		common.HexToAddress(r.Requirement.Asset),
		r.Authorization.From,
		r.Authorization.Nonce,
	)
}

// Submitter settles authorizations.
//
// Settle returns a non-nil error only when nothing was submitted, for example because
// the node or facilitator was unreachable; the caller may then release the reservation.
type Submitter interface {
	Settle(ctx context.Context, req Request) (Result, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, req Request) (Result, error)

func (f SubmitterFunc) Settle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// settleCached runs settle under the idempotency cache. Concurrent calls for the same
// key wait for the first; terminal results are returned from the cache afterwards.
func settleCached(ctx context.Context, cache *Cache, key string, settle func() (Result, error)) (Result, error) {
	for {
		status, cached, done := cache.CheckAndMark(key)
		switch status {
		case StatusCached:
			return cached, nil
		case StatusInFlight:
			res, ok, err := cache.WaitForResult(ctx, key, done)
			if err != nil {
				return Result{}, fmt.Errorf("settlement: waiting for in-flight settlement: %w", err)
			}
			if ok {
				return res, nil
			}
			continue
		}

		res, err := settle()
		if err == nil && res.Outcome.Terminal() {
			cache.Complete(key, res, done)
		} else {
			cache.Fail(key, done)
		}
		return res, err
	}
}
