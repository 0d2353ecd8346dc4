package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/chain"
	"github.com/mark3labs/x402-gateway/facilitator"
	"github.com/mark3labs/x402-gateway/retry"
)

// Facilitator settles through facilitator services instead of sending transactions
// itself. When the primary facilitator is unavailable the fallback, if any, is tried.
type Facilitator struct {
	primary  *facilitator.Client
	fallback *facilitator.Client
	cache    *Cache
	verify   bool
	receipts chain.Client
	polling  retry.Config
	lookup   time.Duration
	logger   *slog.Logger
}

var _ Submitter = (*Facilitator)(nil)

// FacilitatorOption configures a Facilitator.
type FacilitatorOption func(*Facilitator)

// WithFallback sets a facilitator used when the primary is unavailable.
func WithFallback(c *facilitator.Client) FacilitatorOption {
	return func(f *Facilitator) {
		f.fallback = c
	}
}

// WithFacilitatorCache shares an idempotency cache.
func WithFacilitatorCache(c *Cache) FacilitatorOption {
	return func(f *Facilitator) {
		f.cache = c
	}
}

// WithVerify makes the submitter call /verify before /settle.
func WithVerify() FacilitatorOption {
	return func(f *Facilitator) {
		f.verify = true
	}
}

// WithReceiptClient lets a resumed settlement be reconciled against the chain instead of
// asking the facilitator again: by its transaction hash when known, otherwise by the
// token's authorizationState and AuthorizationUsed events.
func WithReceiptClient(c chain.Client, polling retry.Config) FacilitatorOption {
	return func(f *Facilitator) {
		f.receipts = c
		f.polling = polling
	}
}

// WithFacilitatorLogger sets the logger.
func WithFacilitatorLogger(logger *slog.Logger) FacilitatorOption {
	return func(f *Facilitator) {
		f.logger = logger
	}
}

// NewFacilitator creates a submitter relaying to primary.
func NewFacilitator(primary *facilitator.Client, opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		primary: primary,
		polling: retry.ReceiptPolling,
		lookup:  x402.DefaultTimeouts.LookupTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.cache == nil {
		f.cache = NewCache(10*time.Minute, 0)
	}
	return f
}

// Settle relays req to the facilitator.
func (f *Facilitator) Settle(ctx context.Context, req Request) (Result, error) {
	return settleCached(ctx, f.cache, req.Key().String(), func() (Result, error) {
		base := Result{Payer: req.Authorization.From.Hex(), Network: req.Requirement.Network}
		if req.KnownTxHash != "" && f.receipts != nil {
			return f.reconcile(ctx, base, common.HexToHash(req.KnownTxHash)), nil
		}
		if req.Resumed && f.receipts != nil {
			if res, ok, _ := f.settledOnChain(ctx, req, base); ok {
				return res, nil
			}
		}

		res, err := f.settleWith(ctx, f.primary, req, base)
		if err != nil && errors.Is(err, x402.ErrFacilitatorUnavailable) && f.fallback != nil {
			f.logger.Warn("primary facilitator unavailable, using fallback",
				"primary", f.primary.BaseURL, "fallback", f.fallback.BaseURL, "error", err)
			res, err = f.settleWith(ctx, f.fallback, req, base)
		}
		if err == nil && req.Resumed && res.Outcome == Failed {
			// The rejection may be the earlier attempt landing after the check above.
			return f.resumedFailure(ctx, req, base, res), nil
		}
		return res, err
	})
}

// settledOnChain reports the outcome of an authorization that an earlier attempt may
// already have settled. ok is false when the authorization is unused or the chain could
// not tell.
func (f *Facilitator) settledOnChain(ctx context.Context, req Request, base Result) (Result, bool, error) {
	asset := common.HexToAddress(req.Requirement.Asset)
	auth := req.Authorization
	lookup := newAuthorizationLookup(f.receipts, f.lookup, DefaultLogLookback)
	logger := f.logger.With("payer", base.Payer, "nonce", auth.Nonce.Hex())

	used, err := lookup.used(ctx, asset, auth.From, auth.Nonce)
	if err != nil {
		logger.Warn("could not read authorization state", "error", err)
		return Result{}, false, err
	}
	if !used {
		return Result{}, false, nil
	}
	hash, found, err := lookup.find(ctx, asset, auth.From, auth.Nonce)
	if err != nil || !found {
		logger.Warn("authorization used on chain but its transaction was not found", "error", err)
		base.Outcome = Unknown
		base.Reason = "authorization used on chain by an unknown transaction"
		return base, true, nil
	}
	logger.Info("authorization already used on chain, reconciling", "tx", hash.Hex())
	return f.reconcile(ctx, base, hash), true, nil
}

func (f *Facilitator) resumedFailure(ctx context.Context, req Request, base, failed Result) Result {
	if f.receipts != nil {
		res, ok, err := f.settledOnChain(ctx, req, base)
		if ok {
			return res
		}
		if err == nil {
			return failed
		}
	}
	f.logger.Warn("facilitator rejected a resumed settlement, outcome left unknown",
		"payer", base.Payer, "reason", failed.Reason)
	base.Outcome = Unknown
	base.Reason = failed.Reason
	return base
}

func (f *Facilitator) settleWith(ctx context.Context, client *facilitator.Client, req Request, base Result) (Result, error) {
	if f.verify {
		vr, err := client.Verify(ctx, req.Payment, req.Requirement)
		if err != nil {
			return f.classify(base, err)
		}
		if !vr.IsValid {
			base.Outcome = Failed
			base.Reason = vr.InvalidReason
			return base, nil
		}
	}

	resp, err := client.Settle(ctx, req.Payment, req.Requirement)
	if err != nil {
		return f.classify(base, err)
	}

	base.TxHash = resp.Transaction
	if resp.Payer != "" {
		base.Payer = resp.Payer
	}
	if resp.Success {
		base.Outcome = Success
		base.Confirmations = resp.Confirmations
		return base, nil
	}
	base.Outcome = Failed
	base.Reason = resp.ErrorReason
	if base.Reason == "" {
		base.Reason = "facilitator reported failure"
	}
	return base, nil
}

// classify maps a facilitator error: a timeout leaves the outcome unknown, unavailability
// means nothing was submitted, anything else is a definite failure.
func (f *Facilitator) classify(base Result, err error) (Result, error) {
	switch {
	case errors.Is(err, x402.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		base.Outcome = Unknown
		return base, nil
	case errors.Is(err, x402.ErrFacilitatorUnavailable):
		return Result{}, err
	default:
		base.Outcome = Failed
		base.Reason = err.Error()
		return base, nil
	}
}

func (f *Facilitator) reconcile(ctx context.Context, base Result, hash common.Hash) Result {
	base.TxHash = hash.Hex()
	receipt, err := retry.Poll(ctx, f.polling, func(ctx context.Context) (*types.Receipt, error) {
		receipt, err := f.receipts.TransactionReceipt(ctx, hash)
		if err != nil {
			return nil, retry.ErrNotReady
		}
		return receipt, nil
	})
	if err != nil {
		base.Outcome = Unknown
		return base
	}
	if receipt.BlockNumber != nil {
		base.BlockNumber = receipt.BlockNumber.Uint64()
		if head, err := f.receipts.BlockNumber(ctx); err == nil {
			base.Confirmations = chain.Confirmations(head, base.BlockNumber)
		}
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		base.Outcome = Success
	} else {
		base.Outcome = Failed
		base.Reason = fmt.Sprintf("transaction %s reverted", hash.Hex())
	}
	return base
}
