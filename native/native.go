// Package native verifies the fallback payment path: the payer broadcasts a plain
// native-coin transfer and presents its hash. The verifier observes the transaction once
// over RPC; replay protection is the caller's job (see nonce.TransactionKey).
package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/singleflight"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/chain"
)

// Status is the verdict on a native payment.
type Status int

const (
	// Pending means the transaction is unknown, unmined or not yet confirmed deep enough.
	Pending Status = iota
	// Confirmed means the payment satisfies the requirement.
	Confirmed
	// Failed means the transaction was mined with status 0.
	Failed
	// Rejected means the transaction can never satisfy the requirement.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Payment is what was observed on chain.
type Payment struct {
	TxHash        common.Hash
	From          common.Address
	To            common.Address
	Value         *big.Int
	BlockNumber   uint64
	BlockTime     time.Time
	Confirmations uint64
}

// Result is the outcome of Verify. Code and Reason are set for Rejected and Failed.
type Result struct {
	Status  Status
	Payment Payment
	Code    x402.ErrorCode
	Reason  string
	// Required is the confirmation depth that was applied.
	Required uint64
}

// Response renders a confirmed payment as the X-Payment-Response receipt.
func (r Result) Response(network string) x402.SettlementResponse {
	resp := x402.SettlementResponse{
		Success:       r.Status == Confirmed,
		Transaction:   r.Payment.TxHash.Hex(),
		Network:       network,
		Confirmations: r.Payment.Confirmations,
	}
	if r.Payment.From != (common.Address{}) {
		resp.Payer = r.Payment.From.Hex()
	}
	if r.Payment.Value != nil {
		resp.Amount = r.Payment.Value.String()
	}
	if r.Status != Confirmed {
		resp.ErrorReason = r.Reason
	}
	return resp
}

// DefaultConfirmations applies when a requirement does not set extra.confirmations.
const DefaultConfirmations = 1

// Verifier checks native transfers on one network.
type Verifier struct {
	client        chain.Client
	network       string
	chainID       *big.Int
	confirmations uint64
	maxAge        time.Duration
	lookup        time.Duration
	now           func() time.Time
	logger        *slog.Logger

	group singleflight.Group
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithConfirmations sets the default confirmation depth. Values below one are raised to one.
func WithConfirmations(n uint64) Option {
	return func(v *Verifier) {
		v.confirmations = n
	}
}

// WithMaxAge rejects transactions mined longer ago than d. Zero disables the check.
func WithMaxAge(d time.Duration) Option {
	return func(v *Verifier) {
		v.maxAge = d
	}
}

// WithLookupTimeout bounds each RPC call.
func WithLookupTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.lookup = d
	}
}

// WithChainID overrides the chain id taken from the chain table.
func WithChainID(id *big.Int) Option {
	return func(v *Verifier) {
		v.chainID = id
	}
}

// WithClock sets the time source of the freshness check.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a verifier reading network through client.
func NewVerifier(client chain.Client, network string, opts ...Option) (*Verifier, error) {
	if client == nil {
		return nil, fmt.Errorf("native: verifier needs a chain client")
	}
	v := &Verifier{
		client:        client,
		network:       network,
		confirmations: DefaultConfirmations,
		lookup:        x402.DefaultTimeouts.LookupTimeout,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.chainID == nil {
		c, err := x402.LookupChain(network)
		if err != nil {
			return nil, fmt.Errorf("native: %w", err)
		}
		v.chainID = c.ChainIDBig()
	}
	if v.confirmations == 0 {
		v.confirmations = 1
	}
	return v, nil
}

// Network is the network this verifier reads.
func (v *Verifier) Network() string {
	return v.network
}

// Verify checks that txHash pays req. The returned error is non-nil only when the node
// could not be consulted; every verdict about the transaction itself is in Result.
//
// Concurrent calls for the same transaction and requirement share one set of lookups.
func (v *Verifier) Verify(ctx context.Context, req x402.PaymentRequirement, txHash common.Hash) (Result, error) {
	if req.Network != v.network {
		return Result{}, fmt.Errorf("native: verifier for %s cannot check %s", v.network, req.Network)
	}

	required := v.confirmations
	if n, ok := req.ExtraUint("confirmations"); ok && n > 0 {
		required = n
	}

	key := strings.Join([]string{txHash.Hex(), strings.ToLower(req.PayTo), req.MaxAmountRequired, fmt.Sprint(required)}, "|")
	ch := v.group.DoChan(key, func() (interface{}, error) {
		// Shared by every waiter, so it must outlive the first caller's context.
		return v.verify(context.WithoutCancel(ctx), req, txHash, required)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (v *Verifier) verify(ctx context.Context, req x402.PaymentRequirement, txHash common.Hash, required uint64) (Result, error) {
	res := Result{Status: Pending, Required: required, Payment: Payment{TxHash: txHash}}
	logger := v.logger.With("network", v.network, "tx", txHash.Hex())

	tx, pending, err := v.transaction(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		res.Reason = "transaction not found"
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("native: transaction %s: %w", txHash.Hex(), err)
	}

	payTo := common.HexToAddress(req.PayTo)
	if tx.To() == nil || *tx.To() != payTo {
		return reject(res, x402.ErrCodeRecipientMismatch, "transaction does not pay "+payTo.Hex()), nil
	}
	res.Payment.To = payTo
	res.Payment.Value = new(big.Int).Set(tx.Value())

	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return Result{}, fmt.Errorf("native: %w: maxAmountRequired %q", x402.ErrInvalidRequirements, req.MaxAmountRequired)
	}
	if tx.Value().Cmp(amount) < 0 {
		return reject(res, x402.ErrCodeInsufficientAmount,
			fmt.Sprintf("transaction value %s is below %s", tx.Value(), amount)), nil
	}

	from, err := types.Sender(types.LatestSignerForChainID(v.chainID), tx)
	if err != nil {
		return reject(res, x402.ErrCodeInvalidSignature, "cannot recover transaction sender: "+err.Error()), nil
	}
	res.Payment.From = from

	if pending {
		res.Reason = "transaction not mined"
		return res, nil
	}

	receipt, err := v.receipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		res.Reason = "receipt not available"
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("native: receipt %s: %w", txHash.Hex(), err)
	}
	if receipt.BlockNumber != nil {
		res.Payment.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		logger.Info("native payment reverted", "block", res.Payment.BlockNumber)
		res.Status = Failed
		res.Code = x402.ErrCodeSettlementFailed
		res.Reason = "transaction failed"
		return res, nil
	}

	head, err := v.head(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("native: head: %w", err)
	}
	res.Payment.Confirmations = chain.Confirmations(head, res.Payment.BlockNumber)
	if res.Payment.Confirmations < required {
		res.Reason = fmt.Sprintf("%d of %d confirmations", res.Payment.Confirmations, required)
		return res, nil
	}

	if v.maxAge > 0 && receipt.BlockNumber != nil {
		header, err := v.header(ctx, receipt.BlockNumber)
		if err != nil {
			return Result{}, fmt.Errorf("native: header: %w", err)
		}
		res.Payment.BlockTime = time.Unix(int64(header.Time), 0)
		if v.maxAge > 0 && v.now().Sub(res.Payment.BlockTime) > v.maxAge {
			return reject(res, x402.ErrCodeAuthorizationExpired,
				fmt.Sprintf("transaction mined at %s is older than %s", res.Payment.BlockTime.UTC().Format(time.RFC3339), v.maxAge)), nil
		}
	}

	res.Status = Confirmed
	res.Reason = ""
	logger.Debug("native payment confirmed", "from", from.Hex(), "value", res.Payment.Value, "confirmations", res.Payment.Confirmations)
	return res, nil
}

func reject(res Result, code x402.ErrorCode, reason string) Result {
	res.Status = Rejected
	res.Code = code
	res.Reason = reason
	return res
}

func (v *Verifier) transaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.lookup)
	defer cancel()
	return v.client.TransactionByHash(ctx, hash)
}

func (v *Verifier) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, v.lookup)
	defer cancel()
	return v.client.TransactionReceipt(ctx, hash)
}

func (v *Verifier) head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, v.lookup)
	defer cancel()
	return v.client.BlockNumber(ctx)
}

func (v *Verifier) header(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, v.lookup)
	defer cancel()
	return v.client.HeaderByNumber(ctx, number)
}
