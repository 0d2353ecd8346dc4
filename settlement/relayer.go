package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/chain"
	"github.com/mark3labs/x402-gateway/retry"
)

// Relayer submits transferWithAuthorization transactions itself, paying gas from a
// configured account. The relayer key is supplied by the operator; it is never generated
// or stored here.
type Relayer struct {
	client   chain.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	network  string
	chainID  *big.Int
	cache    *Cache
	lookup   time.Duration
	polling  retry.Config
	lookback uint64
	gasBump  uint64
	logger   *slog.Logger

	// Serializes account nonce assignment between concurrent settlements.
	sendMu sync.Mutex
}

var _ Submitter = (*Relayer)(nil)

// RelayerOption configures a Relayer.
type RelayerOption func(*Relayer)

// WithCache shares an idempotency cache.
func WithCache(c *Cache) RelayerOption {
	return func(r *Relayer) {
		r.cache = c
	}
}

// WithLookupTimeout bounds every individual RPC call.
func WithLookupTimeout(d time.Duration) RelayerOption {
	return func(r *Relayer) {
		r.lookup = d
	}
}

// WithReceiptPolling sets the receipt polling schedule.
func WithReceiptPolling(cfg retry.Config) RelayerOption {
	return func(r *Relayer) {
		r.polling = cfg
	}
}

// WithLogLookback sets how many blocks back to search for an AuthorizationUsed event
// when an authorization is already used on chain.
func WithLogLookback(blocks uint64) RelayerOption {
	return func(r *Relayer) {
		r.lookback = blocks
	}
}

// WithChainID overrides the chain id taken from the chain table.
func WithChainID(id *big.Int) RelayerOption {
	return func(r *Relayer) {
		r.chainID = id
	}
}

// WithRelayerLogger sets the logger.
func WithRelayerLogger(logger *slog.Logger) RelayerOption {
	return func(r *Relayer) {
		r.logger = logger
	}
}

// NewRelayer creates a relayer settling payments on network through client.
func NewRelayer(client chain.Client, key *ecdsa.PrivateKey, network string, opts ...RelayerOption) (*Relayer, error) {
	if client == nil {
		return nil, fmt.Errorf("settlement: relayer needs a chain client")
	}
	if key == nil {
		return nil, fmt.Errorf("settlement: relayer needs a private key")
	}

	r := &Relayer{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		network:  network,
		lookup:   x402.DefaultTimeouts.LookupTimeout,
		polling:  retry.ReceiptPolling,
		lookback: DefaultLogLookback,
		gasBump:  20,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.chainID == nil {
		c, err := x402.LookupChain(network)
		if err != nil {
			return nil, fmt.Errorf("settlement: %w", err)
		}
		r.chainID = c.ChainIDBig()
	}
	if r.cache == nil {
		r.cache = NewCache(10*time.Minute, 0)
	}
	return r, nil
}

// Address is the account paying gas.
func (r *Relayer) Address() common.Address {
	return r.from
}

// Settle submits req and waits for its receipt until ctx is done.
func (r *Relayer) Settle(ctx context.Context, req Request) (Result, error) {
	if req.Requirement.Network != r.network {
		return Result{}, fmt.Errorf("settlement: relayer for %s cannot settle on %s", r.network, req.Requirement.Network)
	}
	if !common.IsHexAddress(req.Requirement.Asset) {
		return Result{}, fmt.Errorf("settlement: invalid asset %q", req.Requirement.Asset)
	}
	return settleCached(ctx, r.cache, req.Key().String(), func() (Result, error) {
		return r.settle(ctx, req)
	})
}

func (r *Relayer) settle(ctx context.Context, req Request) (Result, error) {
	auth := req.Authorization
	asset := common.HexToAddress(req.Requirement.Asset)
	base := Result{Payer: auth.From.Hex(), Network: r.network}
	logger := r.logger.With("network", r.network, "payer", base.Payer, "nonce", auth.Nonce.Hex())

	if req.KnownTxHash != "" {
		logger.Info("resuming settlement", "tx", req.KnownTxHash)
		return r.await(ctx, req, base, common.HexToHash(req.KnownTxHash)), nil
	}

	used, err := r.authorizations().used(ctx, asset, auth.From, auth.Nonce)
	if err != nil {
		return Result{}, err
	}
	if used {
		hash, found, err := r.authorizations().find(ctx, asset, auth.From, auth.Nonce)
		if err != nil {
			return Result{}, err
		}
		if !found {
			base.Outcome = Failed
			base.Reason = "authorization already used on chain"
			return base, nil
		}
		logger.Info("authorization already used on chain, reconciling", "tx", hash.Hex())
		return r.await(ctx, req, base, hash), nil
	}

	data, err := PackTransferWithAuthorization(auth, req.Signature)
	if err != nil {
		return Result{}, err
	}
	msg := ethereum.CallMsg{From: r.from, To: &asset, Data: data}

	gas, err := r.estimate(ctx, msg)
	if err != nil {
		if reason, reverted := RevertReason(err); reverted {
			logger.Warn("settlement would revert", "reason", reason)
			base.Outcome = Failed
			base.Reason = reason
			return base, nil
		}
		return Result{}, fmt.Errorf("settlement: estimate gas: %w", err)
	}

	hash, err := r.send(ctx, asset, data, gas)
	if err != nil {
		if hash != (common.Hash{}) {
			// The node may have accepted the transaction before the call failed.
			logger.Warn("settlement broadcast outcome unknown", "tx", hash.Hex(), "error", err)
			base.TxHash = hash.Hex()
			return base, nil
		}
		return Result{}, err
	}
	logger.Info("settlement submitted", "tx", hash.Hex())

	return r.await(ctx, req, base, hash), nil
}

func (r *Relayer) estimate(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookup)
	defer cancel()
	return r.client.EstimateGas(ctx, msg)
}

// send signs and broadcasts a legacy transaction. A non-zero hash with an error means the
// broadcast may have happened.
func (r *Relayer) send(ctx context.Context, to common.Address, data []byte, gas uint64) (common.Hash, error) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, r.lookup)
	defer cancel()

	accountNonce, err := r.client.PendingNonceAt(lctx, r.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("settlement: relayer nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(lctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("settlement: gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    accountNonce,
		GasPrice: gasPrice,
		Gas:      gas + gas*r.gasBump/100,
		To:       &to,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("settlement: sign transaction: %w", err)
	}

	if err := r.client.SendTransaction(lctx, signed); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return signed.Hash(), err
		}
		return common.Hash{}, fmt.Errorf("settlement: send transaction: %w", err)
	}
	return signed.Hash(), nil
}

// await polls for the receipt of hash until ctx is done.
func (r *Relayer) await(ctx context.Context, req Request, base Result, hash common.Hash) Result {
	base.TxHash = hash.Hex()

	receipt, err := retry.Poll(ctx, r.polling, func(ctx context.Context) (*types.Receipt, error) {
		lctx, cancel := context.WithTimeout(ctx, r.lookup)
		defer cancel()
		receipt, err := r.client.TransactionReceipt(lctx, hash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				r.logger.Debug("receipt lookup failed", "tx", base.TxHash, "error", err)
			}
			return nil, retry.ErrNotReady
		}
		return receipt, nil
	})
	if err != nil {
		r.logger.Warn("settlement receipt not seen in time", "tx", base.TxHash, "error", err)
		base.Outcome = Unknown
		return base
	}

	if receipt.BlockNumber != nil {
		base.BlockNumber = receipt.BlockNumber.Uint64()
		base.Confirmations = 1
		if head, err := r.head(ctx); err == nil {
			base.Confirmations = chain.Confirmations(head, base.BlockNumber)
		}
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		base.Outcome = Success
		return base
	}

	base.Outcome = Failed
	base.Reason = r.replayRevert(ctx, req, receipt.BlockNumber)
	return base
}

func (r *Relayer) head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookup)
	defer cancel()
	return r.client.BlockNumber(ctx)
}

// replayRevert re-runs the call at the receipt's block to recover the revert reason.
func (r *Relayer) replayRevert(ctx context.Context, req Request, block *big.Int) string {
	data, err := PackTransferWithAuthorization(req.Authorization, req.Signature)
	if err != nil {
		return "transaction reverted"
	}
	asset := common.HexToAddress(req.Requirement.Asset)

	ctx, cancel := context.WithTimeout(ctx, r.lookup)
	defer cancel()
	_, err = r.client.CallContract(ctx, ethereum.CallMsg{From: r.from, To: &asset, Data: data}, block)
	if reason, ok := RevertReason(err); ok {
		return reason
	}
	return "transaction reverted"
}

func (r *Relayer) authorizations() authorizationLookup {
	return newAuthorizationLookup(r.client, r.lookup, r.lookback)
}
