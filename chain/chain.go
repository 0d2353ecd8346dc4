// Package chain is the gateway's view of an EVM JSON-RPC node.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Client is the subset of ethclient.Client the settlement submitter and native verifier
// use. ethclient.Client and the simulated backend's client both satisfy it.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var _ Client = (*ethclient.Client)(nil)

// Dial connects to rawurl. When rps is positive every call first waits on a token bucket
// of rps requests per second, so a flood of payments cannot exhaust the node's quota.
func Dial(ctx context.Context, rawurl string, rps float64, burst int) (Client, func(), error) {
	ec, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: dial %s: %w", rawurl, err)
	}
	if rps <= 0 {
		return ec, ec.Close, nil
	}
	return Limit(ec, rate.NewLimiter(rate.Limit(rps), max(burst, 1))), ec.Close, nil
}

// Limit wraps c so every call waits on limiter.
func Limit(c Client, limiter *rate.Limiter) Client {
	return &limited{next: c, limiter: limiter}
}

type limited struct {
	next    Client
	limiter *rate.Limiter
}

func (l *limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chain: rate limited: %w", err)
	}
	return nil
}

func (l *limited) ChainID(ctx context.Context) (*big.Int, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.ChainID(ctx)
}

func (l *limited) BlockNumber(ctx context.Context) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	return l.next.BlockNumber(ctx)
}

func (l *limited) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.HeaderByNumber(ctx, number)
}

func (l *limited) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if err := l.wait(ctx); err != nil {
		return nil, false, err
	}
	return l.next.TransactionByHash(ctx, hash)
}

func (l *limited) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.TransactionReceipt(ctx, hash)
}

func (l *limited) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.CallContract(ctx, call, blockNumber)
}

func (l *limited) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	return l.next.EstimateGas(ctx, call)
}

func (l *limited) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.SuggestGasPrice(ctx)
}

func (l *limited) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	return l.next.PendingNonceAt(ctx, account)
}

func (l *limited) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.next.SendTransaction(ctx, tx)
}

func (l *limited) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.FilterLogs(ctx, q)
}

// Confirmations counts the blocks from number up to and including head; a transaction in
// the head block has one confirmation.
func Confirmations(head, number uint64) uint64 {
	if number > head {
		return 0
	}
	return head - number + 1
}
