package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/chain"
)

// DefaultLogLookback is how many blocks back AuthorizationUsed events are searched.
const DefaultLogLookback = 10_000

// authorizationLookup reads the on-chain state of an EIP-3009 authorization.
type authorizationLookup struct {
	client   chain.Client
	timeout  time.Duration
	lookback uint64
}

func newAuthorizationLookup(client chain.Client, timeout time.Duration, lookback uint64) authorizationLookup {
	if timeout <= 0 {
		timeout = x402.DefaultTimeouts.LookupTimeout
	}
	return authorizationLookup{client: client, timeout: timeout, lookback: lookback}
}

// used calls authorizationState(authorizer, nonce) on the token.
func (l authorizationLookup) used(ctx context.Context, asset, authorizer common.Address, nonce common.Hash) (bool, error) {
	data, err := PackAuthorizationState(authorizer, nonce)
	if err != nil {
		return false, fmt.Errorf("settlement: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &asset, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("settlement: authorizationState: %w", err)
	}
	values, err := EIP3009ABI.Unpack("authorizationState", out)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("settlement: authorizationState: unexpected result %x", out)
	}
	used, _ := values[0].(bool)
	return used, nil
}

// find returns the transaction that emitted AuthorizationUsed for the authorization,
// searching the last lookback blocks.
func (l authorizationLookup) find(ctx context.Context, asset, authorizer common.Address, nonce common.Hash) (common.Hash, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("settlement: head: %w", err)
	}
	var from uint64
	if head > l.lookback {
		from = head - l.lookback
	}

	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{asset},
		Topics: [][]common.Hash{
			{AuthorizationUsedTopic()},
			{common.BytesToHash(authorizer.Bytes())},
			{nonce},
		},
	})
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("settlement: filter AuthorizationUsed: %w", err)
	}
	for _, lg := range logs {
		if !lg.Removed {
			return lg.TxHash, true, nil
		}
	}
	return common.Hash{}, false, nil
}
