package settlement

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/chain"
	"github.com/mark3labs/x402-gateway/retry"
	"github.com/mark3labs/x402-gateway/signature"
)

const (
	payerKeyHex   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	relayerKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	payTo         = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

var fastPolling = retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 1}

// revertError mimics the JSON-RPC error a node returns for a reverted call.
type revertError struct {
	data string
}

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorCode() int         { return 3 }
func (e revertError) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return "0x08c379a0" + common.Bytes2Hex(packed)
}

// fakeChain is a scripted chain.Client.
type fakeChain struct {
	mu sync.Mutex

	head          uint64
	authUsed      bool
	estimateErr   error
	replayErr     error
	sendErr       error
	receiptAfter  int
	receiptStatus uint64
	mined         bool
	logs          []types.Log

	sent         []*types.Transaction
	receiptCalls int
	calls        int
}

var _ chain.Client = (*fakeChain)(nil)

func newFakeChain() *fakeChain {
	return &fakeChain{head: 100, receiptStatus: types.ReceiptStatusSuccessful, mined: true}
}

func (f *fakeChain) count() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeChain) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeChain) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *fakeChain) set(fn func(*fakeChain)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) {
	f.count()
	return big.NewInt(x402.BaseSepolia.ChainID), nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(f.head), Time: uint64(time.Now().Unix())}, nil
}

func (f *fakeChain) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	f.count()
	return nil, false, ethereum.NotFound
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if !f.mined || f.receiptCalls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(f.head - 1),
	}, nil
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	if bytes.HasPrefix(call.Data, EIP3009ABI.Methods["authorizationState"].ID) {
		return EIP3009ABI.Methods["authorizationState"].Outputs.Pack(f.authUsed)
	}
	return nil, f.replayErr
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 80_000, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.count()
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func mustKey(t *testing.T, hexKey string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	require.NoError(t, err)
	return key
}

func testRequirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           x402.BaseSepolia.NetworkID,
		MaxAmountRequired: "50000",
		Asset:             x402.BaseSepolia.USDCAddress,
		PayTo:             payTo,
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
	}
}

// signedRequest builds a settlement request signed by the payer key. Each call uses a
// fresh authorization nonce.
func signedRequest(t *testing.T) Request {
	t.Helper()
	key := mustKey(t, payerKeyHex)
	req := testRequirement()

	domain, err := signature.DomainFor(req, x402.BaseSepolia)
	require.NoError(t, err)
	auth, err := signature.NewAuthorization(crypto.PubkeyToAddress(key.PublicKey), common.HexToAddress(payTo),
		big.NewInt(50000), time.Minute, time.Now())
	require.NoError(t, err)
	sig, err := signature.Sign(domain, auth, key)
	require.NoError(t, err)

	return Request{
		Requirement:   req,
		Authorization: auth,
		Signature:     sig,
		Payment: x402.PaymentPayload{
			X402Version: 1,
			Scheme:      x402.SchemeExact,
			Network:     req.Network,
			Payload:     []byte(`{}`),
		},
	}
}

func newTestRelayer(t *testing.T, fc *fakeChain, opts ...RelayerOption) *Relayer {
	t.Helper()
	opts = append([]RelayerOption{WithReceiptPolling(fastPolling), WithLookupTimeout(time.Second)}, opts...)
	r, err := NewRelayer(fc, mustKey(t, relayerKeyHex), x402.BaseSepolia.NetworkID, opts...)
	require.NoError(t, err)
	return r
}
