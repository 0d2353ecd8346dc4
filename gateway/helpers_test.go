package gateway

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/catalog"
	"github.com/mark3labs/x402-gateway/encoding"
	"github.com/mark3labs/x402-gateway/native"
	"github.com/mark3labs/x402-gateway/nonce"
	"github.com/mark3labs/x402-gateway/settlement"
	"github.com/mark3labs/x402-gateway/signature"
)

const (
	payerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	payTo       = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	txHash      = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

var testNow = time.Unix(1_750_000_000, 0)

func exactRequirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           x402.BaseSepolia.NetworkID,
		MaxAmountRequired: "50000",
		Asset:             x402.BaseSepolia.USDCAddress,
		PayTo:             payTo,
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
	}
}

func nativeRequirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeNative,
		Network:           x402.BaseSepolia.NetworkID,
		MaxAmountRequired: "1000000000000000",
		Asset:             x402.NativeAsset,
		PayTo:             payTo,
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"confirmations": 1},
	}
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(catalog.Route{
		Pattern:      "GET /weather",
		Requirements: []x402.PaymentRequirement{exactRequirement(), nativeRequirement()},
	})
	require.NoError(t, err)
	return cat
}

// fakeSubmitter records calls and answers with a scripted result.
type fakeSubmitter struct {
	mu       sync.Mutex
	calls    []settlement.Request
	result   settlement.Result
	err      error
	block    chan struct{}
	ctxErrs  []error
	onSettle func(ctx context.Context)
}

func (f *fakeSubmitter) Settle(ctx context.Context, req settlement.Request) (settlement.Result, error) {
	if f.block != nil {
		<-f.block
	}
	if f.onSettle != nil {
		f.onSettle(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	res := f.result
	res.Payer = req.Authorization.From.Hex()
	res.Network = req.Requirement.Network
	return res, f.err
}

func (f *fakeSubmitter) set(res settlement.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = res
	f.err = err
}

func (f *fakeSubmitter) Calls() []settlement.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]settlement.Request(nil), f.calls...)
}

func succeeding() *fakeSubmitter {
	return &fakeSubmitter{result: settlement.Result{
		Outcome:       settlement.Success,
		TxHash:        txHash,
		BlockNumber:   1234,
		Confirmations: 1,
	}}
}

// fakeNative scripts native verification results.
type fakeNative struct {
	mu     sync.Mutex
	result native.Result
	err    error
	calls  int
}

func (f *fakeNative) Network() string { return x402.BaseSepolia.NetworkID }

func (f *fakeNative) Verify(_ context.Context, _ x402.PaymentRequirement, hash common.Hash) (native.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	res := f.result
	res.Payment.TxHash = hash
	return res, f.err
}

func (f *fakeNative) set(res native.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = res
}

func confirmedNative() native.Result {
	return native.Result{
		Status: native.Confirmed,
		Payment: native.Payment{
			From:          common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
			To:            common.HexToAddress(payTo),
			Value:         big.NewInt(1_000_000_000_000_000),
			BlockNumber:   99,
			Confirmations: 2,
		},
		Required: 1,
	}
}

type recorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *recorder) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[name]++
	if reason := labels["reason"]; reason != "" {
		r.counts[name+":"+reason]++
	}
}

func (r *recorder) ObserveLatency(string, time.Duration, map[string]string) {}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func newTestGateway(t *testing.T, sub settlement.Submitter, opts ...Option) (*Gateway, *nonce.MemoryLedger) {
	t.Helper()
	ledger := nonce.NewMemoryLedger()
	base := []Option{WithClock(func() time.Time { return testNow })}
	if sub != nil {
		base = append(base, WithSubmitter(sub))
	}
	gw, err := New(testCatalog(t), ledger, append(base, opts...)...)
	require.NoError(t, err)
	return gw, ledger
}

type paymentOpts struct {
	key      *ecdsa.PrivateKey
	to       string
	value    int64
	after    time.Time
	before   time.Time
	domain   func(*signature.Domain)
	network  string
	tamper   func(*x402.EVMAuthorization)
	nonceHex string
}

func payerKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(payerKeyHex)
	require.NoError(t, err)
	return key
}

// pay builds an X-PAYMENT header for the exact requirement.
func pay(t *testing.T, mods ...func(*paymentOpts)) string {
	t.Helper()
	o := paymentOpts{
		key:     payerKey(t),
		to:      payTo,
		value:   50000,
		after:   testNow.Add(-10 * time.Second),
		before:  testNow.Add(time.Minute),
		network: x402.BaseSepolia.NetworkID,
	}
	for _, m := range mods {
		m(&o)
	}

	auth, err := signature.NewAuthorization(crypto.PubkeyToAddress(o.key.PublicKey), common.HexToAddress(o.to),
		big.NewInt(o.value), time.Minute, testNow)
	require.NoError(t, err)
	auth.ValidAfter = big.NewInt(o.after.Unix())
	auth.ValidBefore = big.NewInt(o.before.Unix())
	if o.nonceHex != "" {
		auth.Nonce = common.HexToHash(o.nonceHex)
	}

	domain, err := signature.DomainFor(exactRequirement(), x402.BaseSepolia)
	require.NoError(t, err)
	if o.domain != nil {
		o.domain(&domain)
	}
	sig, err := signature.Sign(domain, auth, o.key)
	require.NoError(t, err)

	wire := auth.Wire()
	if o.tamper != nil {
		o.tamper(&wire)
	}
	header, err := encoding.EncodeEVMPayment(o.network, x402.EVMPayload{
		Signature:     signature.EncodeSignature(sig),
		Authorization: wire,
	})
	require.NoError(t, err)
	return header
}

func payNative(t *testing.T) string {
	t.Helper()
	header, err := encoding.EncodeNativePayment(x402.BaseSepolia.NetworkID, txHash)
	require.NoError(t, err)
	return header
}

func weather(header string) Request {
	return Request{
		Method:        "GET",
		Path:          "/weather",
		Resource:      "http://api.example.com/weather",
		PaymentHeader: header,
	}
}

// ledgerClock is a settable clock for ledgers.
type ledgerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *ledgerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ledgerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingCommitLedger fails the first failures commits as an unreachable database would.
type failingCommitLedger struct {
	*nonce.MemoryLedger
	mu       sync.Mutex
	failures int
}

func (l *failingCommitLedger) Commit(ctx context.Context, lease nonce.Lease, receipt []byte) error {
	l.mu.Lock()
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: database is locked", x402.ErrLedgerUnavailable)
	}
	return l.MemoryLedger.Commit(ctx, lease, receipt)
}
