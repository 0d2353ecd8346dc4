// Package x402test provides a payer, a scripted submitter and a ready gateway for tests of
// the transport adapters.
package x402test

import (
	"context"
	"sync"
	"testing"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/catalog"
	"github.com/mark3labs/x402-gateway/encoding"
	"github.com/mark3labs/x402-gateway/gateway"
	"github.com/mark3labs/x402-gateway/nonce"
	"github.com/mark3labs/x402-gateway/settlement"
	"github.com/mark3labs/x402-gateway/signers/evm"
)

// Test accounts (anvil account 0 pays). DO NOT use in production.
const (
	PayerKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	PayerAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	PayTo        = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	TxHash       = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"
)

// Requirement is a 0.05 USDC payment on base-sepolia.
func Requirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           x402.BaseSepolia.NetworkID,
		MaxAmountRequired: "50000",
		Asset:             x402.BaseSepolia.USDCAddress,
		PayTo:             PayTo,
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
	}
}

// Submitter answers settlements from a script; the last result repeats.
type Submitter struct {
	mu      sync.Mutex
	results []settlement.Result
	calls   []settlement.Request
}

// Settles scripts a submitter. Without results every settlement succeeds with TxHash.
func Settles(results ...settlement.Result) *Submitter {
	if len(results) == 0 {
		results = []settlement.Result{{Outcome: settlement.Success, TxHash: TxHash, BlockNumber: 42, Confirmations: 1}}
	}
	return &Submitter{results: results}
}

func (s *Submitter) Settle(_ context.Context, req settlement.Request) (settlement.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	res.Payer = req.Authorization.From.Hex()
	res.Network = req.Requirement.Network
	return res, nil
}

// Calls returns the settlements requested so far.
func (s *Submitter) Calls() []settlement.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement.Request(nil), s.calls...)
}

// Gateway prices every pattern with Requirement and settles through sub.
func Gateway(t testing.TB, sub settlement.Submitter, patterns ...string) *gateway.Gateway {
	t.Helper()
	cat, err := catalog.New()
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	for _, p := range patterns {
		if err := cat.Add(catalog.Route{Pattern: p, Requirements: []x402.PaymentRequirement{Requirement()}}); err != nil {
			t.Fatalf("catalog.Add(%s): %v", p, err)
		}
	}
	gw, err := gateway.New(cat, nonce.NewMemoryLedger(), gateway.WithSubmitter(sub))
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	return gw
}

// Payer returns a signer for the test payer on network.
func Payer(t testing.TB, network string) *evm.Signer {
	t.Helper()
	signer, err := evm.NewSigner(evm.WithPrivateKey(PayerKeyHex), evm.WithNetwork(network))
	if err != nil {
		t.Fatalf("evm.NewSigner: %v", err)
	}
	return signer
}

// PaymentHeader signs req with the test payer and encodes it as an X-PAYMENT value.
func PaymentHeader(t testing.TB, req x402.PaymentRequirement) string {
	t.Helper()
	payment, err := Payer(t, req.Network).Sign(&req)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	header, err := encoding.EncodePayment(*payment)
	if err != nil {
		t.Fatalf("EncodePayment: %v", err)
	}
	return header
}
