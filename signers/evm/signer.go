// Package evm signs "exact" x402 payments with EIP-3009 transferWithAuthorization.
//
// It is the paying side of the protocol, used by http.X402Transport and by end-to-end
// tests. The relayer key of the gateway is loaded with the same helpers (ParsePrivateKey,
// LoadKeystore, DeriveKey).
package evm

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/signature"
)

// Signer implements x402.Signer for EVM-compatible chains.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	chain      x402.ChainConfig
	tokens     []common.Address
	maxAmount  *big.Int
	now        func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new EVM signer with the given options. Without WithToken the signer
// pays in the network's USDC.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{now: time.Now}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, ErrInvalidKey
	}
	chain, err := x402.LookupChain(s.network)
	if err != nil {
		return nil, err
	}
	s.chain = chain

	if len(s.tokens) == 0 {
		if chain.USDCAddress == "" {
			return nil, fmt.Errorf("evm: network %s has no default token, use WithToken", s.network)
		}
		s.tokens = []common.Address{common.HexToAddress(chain.USDCAddress)}
	}

	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	return s, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		key, err := ParsePrivateKey(hexKey)
		if err != nil {
			return err
		}
		s.privateKey = key
		return nil
	}
}

// WithKey sets an already loaded private key.
func WithKey(key *ecdsa.PrivateKey) SignerOption {
	return func(s *Signer) error {
		if key == nil {
			return ErrInvalidKey
		}
		s.privateKey = key
		return nil
	}
}

// WithKeystore loads the private key from an encrypted keystore file.
func WithKeystore(path, password string) SignerOption {
	return func(s *Signer) error {
		key, err := LoadKeystore(path, password)
		if err != nil {
			return err
		}
		s.privateKey = key
		return nil
	}
}

// WithMnemonic derives the private key from a BIP-39 mnemonic.
// Derivation path: m/44'/60'/0'/0/{accountIndex}
func WithMnemonic(mnemonic string, accountIndex uint32) SignerOption {
	return func(s *Signer) error {
		key, err := DeriveKey(mnemonic, accountIndex)
		if err != nil {
			return err
		}
		s.privateKey = key
		return nil
	}
}

// WithNetwork sets the network. It must be registered in the chain table.
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithToken adds an EIP-3009 token the signer is willing to pay with.
func WithToken(address string) SignerOption {
	return func(s *Signer) error {
		if !common.IsHexAddress(address) {
			return fmt.Errorf("evm: invalid token address %q", address)
		}
		s.tokens = append(s.tokens, common.HexToAddress(address))
		return nil
	}
}

// WithMaxAmountPerCall caps a single payment, in atomic units.
func WithMaxAmountPerCall(amount string) SignerOption {
	return func(s *Signer) error {
		maxAmount, ok := new(big.Int).SetString(amount, 10)
		if !ok || maxAmount.Sign() < 0 {
			return x402.ErrInvalidAmount
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// WithClock overrides the clock the validity window is computed from.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) error {
		s.now = now
		return nil
	}
}

// Network implements x402.Signer.
func (s *Signer) Network() string {
	return s.network
}

// Scheme implements x402.Signer.
func (s *Signer) Scheme() string {
	return x402.SchemeExact
}

// MaxAmount implements x402.Signer.
func (s *Signer) MaxAmount() *big.Int {
	return s.maxAmount
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address {
	return s.address
}

// CanSign implements x402.Signer.
func (s *Signer) CanSign(req *x402.PaymentRequirement) bool {
	if req.Network != s.network || req.Scheme != x402.SchemeExact {
		return false
	}
	return s.token(req.Asset)
}

func (s *Signer) token(asset string) bool {
	for _, t := range s.tokens {
		if strings.EqualFold(t.Hex(), asset) {
			return true
		}
	}
	return false
}

// Sign implements x402.Signer. The authorization pays exactly MaxAmountRequired to PayTo
// and is valid for MaxTimeoutSeconds.
func (s *Signer) Sign(req *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	if !s.CanSign(req) {
		return nil, x402.ErrNoValidSigner
	}

	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return nil, x402.ErrInvalidAmount
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}
	if !common.IsHexAddress(req.PayTo) {
		return nil, fmt.Errorf("evm: invalid payTo address %q", req.PayTo)
	}

	domain, err := signature.DomainFor(*req, s.chain)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(req.MaxTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	auth, err := signature.NewAuthorization(s.address, common.HexToAddress(req.PayTo), amount, timeout, s.now())
	if err != nil {
		return nil, err
	}

	sig, err := signature.Sign(domain, auth, s.privateKey)
	if err != nil {
		return nil, err
	}

	inner, err := json.Marshal(x402.EVMPayload{
		Signature:     signature.EncodeSignature(sig),
		Authorization: auth.Wire(),
	})
	if err != nil {
		return nil, fmt.Errorf("evm: failed to marshal payload: %w", err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     s.network,
		Payload:     inner,
	}, nil
}
