// Package x402 holds the wire types, reason codes and chain table shared by every part of
// the gateway: the requirement catalog, the signature verifier, the nonce ledger, the
// settlement submitter and the HTTP middleware.
package x402

import (
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// ChainConfig contains chain-specific configuration for USDC tokens and payment requirements.
type ChainConfig struct {
	// NetworkID is the x402 protocol network identifier (e.g., "base").
	NetworkID string

	// ChainID is the EIP-155 chain id, used as the EIP-712 domain chainId.
	ChainID int64

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// EIP3009Name is the EIP-712 domain parameter "name" of the USDC contract.
	EIP3009Name string

	// EIP3009Version is the EIP-712 domain parameter "version" of the USDC contract.
	EIP3009Version string

	// NativeDecimals is the number of decimal places of the chain's native coin.
	NativeDecimals uint8
}

// ChainIDBig returns ChainID as a *big.Int.
func (c ChainConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// Mainnet chain configurations
var (
	EthereumMainnet = ChainConfig{
		NetworkID:      "ethereum",
		ChainID:        1,
		USDCAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		NativeDecimals: 18,
	}

	BaseMainnet = ChainConfig{
		NetworkID:      "base",
		ChainID:        8453,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		NativeDecimals: 18,
	}

	PolygonMainnet = ChainConfig{
		NetworkID:      "polygon",
		ChainID:        137,
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		NativeDecimals: 18,
	}

	AvalancheMainnet = ChainConfig{
		NetworkID:      "avalanche",
		ChainID:        43114,
		USDCAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		NativeDecimals: 18,
	}
)

// Testnet chain configurations
var (
	EthereumSepolia = ChainConfig{
		NetworkID:      "sepolia",
		ChainID:        11155111,
		USDCAddress:    "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		NativeDecimals: 18,
	}

	// BaseSepolia USDC parameters verified via on-chain contract read.
	BaseSepolia = ChainConfig{
		NetworkID:      "base-sepolia",
		ChainID:        84532,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		NativeDecimals: 18,
	}

	PolygonAmoy = ChainConfig{
		NetworkID:      "polygon-amoy",
		ChainID:        80002,
		USDCAddress:    "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		NativeDecimals: 18,
	}

	AvalancheFuji = ChainConfig{
		NetworkID:      "avalanche-fuji",
		ChainID:        43113,
		USDCAddress:    "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		NativeDecimals: 18,
	}
)

var (
	chainsMu sync.RWMutex
	chains   = map[string]ChainConfig{}
)

func init() {
	for _, c := range []ChainConfig{
		EthereumMainnet, BaseMainnet, PolygonMainnet, AvalancheMainnet,
		EthereumSepolia, BaseSepolia, PolygonAmoy, AvalancheFuji,
	} {
		chains[c.NetworkID] = c
	}
}

// RegisterChain adds or replaces a network in the chain table. It is meant for private and
// development chains (anvil, hardhat, simulated backends) configured at startup.
func RegisterChain(c ChainConfig) error {
	if c.NetworkID == "" {
		return fmt.Errorf("networkID: cannot be empty")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chainID: must be positive")
	}
	if c.USDCAddress != "" {
		if err := ValidateTokenAddress(c.USDCAddress); err != nil {
			return err
		}
	}
	if c.NativeDecimals == 0 {
		c.NativeDecimals = 18
	}

	chainsMu.Lock()
	defer chainsMu.Unlock()
	chains[c.NetworkID] = c
	return nil
}

// LookupChain returns the chain registered under networkID.
func LookupChain(networkID string) (ChainConfig, error) {
	if networkID == "" {
		return ChainConfig{}, fmt.Errorf("%w: networkID cannot be empty", ErrInvalidNetwork)
	}
	chainsMu.RLock()
	defer chainsMu.RUnlock()
	c, ok := chains[networkID]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, networkID)
	}
	return c, nil
}

// Networks lists registered network identifiers in sorted order.
func Networks() []string {
	chainsMu.RLock()
	defer chainsMu.RUnlock()
	ids := make([]string, 0, len(chains))
	for id := range chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateNetwork reports whether networkID is in the chain table.
func ValidateNetwork(networkID string) error {
	_, err := LookupChain(networkID)
	return err
}

var evmAddressRegex = regexp.MustCompile(`^0[xX][a-fA-F0-9]{40}$`)

// ValidateTokenAddress validates that address is a 0x-prefixed 20 byte hex address.
func ValidateTokenAddress(address string) error {
	if address == "" {
		return fmt.Errorf("token address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("token address '%s' is invalid, expected 0x-prefixed hex address (42 chars)", address)
	}
	return nil
}

// USDCRequirementConfig is the configuration for creating a USDC PaymentRequirement.
type USDCRequirementConfig struct {
	// Chain is the chain configuration with USDC details (required).
	Chain ChainConfig

	// Amount is the human-readable USDC amount (e.g., "1.5" = 1.5 USDC).
	Amount string

	// RecipientAddress is the payment recipient address (required).
	RecipientAddress string

	// MaxTimeoutSeconds is the maximum payment timeout (optional, defaults to 300).
	MaxTimeoutSeconds uint32

	// MimeType is the response MIME type (optional, defaults to "application/json").
	MimeType string

	// Description is shown to the payer.
	Description string
}

// NewUSDCPaymentRequirement creates an "exact" PaymentRequirement for USDC. The amount is
// converted to atomic units exactly; amounts finer than 6 decimals are rejected. The
// requirement's Extra carries the EIP-712 domain name and version of the chain's USDC.
//
// Returns an error if validation fails. Error format: "parameterName: reason"
func NewUSDCPaymentRequirement(config USDCRequirementConfig) (PaymentRequirement, error) {
	if config.RecipientAddress == "" {
		return PaymentRequirement{}, fmt.Errorf("recipientAddress: cannot be empty")
	}
	if err := ValidateTokenAddress(config.RecipientAddress); err != nil {
		return PaymentRequirement{}, fmt.Errorf("recipientAddress: %w", err)
	}

	atomic, err := AmountToBigInt(config.Amount, int(config.Chain.Decimals))
	if err != nil {
		return PaymentRequirement{}, fmt.Errorf("amount: %w", err)
	}

	req := PaymentRequirement{
		Scheme:            SchemeExact,
		Network:           config.Chain.NetworkID,
		MaxAmountRequired: atomic.String(),
		Asset:             config.Chain.USDCAddress,
		PayTo:             config.RecipientAddress,
		Description:       config.Description,
		MimeType:          defaultString(config.MimeType, "application/json"),
		MaxTimeoutSeconds: int(defaultTimeout(config.MaxTimeoutSeconds)),
		Extra: map[string]interface{}{
			"name":    config.Chain.EIP3009Name,
			"version": config.Chain.EIP3009Version,
		},
	}
	return req, nil
}

// NativeRequirementConfig is the configuration for a native-coin fallback requirement.
type NativeRequirementConfig struct {
	Chain             ChainConfig
	Amount            string // human-readable, in whole coins
	RecipientAddress  string
	Confirmations     uint64 // defaults to 1
	MaxTimeoutSeconds uint32
	Description       string
}

// NewNativePaymentRequirement creates a "native" PaymentRequirement paid with the chain's
// native coin and proven by transaction hash.
func NewNativePaymentRequirement(config NativeRequirementConfig) (PaymentRequirement, error) {
	if err := ValidateTokenAddress(config.RecipientAddress); err != nil {
		return PaymentRequirement{}, fmt.Errorf("recipientAddress: %w", err)
	}
	decimals := config.Chain.NativeDecimals
	if decimals == 0 {
		decimals = 18
	}
	atomic, err := AmountToBigInt(config.Amount, int(decimals))
	if err != nil {
		return PaymentRequirement{}, fmt.Errorf("amount: %w", err)
	}
	confirmations := config.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}

	return PaymentRequirement{
		Scheme:            SchemeNative,
		Network:           config.Chain.NetworkID,
		MaxAmountRequired: atomic.String(),
		Asset:             NativeAsset,
		PayTo:             config.RecipientAddress,
		Description:       config.Description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: int(defaultTimeout(config.MaxTimeoutSeconds)),
		Extra: map[string]interface{}{
			"confirmations": confirmations,
		},
	}, nil
}

// FormatAmount renders an atomic amount of the requirement's asset in whole units, for logs
// and descriptions.
func FormatAmount(req PaymentRequirement) string {
	v, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return req.MaxAmountRequired
	}
	decimals := 6
	if c, err := LookupChain(req.Network); err == nil {
		if strings.EqualFold(req.Asset, NativeAsset) {
			decimals = int(c.NativeDecimals)
		} else {
			decimals = int(c.Decimals)
		}
	}
	return decimal.NewFromBigInt(v, int32(-decimals)).String()
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func defaultTimeout(s uint32) uint32 {
	if s == 0 {
		return 300
	}
	return s
}
