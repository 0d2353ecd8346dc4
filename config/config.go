// Package config loads the gateway server configuration.
//
// Load reads a YAML file, then a .env file from the working directory if one exists, then
// applies X402_* environment overrides and validates the result. Secrets such as the relayer
// key are expected to come from the environment rather than the file.
package config

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mark3labs/x402-gateway"
	"github.com/mark3labs/x402-gateway/nonce"
	"github.com/mark3labs/x402-gateway/signers/evm"
)

// Environment variables that override the file.
const (
	EnvRPCURL           = "X402_RPC_URL"
	EnvRelayerKey       = "X402_RELAYER_KEY"
	EnvRelayerMnemonic  = "X402_RELAYER_MNEMONIC"
	EnvRelayerIndex     = "X402_RELAYER_INDEX"
	EnvKeystorePassword = "X402_KEYSTORE_PASSWORD"
	EnvFacilitatorURL   = "X402_FACILITATOR_URL"
	EnvLedgerDSN        = "X402_LEDGER_DSN"
	EnvListen           = "X402_LISTEN"
	EnvUpstream         = "X402_UPSTREAM"
)

// Settlement modes.
const (
	ModeRelayer     = "relayer"
	ModeFacilitator = "facilitator"
)

// ErrRelayerKey is returned when the relayer key is missing or given more than once.
var ErrRelayerKey = errors.New("config: exactly one of relayer key, keystore or mnemonic is required")

// Config is the server configuration.
//
//	listen: ":8080"
//	upstream: http://127.0.0.1:3000
//	routes: routes.yaml
//	log:
//	  level: info
//	  format: json
//	ledger:
//	  dsn: /var/lib/x402/ledger.db
//	settlement:
//	  mode: relayer
//	  network: base-sepolia
//	  rpcURL: https://sepolia.base.org
//	native:
//	  enabled: true
//	  confirmations: 2
//	mcp:
//	  enabled: true
type Config struct {
	Listen     string           `yaml:"listen" validate:"required"`
	Upstream   string           `yaml:"upstream" validate:"required,url"`
	Routes     string           `yaml:"routes" validate:"required"`
	Log        LogConfig        `yaml:"log"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Settlement SettlementConfig `yaml:"settlement"`
	Native     NativeConfig     `yaml:"native"`
	MCP        MCPConfig        `yaml:"mcp"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// LedgerConfig selects the nonce ledger. An empty DSN or "memory" keeps reservations in
// process; anything else is a SQLite database path.
type LedgerConfig struct {
	DSN        string        `yaml:"dsn"`
	StaleAfter time.Duration `yaml:"staleAfter" validate:"gte=0"`
}

// Durable reports whether the ledger survives restarts.
func (c LedgerConfig) Durable() bool {
	return c.DSN != "" && c.DSN != "memory"
}

// staleAfter is the takeover age the ledger will use; zero means the ledger default.
func (c LedgerConfig) staleAfter() time.Duration {
	if c.StaleAfter > 0 {
		return c.StaleAfter
	}
	return nonce.DefaultStaleAfter
}

type SettlementConfig struct {
	Mode    string `yaml:"mode" validate:"oneof=relayer facilitator"`
	Network string `yaml:"network" validate:"required"`

	RPCURL       string  `yaml:"rpcURL" validate:"omitempty,url"`
	RPCRateLimit float64 `yaml:"rpcRateLimit" validate:"gte=0"`
	RPCBurst     int     `yaml:"rpcBurst" validate:"gte=0"`

	Relayer RelayerConfig `yaml:"relayer"`

	FacilitatorURL string `yaml:"facilitatorURL" validate:"omitempty,url"`
	FallbackURL    string `yaml:"fallbackURL" validate:"omitempty,url"`

	FailurePolicy string        `yaml:"failurePolicy" validate:"oneof=release burn"`
	SettleTimeout time.Duration `yaml:"settleTimeout" validate:"gt=0"`
	LookupTimeout time.Duration `yaml:"lookupTimeout" validate:"gt=0"`
	ExpiryBuffer  time.Duration `yaml:"expiryBuffer" validate:"gte=0"`
	CacheTTL      time.Duration `yaml:"cacheTTL" validate:"gte=0"`
}

// RelayerConfig names where the relayer's key comes from. Exactly one source is used.
type RelayerConfig struct {
	Key      string `yaml:"key"`
	Keystore string `yaml:"keystore"`
	Password string `yaml:"password"`
	Mnemonic string `yaml:"mnemonic"`
	Index    uint32 `yaml:"index"`
}

// PrivateKey loads the relayer key from its configured source.
func (c RelayerConfig) PrivateKey() (*ecdsa.PrivateKey, error) {
	sources := 0
	for _, s := range []string{c.Key, c.Keystore, c.Mnemonic} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return nil, ErrRelayerKey
	}

	switch {
	case c.Key != "":
		return evm.ParsePrivateKey(c.Key)
	case c.Keystore != "":
		return evm.LoadKeystore(c.Keystore, c.Password)
	default:
		return evm.DeriveKey(c.Mnemonic, c.Index)
	}
}

type NativeConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Confirmations uint64        `yaml:"confirmations"`
	MaxAge        time.Duration `yaml:"maxAge" validate:"gte=0"`
}

type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
	Name    string `yaml:"name"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// Default returns the configuration a file is decoded over.
func Default() Config {
	return Config{
		Listen:   ":8080",
		Upstream: "http://127.0.0.1:3000",
		Routes:   "routes.yaml",
		Log:      LogConfig{Level: "info", Format: "json"},
		Ledger:   LedgerConfig{DSN: "memory"},
		Settlement: SettlementConfig{
			Mode:          ModeRelayer,
			Network:       x402.BaseSepolia.NetworkID,
			RPCRateLimit:  20,
			RPCBurst:      40,
			FailurePolicy: "release",
			SettleTimeout: x402.DefaultTimeouts.SettleTimeout,
			LookupTimeout: x402.DefaultTimeouts.LookupTimeout,
			ExpiryBuffer:  6 * time.Second,
			CacheTTL:      10 * time.Minute,
		},
		Native:  NativeConfig{Confirmations: 1, MaxAge: time.Hour},
		MCP:     MCPConfig{Path: "/mcp", Name: "x402-gateway"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the file at path, the optional .env file and the environment.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	return Parse(f, os.LookupEnv)
}

// Parse decodes a YAML document over Default, applies overrides from lookupEnv and
// validates the result.
func Parse(r io.Reader, lookupEnv func(string) (string, bool)) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if lookupEnv != nil {
		if err := cfg.applyEnv(lookupEnv); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the relayer key source.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := x402.LookupChain(c.Settlement.Network); err != nil {
		return fmt.Errorf("config: settlement network: %w", err)
	}
	switch c.Settlement.Mode {
	case ModeRelayer:
		if c.Settlement.RPCURL == "" {
			return fmt.Errorf("config: relayer settlement needs settlement.rpcURL")
		}
		if _, err := c.Settlement.Relayer.PrivateKey(); err != nil {
			return fmt.Errorf("config: relayer: %w", err)
		}
	case ModeFacilitator:
		if c.Settlement.FacilitatorURL == "" {
			return fmt.Errorf("config: facilitator settlement needs settlement.facilitatorURL")
		}
	}
	if c.Native.Enabled && c.Settlement.RPCURL == "" {
		return fmt.Errorf("config: native payments need settlement.rpcURL")
	}
	if stale := c.Ledger.staleAfter(); stale <= c.Settlement.SettleTimeout {
		return fmt.Errorf("config: ledger.staleAfter (%s) must exceed settlement.settleTimeout (%s)", stale, c.Settlement.SettleTimeout)
	}
	if c.MCP.Enabled && c.MCP.Path == "" {
		return fmt.Errorf("config: mcp.path is required")
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("config: metrics.path is required")
	}
	return nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	set(EnvListen, &c.Listen)
	set(EnvUpstream, &c.Upstream)
	set(EnvRPCURL, &c.Settlement.RPCURL)
	set(EnvFacilitatorURL, &c.Settlement.FacilitatorURL)
	set(EnvLedgerDSN, &c.Ledger.DSN)
	set(EnvKeystorePassword, &c.Settlement.Relayer.Password)

	// A key from the environment replaces any key source in the file.
	if v, ok := lookupEnv(EnvRelayerKey); ok && v != "" {
		c.Settlement.Relayer = RelayerConfig{Key: v}
	}
	if v, ok := lookupEnv(EnvRelayerMnemonic); ok && v != "" {
		index := c.Settlement.Relayer.Index
		if raw, ok := lookupEnv(EnvRelayerIndex); ok && raw != "" {
			n, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				return fmt.Errorf("config: %s: %w", EnvRelayerIndex, err)
			}
			index = uint32(n)
		}
		c.Settlement.Relayer = RelayerConfig{Mnemonic: v, Index: index}
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}
