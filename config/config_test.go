package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	testMnemonic = "test test test test test test test test test test test junk"
	account1     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

const relayerFile = `
listen: ":9090"
routes: /etc/x402/routes.yaml
log:
  level: debug
  format: text
ledger:
  dsn: /var/lib/x402/ledger.db
  staleAfter: 5m
settlement:
  mode: relayer
  network: base
  rpcURL: https://mainnet.base.org
  settleTimeout: 45s
  relayer:
    key: "` + testKey + `"
native:
  enabled: true
  confirmations: 3
mcp:
  enabled: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(relayerFile), nil)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/etc/x402/routes.yaml", cfg.Routes)
	assert.Equal(t, LogConfig{Level: "debug", Format: "text"}, cfg.Log)
	assert.True(t, cfg.Ledger.Durable())
	assert.Equal(t, 5*time.Minute, cfg.Ledger.StaleAfter)
	assert.Equal(t, "base", cfg.Settlement.Network)
	assert.Equal(t, 45*time.Second, cfg.Settlement.SettleTimeout)
	assert.Equal(t, uint64(3), cfg.Native.Confirmations)
	assert.True(t, cfg.MCP.Enabled)

	// Defaults survive fields the file does not set.
	assert.Equal(t, "/mcp", cfg.MCP.Path)
	assert.Equal(t, "release", cfg.Settlement.FailurePolicy)
	assert.Equal(t, 10*time.Minute, cfg.Settlement.CacheTTL)
	assert.True(t, cfg.Metrics.Enabled)

	key, err := cfg.Settlement.Relayer.PrivateKey()
	require.NoError(t, err)
	assert.Equal(t, testAddress, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestParse_EnvOverrides(t *testing.T) {
	doc := `
settlement:
  mode: facilitator
  facilitatorURL: https://facilitator.example.com
`
	cfg, err := Parse(strings.NewReader(doc), env(map[string]string{
		EnvFacilitatorURL: "https://other.example.com",
		EnvLedgerDSN:      "/tmp/ledger.db",
		EnvRPCURL:         "https://sepolia.base.org",
		EnvListen:         ":7070",
	}))
	require.NoError(t, err)

	assert.Equal(t, ModeFacilitator, cfg.Settlement.Mode)
	assert.Equal(t, "https://other.example.com", cfg.Settlement.FacilitatorURL)
	assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.DSN)
	assert.Equal(t, "https://sepolia.base.org", cfg.Settlement.RPCURL)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "http://127.0.0.1:3000", cfg.Upstream)
}

func TestParse_RelayerKeyFromEnv(t *testing.T) {
	doc := `
settlement:
  rpcURL: https://sepolia.base.org
  relayer:
    keystore: /nonexistent/key.json
`
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"hex key replaces file source", map[string]string{EnvRelayerKey: testKey}, testAddress},
		{"mnemonic with index", map[string]string{EnvRelayerMnemonic: testMnemonic, EnvRelayerIndex: "1"}, account1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(strings.NewReader(doc), env(tt.env))
			require.NoError(t, err)

			key, err := cfg.Settlement.Relayer.PrivateKey()
			require.NoError(t, err)
			assert.Equal(t, tt.want, crypto.PubkeyToAddress(key.PublicKey).Hex())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown field",
			doc:     "listen: ':80'\nport: 80\n",
			wantErr: "field port not found",
		},
		{
			name:    "bad log level",
			doc:     "log:\n  level: loud\n",
			env:     map[string]string{EnvRelayerKey: testKey, EnvRPCURL: "https://sepolia.base.org"},
			wantErr: "Level",
		},
		{
			name:    "unknown network",
			doc:     "settlement:\n  network: dogechain\n",
			env:     map[string]string{EnvRelayerKey: testKey, EnvRPCURL: "https://sepolia.base.org"},
			wantErr: "settlement network",
		},
		{
			name:    "relayer without rpc",
			doc:     "",
			env:     map[string]string{EnvRelayerKey: testKey},
			wantErr: "rpcURL",
		},
		{
			name:    "relayer without key",
			doc:     "settlement:\n  rpcURL: https://sepolia.base.org\n",
			wantErr: "exactly one of relayer key",
		},
		{
			name:    "two key sources",
			doc:     "settlement:\n  rpcURL: https://sepolia.base.org\n  relayer:\n    key: " + testKey + "\n    mnemonic: " + testMnemonic + "\n",
			wantErr: "exactly one of relayer key",
		},
		{
			name:    "facilitator without url",
			doc:     "settlement:\n  mode: facilitator\n",
			wantErr: "facilitatorURL",
		},
		{
			name:    "native without rpc",
			doc:     "settlement:\n  mode: facilitator\n  facilitatorURL: https://f.example.com\nnative:\n  enabled: true\n",
			wantErr: "native payments",
		},
		{
			name:    "bad failure policy",
			doc:     "settlement:\n  mode: facilitator\n  facilitatorURL: https://f.example.com\n  failurePolicy: refund\n",
			wantErr: "FailurePolicy",
		},
		{
			name:    "stale reservations shorter than settlement",
			doc:     "ledger:\n  staleAfter: 1s\nsettlement:\n  mode: facilitator\n  facilitatorURL: https://f.example.com\n",
			wantErr: "must exceed settlement.settleTimeout",
		},
		{
			name:    "settlement longer than the default stale age",
			doc:     "settlement:\n  mode: facilitator\n  facilitatorURL: https://f.example.com\n  settleTimeout: 10m\n",
			wantErr: "ledger.staleAfter (5m0s)",
		},
		{
			name:    "bad relayer index",
			doc:     "settlement:\n  rpcURL: https://sepolia.base.org\n",
			env:     map[string]string{EnvRelayerMnemonic: testMnemonic, EnvRelayerIndex: "first"},
			wantErr: EnvRelayerIndex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc), env(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settlement:\n  network: base-sepolia\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte(EnvRPCURL+"=https://sepolia.base.org\n"+EnvRelayerKey+"="+testKey+"\n"), 0o600))

	// godotenv sets variables process-wide; register them with t.Setenv so they are restored.
	t.Setenv(EnvRPCURL, "")
	t.Setenv(EnvRelayerKey, "")
	require.NoError(t, os.Unsetenv(EnvRPCURL))
	require.NoError(t, os.Unsetenv(EnvRelayerKey))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://sepolia.base.org", cfg.Settlement.RPCURL)
	assert.Equal(t, testKey, cfg.Settlement.Relayer.Key)
}

func TestParse_SampleFile(t *testing.T) {
	f, err := os.Open(filepath.Join("..", "examples", "gateway", "gateway.yaml"))
	require.NoError(t, err)
	defer f.Close()

	cfg, err := Parse(f, env(map[string]string{EnvRelayerKey: testKey}))
	require.NoError(t, err)
	assert.Equal(t, ModeRelayer, cfg.Settlement.Mode)
	assert.True(t, cfg.Native.Enabled)
	assert.True(t, cfg.MCP.Enabled)
	assert.Equal(t, "examples/gateway/routes.yaml", cfg.Routes)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
