// Package signature verifies EIP-3009 transferWithAuthorization signatures.
//
// The EIP-712 domain is always rebuilt from the route's payment requirement and the chain
// table, never from the client's payload, so a signature made for a different token,
// chain or contract version cannot be replayed against this one.
package signature

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/mark3labs/x402-gateway"
)

// Domain is the EIP-712 domain of an EIP-3009 token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DomainFor derives the domain a payment for req must be signed under. The name and
// version come from the requirement's extra fields, falling back to the chain's USDC
// defaults; the chain id comes from the chain table and the verifying contract is the
// requirement's asset.
func DomainFor(req x402.PaymentRequirement, chain x402.ChainConfig) (Domain, error) {
	if !common.IsHexAddress(req.Asset) {
		return Domain{}, fmt.Errorf("signature: invalid asset address %q", req.Asset)
	}
	if chain.ChainID <= 0 {
		return Domain{}, fmt.Errorf("signature: chain %q has no chain id", chain.NetworkID)
	}

	name := req.ExtraString("name")
	if name == "" {
		name = chain.EIP3009Name
	}
	version := req.ExtraString("version")
	if version == "" {
		version = chain.EIP3009Version
	}
	if name == "" || version == "" {
		return Domain{}, fmt.Errorf("signature: no EIP-712 name/version for asset %s on %s", req.Asset, chain.NetworkID)
	}

	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           chain.ChainIDBig(),
		VerifyingContract: common.HexToAddress(req.Asset),
	}, nil
}

// Authorization is the typed form of EIP-3009 transferWithAuthorization parameters.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       common.Hash
}

// ParseAuthorization converts the wire authorization. Every field must be present and
// well formed; the nonce must be exactly 32 bytes.
func ParseAuthorization(a x402.EVMAuthorization) (Authorization, error) {
	var auth Authorization

	if !common.IsHexAddress(a.From) {
		return auth, fmt.Errorf("signature: invalid from address %q", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return auth, fmt.Errorf("signature: invalid to address %q", a.To)
	}
	auth.From = common.HexToAddress(a.From)
	auth.To = common.HexToAddress(a.To)

	var err error
	if auth.Value, err = parseUint256("value", a.Value); err != nil {
		return auth, err
	}
	if auth.ValidAfter, err = parseUint256("validAfter", a.ValidAfter); err != nil {
		return auth, err
	}
	if auth.ValidBefore, err = parseUint256("validBefore", a.ValidBefore); err != nil {
		return auth, err
	}

	nonce, err := decodeHex(a.Nonce)
	if err != nil || len(nonce) != common.HashLength {
		return auth, fmt.Errorf("signature: nonce must be 32 bytes of hex, got %q", a.Nonce)
	}
	auth.Nonce = common.BytesToHash(nonce)

	return auth, nil
}

// Wire converts the authorization back to its JSON representation.
func (a Authorization) Wire() x402.EVMAuthorization {
	return x402.EVMAuthorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       a.Nonce.Hex(),
	}
}

// NewAuthorization creates an authorization with a random nonce, valid from ten seconds
// before now (client clock drift) until now plus timeout.
func NewAuthorization(from, to common.Address, value *big.Int, timeout time.Duration, now time.Time) (Authorization, error) {
	var nonce common.Hash
	if _, err := rand.Read(nonce[:]); err != nil {
		return Authorization{}, fmt.Errorf("signature: failed to generate nonce: %w", err)
	}
	return Authorization{
		From:        from,
		To:          to,
		Value:       new(big.Int).Set(value),
		ValidAfter:  big.NewInt(now.Add(-10 * time.Second).Unix()),
		ValidBefore: big.NewInt(now.Add(timeout).Unix()),
		Nonce:       nonce,
	}, nil
}

func (d Domain) typedData(auth Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       auth.Nonce.Hex(),
		},
	}
}

// Hash returns keccak256(0x19 0x01 || domainSeparator || hashStruct(auth)).
func Hash(domain Domain, auth Authorization) (common.Hash, error) {
	if domain.ChainID == nil {
		return common.Hash{}, fmt.Errorf("signature: domain has no chain id")
	}
	if auth.Value == nil || auth.ValidAfter == nil || auth.ValidBefore == nil {
		return common.Hash{}, fmt.Errorf("signature: incomplete authorization")
	}

	typedData := domain.typedData(auth)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("signature: failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signature: failed to hash message: %w", err)
	}

	rawData := make([]byte, 0, 66)
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, messageHash...)
	return crypto.Keccak256Hash(rawData), nil
}

// Verify recovers the signer of auth under domain and checks it is auth.From. It returns
// the recovered address. Any failure, including a malformed or malleable (high-s)
// signature, wraps x402.ErrInvalidSignature.
func Verify(domain Domain, auth Authorization, sig []byte) (common.Address, error) {
	v, r, s, err := Split(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}
	if !crypto.ValidateSignatureValues(v-27, new(big.Int).SetBytes(r[:]), new(big.Int).SetBytes(s[:]), true) {
		return common.Address{}, fmt.Errorf("%w: signature values out of range", x402.ErrInvalidSignature)
	}

	digest, err := Hash(domain, auth)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized[:32], r[:])
	copy(normalized[32:64], s[:])
	normalized[64] = v - 27

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}

	signer := crypto.PubkeyToAddress(*pub)
	if signer != auth.From {
		return signer, fmt.Errorf("%w: recovered %s, authorization is from %s", x402.ErrInvalidSignature, signer.Hex(), auth.From.Hex())
	}
	return signer, nil
}

// Sign signs auth under domain. The returned signature uses v in {27, 28}.
func Sign(domain Domain, auth Authorization, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := Hash(domain, auth)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("signature: failed to sign authorization: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// Split breaks a 65 byte signature into v (normalized to 27 or 28), r and s, the form
// transferWithAuthorization takes them in.
func Split(sig []byte) (uint8, [32]byte, [32]byte, error) {
	var r, s [32]byte
	if len(sig) != crypto.SignatureLength {
		return 0, r, s, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return 0, r, s, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	return v, r, s, nil
}

// ParseSignature decodes a 0x-prefixed hex signature.
func ParseSignature(s string) ([]byte, error) {
	sig, err := decodeHex(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", x402.ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	return sig, nil
}

// EncodeSignature renders sig as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

func decodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("missing 0x prefix")
	}
	return hex.DecodeString(s[2:])
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func parseUint256(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("signature: %s must be a uint256 decimal string, got %q", field, s)
	}
	return n, nil
}
