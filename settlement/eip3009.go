package settlement

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mark3labs/x402-gateway/signature"
)

const eip3009JSON = `[
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable","outputs":[],
   "inputs":[
     {"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
     {"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
     {"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}]},
  {"type":"function","name":"authorizationState","stateMutability":"view",
   "inputs":[{"name":"authorizer","type":"address"},{"name":"nonce","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"AuthorizationUsed","anonymous":false,
   "inputs":[{"name":"authorizer","type":"address","indexed":true},{"name":"nonce","type":"bytes32","indexed":true}]}
]`

// EIP3009ABI is the subset of the EIP-3009 token interface the relayer calls.
var EIP3009ABI = mustABI(eip3009JSON)

func mustABI(doc string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(doc))
	if err != nil {
		panic(fmt.Sprintf("settlement: bad built-in ABI: %v", err))
	}
	return parsed
}

// PackTransferWithAuthorization encodes the transferWithAuthorization call for auth.
func PackTransferWithAuthorization(auth signature.Authorization, sig []byte) ([]byte, error) {
	v, r, s, err := signature.Split(sig)
	if err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	return EIP3009ABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore,
		[32]byte(auth.Nonce), v, r, s)
}

// UnpackTransferWithAuthorization decodes calldata produced by PackTransferWithAuthorization.
func UnpackTransferWithAuthorization(data []byte) (signature.Authorization, []byte, error) {
	method, ok := EIP3009ABI.Methods["transferWithAuthorization"]
	if !ok || len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return signature.Authorization{}, nil, fmt.Errorf("settlement: not a transferWithAuthorization call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return signature.Authorization{}, nil, fmt.Errorf("settlement: unpack: %w", err)
	}
	auth := signature.Authorization{
		From:        args[0].(common.Address),
		To:          args[1].(common.Address),
		Value:       args[2].(*big.Int),
		ValidAfter:  args[3].(*big.Int),
		ValidBefore: args[4].(*big.Int),
		Nonce:       common.Hash(args[5].([32]byte)),
	}
	r, s := args[7].([32]byte), args[8].([32]byte)
	sig := make([]byte, 0, 65)
	sig = append(sig, r[:]...)
	sig = append(sig, s[:]...)
	sig = append(sig, args[6].(uint8))
	return auth, sig, nil
}

// PackAuthorizationState encodes authorizationState(authorizer, nonce).
func PackAuthorizationState(authorizer common.Address, nonce common.Hash) ([]byte, error) {
	return EIP3009ABI.Pack("authorizationState", authorizer, [32]byte(nonce))
}

// AuthorizationUsedTopic is the topic of the AuthorizationUsed event.
func AuthorizationUsedTopic() common.Hash {
	return EIP3009ABI.Events["AuthorizationUsed"].ID
}

// RevertReason extracts the reason of a reverted call from an RPC error. ok is false
// when err is not a revert, for example a transport failure.
func RevertReason(err error) (reason string, ok bool) {
	if err == nil {
		return "", false
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, isString := dataErr.ErrorData().(string); isString {
			if raw, decodeErr := hex.DecodeString(strings.TrimPrefix(data, "0x")); decodeErr == nil && len(raw) > 0 {
				if unpacked, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return unpacked, true
				}
				return "execution reverted: 0x" + hex.EncodeToString(raw), true
			}
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return msg, true
	}
	return "", false
}
