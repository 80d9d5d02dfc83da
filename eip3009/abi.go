package eip3009

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// tokenABI covers the two EIP-3009 calls the facilitator makes.
const tokenABI = `[
	{
		"type": "function",
		"name": "transferWithAuthorization",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "authorizationState",
		"stateMutability": "view",
		"inputs": [
			{"name": "authorizer", "type": "address"},
			{"name": "nonce", "type": "bytes32"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		panic(fmt.Sprintf("eip3009: parse token abi: %v", err))
	}
	return parsed
}()

// ABI returns the parsed token ABI.
func ABI() abi.ABI {
	return parsedABI
}

// PackTransfer encodes a transferWithAuthorization call carrying the payer's signature.
func PackTransfer(auth Authorization, sig []byte) ([]byte, error) {
	v, r, s, err := SplitSignature(sig)
	if err != nil {
		return nil, err
	}
	data, err := parsedABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, v, r, s)
	if err != nil {
		return nil, fmt.Errorf("pack transferWithAuthorization: %w", err)
	}
	return data, nil
}

// PackAuthorizationState encodes an authorizationState(authorizer, nonce) call.
func PackAuthorizationState(auth Authorization) ([]byte, error) {
	data, err := parsedABI.Pack("authorizationState", auth.From, auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("pack authorizationState: %w", err)
	}
	return data, nil
}

// UnpackAuthorizationState decodes the boolean returned by authorizationState.
func UnpackAuthorizationState(output []byte) (bool, error) {
	values, err := parsedABI.Unpack("authorizationState", output)
	if err != nil {
		return false, fmt.Errorf("unpack authorizationState: %w", err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("unpack authorizationState: want 1 value, got %d", len(values))
	}
	used, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unpack authorizationState: unexpected type %T", values[0])
	}
	return used, nil
}
