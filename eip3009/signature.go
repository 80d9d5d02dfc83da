package eip3009

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the length of an r || s || v signature.
const SignatureLength = crypto.SignatureLength

var (
	// ErrSignatureLength indicates a signature that is not exactly 65 bytes.
	ErrSignatureLength = errors.New("eip3009: signature must be 65 bytes")

	// ErrSignatureValues indicates an out-of-range v, r or s, including high-s.
	ErrSignatureValues = errors.New("eip3009: invalid signature values")
)

// SplitSignature splits a 65-byte signature into v, r and s. v is returned
// in the {27, 28} form the token contract expects.
func SplitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != SignatureLength {
		return 0, r, s, ErrSignatureLength
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}

// RecoverSigner recovers the address that produced sig over digest. v may be
// given as 0/1 or 27/28. Malleable high-s signatures are rejected.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrSignatureLength
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	switch v := normalized[64]; v {
	case 0, 1:
	case 27, 28:
		normalized[64] = v - 27
	default:
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrSignatureValues, v)
	}

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, ErrSignatureValues
	}

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("eip3009: recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
