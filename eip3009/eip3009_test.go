package eip3009

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const testPrivateKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testDomain() Domain {
	return Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           big.NewInt(8453),
		VerifyingContract: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	}
}

func testAuthorization(t *testing.T) Authorization {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKeyHex)
	if err != nil {
		t.Fatalf("failed to parse private key: %v", err)
	}
	auth, err := NewAuthorization(
		crypto.PubkeyToAddress(key.PublicKey),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
		big.NewInt(1000000),
		300,
	)
	if err != nil {
		t.Fatalf("NewAuthorization() error = %v", err)
	}
	return *auth
}

func TestNewAuthorization(t *testing.T) {
	auth := testAuthorization(t)

	window := new(big.Int).Sub(auth.ValidBefore, auth.ValidAfter)
	if window.Int64() != 310 {
		t.Errorf("validity window = %s, want 310", window)
	}
	if auth.Nonce == ([32]byte{}) {
		t.Error("expected nonce to be non-zero")
	}
}

func TestGenerateNonceUnique(t *testing.T) {
	seen := make(map[[32]byte]bool)
	for i := 0; i < 100; i++ {
		nonce, err := GenerateNonce()
		if err != nil {
			t.Fatalf("GenerateNonce() error = %v", err)
		}
		if seen[nonce] {
			t.Fatal("duplicate nonce generated")
		}
		seen[nonce] = true
	}
}

func TestDigestMatchesTypedDataAndHash(t *testing.T) {
	domain := testDomain()
	auth := testAuthorization(t)

	digest, err := Digest(domain, auth)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	want, _, err := apitypes.TypedDataAndHash(TypedData(domain, auth))
	if err != nil {
		t.Fatalf("TypedDataAndHash() error = %v", err)
	}
	if !bytes.Equal(digest, want) {
		t.Errorf("Digest() = %x, want %x", digest, want)
	}
}

func TestDigestIncomplete(t *testing.T) {
	domain := testDomain()
	domain.ChainID = nil
	if _, err := Digest(domain, testAuthorization(t)); err == nil {
		t.Error("expected error for missing chain id")
	}
}

func TestSignAndRecover(t *testing.T) {
	key, _ := crypto.HexToECDSA(testPrivateKeyHex)
	domain := testDomain()
	auth := testAuthorization(t)

	sig, err := Sign(key, domain, auth)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != SignatureLength {
		t.Fatalf("len(sig) = %d, want %d", len(sig), SignatureLength)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Errorf("v = %d, want 27 or 28", sig[64])
	}

	digest, _ := Digest(domain, auth)
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("RecoverSigner() error = %v", err)
	}
	if signer != auth.From {
		t.Errorf("RecoverSigner() = %s, want %s", signer.Hex(), auth.From.Hex())
	}

	// v in {0, 1} is accepted as well.
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	if signer, err := RecoverSigner(digest, raw); err != nil || signer != auth.From {
		t.Errorf("RecoverSigner(v-27) = %s, %v", signer.Hex(), err)
	}
}

func TestRecoverSignerTamperedFields(t *testing.T) {
	key, _ := crypto.HexToECDSA(testPrivateKeyHex)
	domain := testDomain()
	auth := testAuthorization(t)
	sig, err := Sign(key, domain, auth)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*Domain, *Authorization)
	}{
		{"value", func(_ *Domain, a *Authorization) { a.Value = big.NewInt(2000000) }},
		{"to", func(_ *Domain, a *Authorization) {
			a.To = common.HexToAddress("0x3333333333333333333333333333333333333333")
		}},
		{"validBefore", func(_ *Domain, a *Authorization) {
			a.ValidBefore = new(big.Int).Add(a.ValidBefore, big.NewInt(1))
		}},
		{"nonce", func(_ *Domain, a *Authorization) { a.Nonce[0] ^= 0xff }},
		{"chain id", func(d *Domain, _ *Authorization) { d.ChainID = big.NewInt(84532) }},
		{"domain name", func(d *Domain, _ *Authorization) { d.Name = "USDC" }},
		{"verifying contract", func(d *Domain, _ *Authorization) {
			d.VerifyingContract = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, a := domain, auth
			tt.mutate(&d, &a)
			digest, err := Digest(d, a)
			if err != nil {
				t.Fatal(err)
			}
			signer, err := RecoverSigner(digest, sig)
			if err == nil && signer == auth.From {
				t.Error("tampered message still recovers the payer")
			}
		})
	}
}

func TestRecoverSignerRejects(t *testing.T) {
	key, _ := crypto.HexToECDSA(testPrivateKeyHex)
	domain := testDomain()
	auth := testAuthorization(t)
	sig, _ := Sign(key, domain, auth)
	digest, _ := Digest(domain, auth)

	highS := append([]byte(nil), sig...)
	s := new(big.Int).SetBytes(highS[32:64])
	s.Sub(crypto.S256().Params().N, s)
	s.FillBytes(highS[32:64])
	highS[64] ^= 1

	badV := append([]byte(nil), sig...)
	badV[64] = 29

	tests := []struct {
		name string
		sig  []byte
		want error
	}{
		{"short", sig[:64], ErrSignatureLength},
		{"long", append(append([]byte(nil), sig...), 0), ErrSignatureLength},
		{"empty", nil, ErrSignatureLength},
		{"high s", highS, ErrSignatureValues},
		{"bad v", badV, ErrSignatureValues},
		{"zero r and s", make([]byte, 65), ErrSignatureValues},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RecoverSigner(digest, tt.sig)
			if !errors.Is(err, tt.want) {
				t.Errorf("RecoverSigner() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSplitSignature(t *testing.T) {
	sig := make([]byte, 65)
	sig[0] = 0x01
	sig[32] = 0x02
	sig[64] = 1

	v, r, s, err := SplitSignature(sig)
	if err != nil {
		t.Fatalf("SplitSignature() error = %v", err)
	}
	if v != 28 || r[0] != 0x01 || s[0] != 0x02 {
		t.Errorf("SplitSignature() = %d, %x, %x", v, r, s)
	}
	if _, _, _, err := SplitSignature(sig[:10]); !errors.Is(err, ErrSignatureLength) {
		t.Errorf("short signature error = %v", err)
	}
}

func TestPackTransfer(t *testing.T) {
	key, _ := crypto.HexToECDSA(testPrivateKeyHex)
	auth := testAuthorization(t)
	sig, _ := Sign(key, testDomain(), auth)

	data, err := PackTransfer(auth, sig)
	if err != nil {
		t.Fatalf("PackTransfer() error = %v", err)
	}
	method := ABI().Methods["transferWithAuthorization"]
	if !bytes.Equal(data[:4], method.ID) {
		t.Errorf("selector = %x, want %x", data[:4], method.ID)
	}
	// 4-byte selector plus nine 32-byte words.
	if len(data) != 4+9*32 {
		t.Errorf("len(data) = %d, want %d", len(data), 4+9*32)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if args[0].(common.Address) != auth.From || args[2].(*big.Int).Cmp(auth.Value) != 0 {
		t.Errorf("unexpected args %v", args)
	}
	if args[5].([32]byte) != auth.Nonce {
		t.Errorf("nonce = %x, want %x", args[5], auth.Nonce)
	}
	if args[6].(uint8) != sig[64] {
		t.Errorf("v = %d, want %d", args[6], sig[64])
	}
}

func TestAuthorizationState(t *testing.T) {
	auth := testAuthorization(t)
	data, err := PackAuthorizationState(auth)
	if err != nil {
		t.Fatalf("PackAuthorizationState() error = %v", err)
	}
	if len(data) != 4+2*32 {
		t.Errorf("len(data) = %d, want %d", len(data), 4+2*32)
	}

	for _, want := range []bool{true, false} {
		out, err := ABI().Methods["authorizationState"].Outputs.Pack(want)
		if err != nil {
			t.Fatal(err)
		}
		got, err := UnpackAuthorizationState(out)
		if err != nil {
			t.Fatalf("UnpackAuthorizationState() error = %v", err)
		}
		if got != want {
			t.Errorf("UnpackAuthorizationState() = %v, want %v", got, want)
		}
	}

	if _, err := UnpackAuthorizationState(nil); err == nil {
		t.Error("expected error for empty output")
	}
}
