package settlement

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/internal/paytest"
)

// Development mnemonic used by anvil and hardhat. DO NOT use in production.
const testMnemonic = "test test test test test test test test test test test junk"

func TestNewRelayer(t *testing.T) {
	anvil0 := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	anvil1 := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	tests := []struct {
		name     string
		opts     []RelayerOption
		wantAddr common.Address
		wantErr  error
	}{
		{
			name:     "hex key",
			opts:     []RelayerOption{WithPrivateKey(paytest.PayerKeyHex)},
			wantAddr: anvil0,
		},
		{
			name:     "hex key with prefix",
			opts:     []RelayerOption{WithPrivateKey("0x" + paytest.PayerKeyHex)},
			wantAddr: anvil0,
		},
		{
			name:     "mnemonic index 0",
			opts:     []RelayerOption{WithMnemonic(testMnemonic, 0)},
			wantAddr: anvil0,
		},
		{
			name:     "mnemonic index 1",
			opts:     []RelayerOption{WithMnemonic(testMnemonic, 1)},
			wantAddr: anvil1,
		},
		{
			name:    "invalid hex key",
			opts:    []RelayerOption{WithPrivateKey("not-a-key")},
			wantErr: x402.ErrInvalidKey,
		},
		{
			name:    "invalid mnemonic",
			opts:    []RelayerOption{WithMnemonic("invalid mnemonic phrase", 0)},
			wantErr: x402.ErrInvalidMnemonic,
		},
		{
			name:    "no credential",
			wantErr: x402.ErrInvalidKey,
		},
		{
			name: "two credentials",
			opts: []RelayerOption{
				WithPrivateKey(paytest.PayerKeyHex),
				WithMnemonic(testMnemonic, 1),
			},
			wantErr: x402.ErrInvalidKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRelayer(tt.opts...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Address() != tt.wantAddr {
				t.Errorf("address = %s, want %s", r.Address().Hex(), tt.wantAddr.Hex())
			}
		})
	}
}

func TestWithKeystore(t *testing.T) {
	dir := t.TempDir()
	const password = "testpassword123"

	key, err := crypto.HexToECDSA(paytest.PayerKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key, password)
	if err != nil {
		t.Fatalf("import key: %v", err)
	}

	invalidJSON := filepath.Join(dir, "invalid.json")
	if err := os.WriteFile(invalidJSON, []byte("not valid json"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tests := []struct {
		name     string
		path     string
		password string
		wantErr  bool
	}{
		{"correct password", account.URL.Path, password, false},
		{"wrong password", account.URL.Path, "wrongpassword", true},
		{"missing file", filepath.Join(dir, "missing.json"), password, true},
		{"invalid json", invalidJSON, password, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRelayer(WithKeystore(tt.path, tt.password))
			if tt.wantErr {
				if !errors.Is(err, x402.ErrInvalidKeystore) {
					t.Fatalf("error = %v, want ErrInvalidKeystore", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Address() != account.Address {
				t.Errorf("address = %s, want %s", r.Address().Hex(), account.Address.Hex())
			}
		})
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	seed := []byte("test seed for BIP32 derivation - DO NOT USE IN PRODUCTION")

	a, err := deriveKey(seed, 7)
	if err != nil {
		t.Fatalf("deriveKey: %v", err)
	}
	b, err := deriveKey(seed, 7)
	if err != nil {
		t.Fatalf("deriveKey: %v", err)
	}
	c, err := deriveKey(seed, 8)
	if err != nil {
		t.Fatalf("deriveKey: %v", err)
	}
	if crypto.PubkeyToAddress(a.PublicKey) != crypto.PubkeyToAddress(b.PublicKey) {
		t.Error("same seed and index produced different keys")
	}
	if crypto.PubkeyToAddress(a.PublicKey) == crypto.PubkeyToAddress(c.PublicKey) {
		t.Error("different indices produced the same key")
	}
}
