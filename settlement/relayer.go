package settlement

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/mark3labs/x402-facilitator"
)

// Relayer is the facilitator's own account. It pays gas for every
// transferWithAuthorization it submits.
type Relayer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// RelayerOption supplies the relayer's credential.
type RelayerOption func(*Relayer) error

// NewRelayer creates a relayer from exactly one credential option.
func NewRelayer(opts ...RelayerOption) (*Relayer, error) {
	r := &Relayer{}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.key == nil {
		return nil, fmt.Errorf("%w: no relayer credential", x402.ErrInvalidKey)
	}
	r.address = crypto.PubkeyToAddress(r.key.PublicKey)
	return r, nil
}

func (r *Relayer) setKey(key *ecdsa.PrivateKey) error {
	if r.key != nil {
		return fmt.Errorf("%w: relayer credential given more than once", x402.ErrInvalidKey)
	}
	r.key = key
	return nil
}

// WithPrivateKey sets the key from hex, with or without the 0x prefix.
func WithPrivateKey(hexKey string) RelayerOption {
	return func(r *Relayer) error {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return x402.ErrInvalidKey
		}
		return r.setKey(key)
	}
}

// WithKeystore decrypts a go-ethereum v3 keystore file.
func WithKeystore(path, password string) RelayerOption {
	return func(r *Relayer) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKeystore, err)
		}
		k, err := keystore.DecryptKey(data, password)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidKeystore, err)
		}
		return r.setKey(k.PrivateKey)
	}
}

// WithMnemonic derives the key at m/44'/60'/0'/0/{index} from a BIP39 phrase.
func WithMnemonic(mnemonic string, index uint32) RelayerOption {
	return func(r *Relayer) error {
		if !bip39.IsMnemonicValid(mnemonic) {
			return x402.ErrInvalidMnemonic
		}
		key, err := deriveKey(bip39.NewSeed(mnemonic, ""), index)
		if err != nil {
			return fmt.Errorf("%w: %v", x402.ErrInvalidMnemonic, err)
		}
		return r.setKey(key)
	}
}

// bip44Path is m/44'/60'/0'/0 without the address index.
var bip44Path = []uint32{
	bip32.FirstHardenedChild + 44,
	bip32.FirstHardenedChild + 60,
	bip32.FirstHardenedChild + 0,
	0,
}

func deriveKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	for _, child := range append(bip44Path, index) {
		if key, err = key.NewChildKey(child); err != nil {
			return nil, err
		}
	}
	return crypto.ToECDSA(key.Key)
}

// Address returns the relayer's account address.
func (r *Relayer) Address() common.Address {
	return r.address
}

// SignTx signs tx for chainID with the London signer.
func (r *Relayer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), r.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign transaction: %v", x402.ErrFatal, err)
	}
	return signed, nil
}
