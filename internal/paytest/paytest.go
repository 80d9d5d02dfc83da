// Package paytest builds signed exact-scheme payments for tests.
package paytest

import (
	"crypto/ecdsa"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/eip3009"
)

// PayerKeyHex is the well-known first anvil/hardhat development key.
const PayerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// PayTo is the recipient used by default.
const PayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

// PayerKey returns the payer's private key.
func PayerKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(PayerKeyHex)
	if err != nil {
		t.Fatalf("parse payer key: %v", err)
	}
	return key
}

// Payer returns the payer's address.
func Payer(t testing.TB) common.Address {
	return crypto.PubkeyToAddress(PayerKey(t).PublicKey)
}

// Payment describes a payment to sign. Zero fields take defaults.
type Payment struct {
	Network     x402.Network
	Value       int64
	PayTo       string
	ValidAfter  time.Time
	ValidBefore time.Time
	Nonce       [32]byte

	// Key signs the authorization; the payer key when nil.
	Key *ecdsa.PrivateKey

	// From overrides authorization.from after signing.
	From string

	// Asset and DomainName override the EIP-712 domain, which otherwise
	// is the network's USDC contract.
	Asset      string
	DomainName string
}

// Requirements returns requirements for USDC on network paying value to PayTo.
func Requirements(network x402.Network, value int64) x402.PaymentRequirements {
	chain, _ := network.Chain()
	return x402.PaymentRequirements{
		Scheme:            string(x402.SchemeExact),
		Network:           string(network),
		MaxAmountRequired: strconv.FormatInt(value, 10),
		Asset:             chain.USDCAddress,
		PayTo:             PayTo,
		Resource:          "https://api.example.com/premium",
		Description:       "Premium access",
		MimeType:          "application/json",
		MaxTimeoutSeconds: 300,
		Extra: map[string]interface{}{
			"name":    chain.EIP3009Name,
			"version": chain.EIP3009Version,
		},
	}
}

// Sign builds and signs a payment payload against the network's USDC domain.
func Sign(t testing.TB, p Payment) x402.PaymentPayload {
	t.Helper()

	if p.Network == "" {
		p.Network = x402.NetworkBase
	}
	if p.Value == 0 {
		p.Value = 1000000
	}
	if p.PayTo == "" {
		p.PayTo = PayTo
	}
	now := time.Now()
	if p.ValidAfter.IsZero() {
		p.ValidAfter = now.Add(-10 * time.Second)
	}
	if p.ValidBefore.IsZero() {
		p.ValidBefore = now.Add(300 * time.Second)
	}
	if p.Nonce == ([32]byte{}) {
		nonce, err := eip3009.GenerateNonce()
		if err != nil {
			t.Fatalf("generate nonce: %v", err)
		}
		p.Nonce = nonce
	}
	key := p.Key
	if key == nil {
		key = PayerKey(t)
	}

	chain, ok := p.Network.Chain()
	if !ok {
		t.Fatalf("unknown network %s", p.Network)
	}
	auth := eip3009.Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey),
		To:          common.HexToAddress(p.PayTo),
		Value:       big.NewInt(p.Value),
		ValidAfter:  big.NewInt(p.ValidAfter.Unix()),
		ValidBefore: big.NewInt(p.ValidBefore.Unix()),
		Nonce:       p.Nonce,
	}
	domain := eip3009.Domain{
		Name:              chain.EIP3009Name,
		Version:           chain.EIP3009Version,
		ChainID:           chain.ChainIDBig(),
		VerifyingContract: common.HexToAddress(chain.USDCAddress),
	}
	if p.Asset != "" {
		domain.VerifyingContract = common.HexToAddress(p.Asset)
	}
	if p.DomainName != "" {
		domain.Name = p.DomainName
	}
	sig, err := eip3009.Sign(key, domain, auth)
	if err != nil {
		t.Fatalf("sign authorization: %v", err)
	}

	from := auth.From.Hex()
	if p.From != "" {
		from = p.From
	}
	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      string(x402.SchemeExact),
		Network:     string(p.Network),
		Payload: x402.ExactEVMPayload{
			Signature: hexutil.Encode(sig),
			Authorization: x402.EVMAuthorization{
				From:        from,
				To:          auth.To.Hex(),
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.String(),
				ValidBefore: auth.ValidBefore.String(),
				Nonce:       hexutil.Encode(p.Nonce[:]),
			},
		},
	}
}
