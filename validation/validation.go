// Package validation turns wire payloads and requirements into validated,
// typed values. Parsing happens once at the boundary; everything downstream
// works with addresses, big integers and byte arrays instead of strings.
package validation

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/eip3009"
)

// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
var evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Payment is a structurally valid exact-scheme payment payload.
type Payment struct {
	Scheme      x402.Scheme
	Network     x402.Network
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte

	// Signature is the decoded signature. Its length is not checked here.
	Signature []byte
}

// Authorization returns the EIP-3009 message the payer signed.
func (p *Payment) Authorization() eip3009.Authorization {
	return eip3009.Authorization{
		From:        p.From,
		To:          p.To,
		Value:       p.Value,
		ValidAfter:  p.ValidAfter,
		ValidBefore: p.ValidBefore,
		Nonce:       p.Nonce,
	}
}

// NonceHex returns the nonce as 0x-prefixed lower-case hex.
func (p *Payment) NonceHex() string {
	return hexutil.Encode(p.Nonce[:])
}

// Requirements is a validated form of x402.PaymentRequirements.
type Requirements struct {
	Scheme    x402.Scheme
	Network   x402.Network
	Chain     x402.ChainConfig
	Asset     common.Address
	PayTo     common.Address
	MaxAmount *big.Int

	// MaxTimeout is zero when the resource server did not set one.
	MaxTimeout time.Duration

	// DomainName and DomainVersion are the EIP-712 domain of the asset.
	DomainName    string
	DomainVersion string

	// GasLimit overrides the network's gas strategy when non-zero.
	GasLimit uint64
}

// MaxGasLimit bounds the gas limit a resource server may request through
// extra.gasLimit.
const MaxGasLimit = 1_000_000

// Domain returns the typed-data domain the payer signs against.
func (r *Requirements) Domain() eip3009.Domain {
	return eip3009.Domain{
		Name:              r.DomainName,
		Version:           r.DomainVersion,
		ChainID:           r.Chain.ChainIDBig(),
		VerifyingContract: r.Asset,
	}
}

// ParsePayment validates the payload structure. Every failure wraps
// x402.ErrMalformedPayload; the input is never mutated.
func ParsePayment(payload x402.PaymentPayload) (*Payment, error) {
	if payload.X402Version != x402.X402Version {
		return nil, fmt.Errorf("%w: unsupported x402 version %d", x402.ErrMalformedPayload, payload.X402Version)
	}
	scheme, err := x402.ParseScheme(payload.Scheme)
	if err != nil {
		return nil, err
	}
	network, err := x402.ParseNetwork(payload.Network)
	if err != nil {
		return nil, err
	}

	auth := payload.Payload.Authorization
	p := &Payment{Scheme: scheme, Network: network}

	if p.From, err = parseAddress("from", auth.From); err != nil {
		return nil, malformed(err)
	}
	if p.To, err = parseAddress("to", auth.To); err != nil {
		return nil, malformed(err)
	}
	if p.Value, err = parseUint256("value", auth.Value); err != nil {
		return nil, malformed(err)
	}
	if p.ValidAfter, err = parseUint256("validAfter", auth.ValidAfter); err != nil {
		return nil, malformed(err)
	}
	if p.ValidBefore, err = parseUint256("validBefore", auth.ValidBefore); err != nil {
		return nil, malformed(err)
	}
	if p.Nonce, err = parseNonce(auth.Nonce); err != nil {
		return nil, malformed(err)
	}
	if p.Signature, err = parseHex(payload.Payload.Signature); err != nil {
		return nil, malformed(fmt.Errorf("signature: %w", err))
	}
	return p, nil
}

// ParseRequirements validates requirements supplied by a resource server.
// Every failure wraps x402.ErrInvalidRequirements.
func ParseRequirements(req x402.PaymentRequirements) (*Requirements, error) {
	scheme, err := x402.ParseScheme(req.Scheme)
	if err != nil {
		return nil, invalid(err)
	}
	network, err := x402.ParseNetwork(req.Network)
	if err != nil {
		return nil, invalid(err)
	}
	chain, _ := network.Chain()

	r := &Requirements{Scheme: scheme, Network: network, Chain: chain}
	if r.Asset, err = parseAddress("asset", req.Asset); err != nil {
		return nil, invalid(err)
	}
	if r.PayTo, err = parseAddress("payTo", req.PayTo); err != nil {
		return nil, invalid(err)
	}
	if r.MaxAmount, err = parseUint256("maxAmountRequired", req.MaxAmountRequired); err != nil {
		return nil, invalid(err)
	}
	if req.MaxTimeoutSeconds < 0 {
		return nil, invalid(fmt.Errorf("maxTimeoutSeconds cannot be negative: %d", req.MaxTimeoutSeconds))
	}
	r.MaxTimeout = time.Duration(req.MaxTimeoutSeconds) * time.Second

	r.DomainName = extraString(req.Extra, "name")
	r.DomainVersion = extraString(req.Extra, "version")
	if r.Asset == common.HexToAddress(chain.USDCAddress) {
		if r.DomainName == "" {
			r.DomainName = chain.EIP3009Name
		}
		if r.DomainVersion == "" {
			r.DomainVersion = chain.EIP3009Version
		}
	}
	if r.DomainName == "" || r.DomainVersion == "" {
		return nil, invalid(fmt.Errorf("extra must carry the EIP-712 domain name and version for asset %s", r.Asset.Hex()))
	}
	if r.GasLimit, err = extraGasLimit(req.Extra); err != nil {
		return nil, invalid(err)
	}
	return r, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", x402.ErrMalformedPayload, err)
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", x402.ErrInvalidRequirements, err)
}

func extraString(extra map[string]interface{}, key string) string {
	if extra == nil {
		return ""
	}
	s, _ := extra[key].(string)
	return s
}

// extraGasLimit reads extra.gasLimit, which arrives as a JSON number or a
// decimal string. Absent means zero.
func extraGasLimit(extra map[string]interface{}) (uint64, error) {
	var limit uint64
	switch v := extra["gasLimit"].(type) {
	case nil:
		return 0, nil
	case float64:
		if v < 0 || v > MaxGasLimit || v != float64(uint64(v)) {
			return 0, fmt.Errorf("extra.gasLimit: invalid value %v", v)
		}
		limit = uint64(v)
	case string, json.Number:
		n, err := strconv.ParseUint(fmt.Sprint(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("extra.gasLimit: %w", err)
		}
		limit = n
	default:
		return 0, fmt.Errorf("extra.gasLimit: unsupported type %T", v)
	}
	if limit > MaxGasLimit {
		return 0, fmt.Errorf("extra.gasLimit: %d exceeds %d", limit, MaxGasLimit)
	}
	return limit, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !evmAddressRegex.MatchString(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// parseUint256 accepts a non-negative base-10 integer that fits in 256 bits.
func parseUint256(field, s string) (*big.Int, error) {
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%s: invalid integer %q", field, s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid integer %q", field, s)
	}
	if v.Cmp(math.MaxBig256) > 0 {
		return nil, fmt.Errorf("%s: %s overflows uint256", field, s)
	}
	return v, nil
}

func parseNonce(s string) ([32]byte, error) {
	var nonce [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return nonce, fmt.Errorf("nonce: %w", err)
	}
	if len(b) != len(nonce) {
		return nonce, fmt.Errorf("nonce: want 32 bytes, got %d", len(b))
	}
	copy(nonce[:], b)
	return nonce, nil
}

// parseHex decodes hex with or without the 0x prefix.
func parseHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// ValidateAmount validates that an amount string is a valid positive integer.
// Returns an error if the amount is empty, malformed, or not greater than zero.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}

	return nil
}

// ValidatePaymentRequirement checks requirements a resource server is about
// to advertise. It is stricter than ParseRequirements: the amount must be
// positive and a timeout must be set.
func ValidatePaymentRequirement(req x402.PaymentRequirements) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}
	if req.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid requirement: timeout must be positive: %d", req.MaxTimeoutSeconds)
	}
	if _, err := ParseRequirements(req); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}
	return nil
}
