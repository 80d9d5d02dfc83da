// Package x402 holds the protocol type model for the x402 facilitator: wire
// types, the closed set of schemes and networks with their chain parameters,
// and the error taxonomy shared by verification and settlement.
package x402

import (
	"fmt"
	"math/big"
	"strings"
)

// Scheme is a payment scheme identifier. The set is closed.
type Scheme string

const (
	// SchemeExact is the EIP-3009 transferWithAuthorization scheme.
	SchemeExact Scheme = "exact"
)

// ParseScheme converts a wire scheme into a Scheme. Unknown values fail with
// ErrMalformedPayload; they are never coerced.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeExact:
		return SchemeExact, nil
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrMalformedPayload, s)
	}
}

// Network is an x402 network identifier. The set is closed; see Chain.
type Network string

const (
	NetworkBase          Network = "base"
	NetworkBaseSepolia   Network = "base-sepolia"
	NetworkAvalanche     Network = "avalanche"
	NetworkAvalancheFuji Network = "avalanche-fuji"
	NetworkPolygon       Network = "polygon"
	NetworkPolygonAmoy   Network = "polygon-amoy"
)

// Networks returns every network the facilitator knows about.
func Networks() []Network {
	return []Network{
		NetworkBase,
		NetworkBaseSepolia,
		NetworkAvalanche,
		NetworkAvalancheFuji,
		NetworkPolygon,
		NetworkPolygonAmoy,
	}
}

// ParseNetwork converts a wire network identifier into a Network.
// Unknown values fail with ErrMalformedPayload.
func ParseNetwork(s string) (Network, error) {
	n := Network(s)
	if _, ok := n.Chain(); !ok {
		return "", fmt.Errorf("%w: unsupported network %q", ErrMalformedPayload, s)
	}
	return n, nil
}

// ChainConfig contains chain-specific parameters for a network and its USDC deployment.
// USDC addresses and EIP-3009 parameters were verified on 2025-10-28.
type ChainConfig struct {
	// Network is the x402 protocol network identifier.
	Network Network

	// ChainID is the EIP-155 chain id, also used in the EIP-712 domain.
	ChainID int64

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// EIP3009Name is the EIP-712 domain "name" of the USDC contract.
	EIP3009Name string

	// EIP3009Version is the EIP-712 domain "version" of the USDC contract.
	EIP3009Version string

	// Testnet marks test networks.
	Testnet bool
}

// ChainIDBig returns the chain id as a *big.Int.
func (c ChainConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// Mainnet chain configurations
var (
	BaseMainnet = ChainConfig{
		Network:        NetworkBase,
		ChainID:        8453,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	AvalancheMainnet = ChainConfig{
		Network:        NetworkAvalanche,
		ChainID:        43114,
		USDCAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	PolygonMainnet = ChainConfig{
		Network:        NetworkPolygon,
		ChainID:        137,
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}
)

// Testnet chain configurations
var (
	// BaseSepolia parameters verified 2025-10-30 via on-chain contract read.
	BaseSepolia = ChainConfig{
		Network:        NetworkBaseSepolia,
		ChainID:        84532,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		Testnet:        true,
	}

	AvalancheFuji = ChainConfig{
		Network:        NetworkAvalancheFuji,
		ChainID:        43113,
		USDCAddress:    "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
		Testnet:        true,
	}

	PolygonAmoy = ChainConfig{
		Network:        NetworkPolygonAmoy,
		ChainID:        80002,
		USDCAddress:    "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
		Testnet:        true,
	}
)

// Chain returns the chain configuration for the network. The switch is the
// single dispatch point over the closed network set.
func (n Network) Chain() (ChainConfig, bool) {
	switch n {
	case NetworkBase:
		return BaseMainnet, true
	case NetworkBaseSepolia:
		return BaseSepolia, true
	case NetworkAvalanche:
		return AvalancheMainnet, true
	case NetworkAvalancheFuji:
		return AvalancheFuji, true
	case NetworkPolygon:
		return PolygonMainnet, true
	case NetworkPolygonAmoy:
		return PolygonAmoy, true
	default:
		return ChainConfig{}, false
	}
}

// String implements fmt.Stringer.
func (n Network) String() string {
	return string(n)
}

// USDCRequirementConfig is the configuration for creating a USDC PaymentRequirements.
type USDCRequirementConfig struct {
	// Chain is the chain configuration with USDC details (required).
	Chain ChainConfig

	// Amount is the human-readable USDC amount (e.g., "1.5" = 1.5 USDC).
	Amount string

	// RecipientAddress is the payment recipient address (required).
	RecipientAddress string

	// Resource is the URL of the protected resource.
	Resource string

	// MaxTimeoutSeconds is the maximum payment timeout (optional, defaults to 300).
	MaxTimeoutSeconds int

	// MimeType is the response MIME type (optional, defaults to "application/json").
	MimeType string
}

// NewUSDCPaymentRequirements builds PaymentRequirements for USDC on the given chain.
// The amount is converted to atomic units with exact decimal arithmetic; more
// than six fractional digits is an error rather than a rounding.
func NewUSDCPaymentRequirements(config USDCRequirementConfig) (PaymentRequirements, error) {
	if config.RecipientAddress == "" {
		return PaymentRequirements{}, fmt.Errorf("recipientAddress: cannot be empty")
	}

	atomic, err := ParseDecimalAmount(config.Amount, int(config.Chain.Decimals))
	if err != nil {
		return PaymentRequirements{}, fmt.Errorf("amount: %w", err)
	}

	maxTimeout := config.MaxTimeoutSeconds
	if maxTimeout == 0 {
		maxTimeout = 300
	}

	mimeType := config.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}

	return PaymentRequirements{
		Scheme:            string(SchemeExact),
		Network:           string(config.Chain.Network),
		MaxAmountRequired: atomic.String(),
		Asset:             config.Chain.USDCAddress,
		PayTo:             config.RecipientAddress,
		Resource:          config.Resource,
		MimeType:          mimeType,
		MaxTimeoutSeconds: maxTimeout,
		Extra: map[string]interface{}{
			"name":    config.Chain.EIP3009Name,
			"version": config.Chain.EIP3009Version,
		},
	}, nil
}

// ParseDecimalAmount converts a decimal string such as "1.5" into atomic units
// for a token with the given number of decimals. Negative amounts and excess
// precision are rejected.
func ParseDecimalAmount(amount string, decimals int) (*big.Int, error) {
	if amount == "" {
		return nil, ErrInvalidAmount
	}
	whole, frac, _ := strings.Cut(amount, ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	for _, c := range digits {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
		}
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return v, nil
}

// FormatAmount renders atomic units as a decimal string, e.g. 1500000 with 6 decimals is "1.5".
func FormatAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	s := value.String()
	if decimals == 0 {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole, frac := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
