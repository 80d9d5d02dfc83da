package settlement

import (
	"fmt"
	"math/big"
	"time"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/retry"
)

// GasMode selects how transaction fees are priced.
type GasMode string

const (
	// GasDynamic prices EIP-1559 transactions from the latest base fee.
	GasDynamic GasMode = "dynamic"
	// GasLegacy prices type-0 transactions from eth_gasPrice.
	GasLegacy GasMode = "legacy"
)

// Defaults applied by NetworkConfig.withDefaults.
const (
	DefaultConfirmationDepth = 1
	DefaultPollInterval      = 2 * time.Second
	DefaultGasLimitBuffer    = 20
	DefaultPriceMultiplier   = 100
)

// GasStrategy controls gas limit and fee selection.
type GasStrategy struct {
	Mode GasMode `yaml:"mode"`

	// GasLimit is used as-is when non-zero; otherwise the limit is estimated
	// and padded by GasLimitBuffer percent.
	GasLimit       uint64 `yaml:"gasLimit"`
	GasLimitBuffer uint64 `yaml:"gasLimitBuffer"`

	// Caps in gwei for dynamic fees. Zero means uncapped.
	TipCapGwei uint64 `yaml:"tipCapGwei"`
	MaxFeeGwei uint64 `yaml:"maxFeeGwei"`

	// PriceMultiplier scales the suggested legacy gas price, in percent.
	PriceMultiplier uint64 `yaml:"priceMultiplier"`
}

// NetworkConfig describes how to settle on one network.
type NetworkConfig struct {
	Network           x402.Network  `yaml:"network"`
	RPCURL            string        `yaml:"rpcUrl"`
	ConfirmationDepth uint64        `yaml:"confirmations"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	Gas               GasStrategy   `yaml:"gas"`
	Retry             retry.Config  `yaml:"retry"`
}

func (c NetworkConfig) withDefaults() NetworkConfig {
	if c.ConfirmationDepth == 0 {
		c.ConfirmationDepth = DefaultConfirmationDepth
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Gas.Mode == "" {
		c.Gas.Mode = GasDynamic
	}
	if c.Gas.GasLimitBuffer == 0 {
		c.Gas.GasLimitBuffer = DefaultGasLimitBuffer
	}
	if c.Gas.PriceMultiplier == 0 {
		c.Gas.PriceMultiplier = DefaultPriceMultiplier
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c NetworkConfig) Validate() error {
	c = c.withDefaults()
	if _, ok := c.Network.Chain(); !ok {
		return fmt.Errorf("%w: %q", x402.ErrUnsupportedNetwork, c.Network)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("settlement: %s: poll interval cannot be negative", c.Network)
	}
	switch c.Gas.Mode {
	case GasDynamic, GasLegacy:
	default:
		return fmt.Errorf("settlement: %s: unknown gas mode %q", c.Network, c.Gas.Mode)
	}
	if c.Gas.TipCapGwei > 0 && c.Gas.MaxFeeGwei > 0 && c.Gas.TipCapGwei > c.Gas.MaxFeeGwei {
		return fmt.Errorf("settlement: %s: tip cap %d gwei exceeds max fee %d gwei", c.Network, c.Gas.TipCapGwei, c.Gas.MaxFeeGwei)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("settlement: %s: %w", c.Network, err)
	}
	return nil
}

func gwei(n uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(n), big.NewInt(1_000_000_000))
}

func percent(v *big.Int, pct uint64) *big.Int {
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(pct))
	return out.Div(out, big.NewInt(100))
}
