package x402

import (
	"fmt"
	"time"
)

// TimeoutConfig holds timeout configuration for facilitator operations.
type TimeoutConfig struct {
	// VerifyTimeout bounds a verification, including the nonce reservation.
	VerifyTimeout time.Duration

	// SettleTimeout is the settlement deadline used when the requirements
	// carry maxTimeoutSeconds = 0.
	SettleTimeout time.Duration

	// LedgerTimeout bounds ledger bookkeeping after a chain call. It runs on a
	// fresh context so it still happens after the settle deadline expired.
	LedgerTimeout time.Duration

	// RequestTimeout is the overall timeout for HTTP requests.
	RequestTimeout time.Duration
}

// DefaultTimeouts provides the defaults for facilitator operations.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  60 * time.Second,
	LedgerTimeout:  5 * time.Second,
	RequestTimeout: 120 * time.Second,
}

// WithVerifyTimeout returns a new TimeoutConfig with updated verify timeout.
func (tc TimeoutConfig) WithVerifyTimeout(d time.Duration) TimeoutConfig {
	tc.VerifyTimeout = d
	return tc
}

// WithSettleTimeout returns a new TimeoutConfig with updated settle timeout.
func (tc TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	tc.SettleTimeout = d
	return tc
}

// WithLedgerTimeout returns a new TimeoutConfig with updated ledger timeout.
func (tc TimeoutConfig) WithLedgerTimeout(d time.Duration) TimeoutConfig {
	tc.LedgerTimeout = d
	return tc
}

// WithRequestTimeout returns a new TimeoutConfig with updated request timeout.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// Validate ensures timeout values are reasonable.
func (tc TimeoutConfig) Validate() error {
	if tc.VerifyTimeout <= 0 {
		return fmt.Errorf("verify timeout must be positive, got %v", tc.VerifyTimeout)
	}
	if tc.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", tc.SettleTimeout)
	}
	if tc.LedgerTimeout <= 0 {
		return fmt.Errorf("ledger timeout must be positive, got %v", tc.LedgerTimeout)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", tc.RequestTimeout)
	}
	if tc.SettleTimeout < tc.VerifyTimeout {
		return fmt.Errorf("settle timeout (%v) should be >= verify timeout (%v)",
			tc.SettleTimeout, tc.VerifyTimeout)
	}
	return nil
}
