// Package ledger records which EIP-3009 authorizations are in flight or
// spent, so that a signed authorization pays out at most once.
//
// A key moves through four states:
//
//	Absent -> Reserved            Reserve, during verification
//	Absent|Reserved -> Settling   BeginSettlement, before the chain call
//	* -> Consumed                 Consume, after confirmation
//	Reserved -> Absent            ReleaseReservation, when verification fails
//	Settling -> Absent            ReleaseSettlement, when redemption provably failed
//
// Settlement may take over a reservation, so each release only removes the
// state its caller created. A verify that fails late never frees a nonce a
// concurrent settle has already claimed.
//
// Consumed is terminal until the record expires. Backends fail closed: every
// storage error wraps x402.ErrFacilitatorUnavailable and callers must treat it
// as "not available", never as "absent".
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/x402-facilitator"
)

// DefaultGracePeriod is kept past validBefore before a record may be pruned.
const DefaultGracePeriod = 24 * time.Hour

// Key identifies an authorization.
type Key struct {
	Network x402.Network
	Asset   string
	Nonce   string
}

// NewKey builds a key with the asset and nonce normalized to lower-case hex.
func NewKey(network x402.Network, asset, nonce string) Key {
	return Key{
		Network: network,
		Asset:   strings.ToLower(asset),
		Nonce:   strings.ToLower(nonce),
	}
}

// String returns "{network}:{asset}:{nonce}".
func (k Key) String() string {
	return string(k.Network) + ":" + k.Asset + ":" + k.Nonce
}

// State is the lifecycle state of a key.
type State int

const (
	Absent State = iota
	Reserved
	Settling
	Consumed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Reserved:
		return "reserved"
	case Settling:
		return "settling"
	case Consumed:
		return "consumed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// parseState is the inverse of State.String for stored values.
func parseState(s string) (State, error) {
	switch s {
	case "reserved":
		return Reserved, nil
	case "settling":
		return Settling, nil
	case "consumed":
		return Consumed, nil
	default:
		return Absent, fmt.Errorf("unknown ledger state %q", s)
	}
}

// Ledger is the replay guard shared by verification and settlement.
// Implementations must make each mutating call a single atomic step.
type Ledger interface {
	// Reserve moves an absent key to Reserved. It reports false when the key
	// is already Reserved, Settling or Consumed.
	Reserve(ctx context.Context, key Key, expiresAt time.Time) (bool, error)

	// BeginSettlement moves an Absent or Reserved key to Settling. It reports
	// false when the key is already Settling or Consumed.
	BeginSettlement(ctx context.Context, key Key, expiresAt time.Time) (bool, error)

	// Consume marks the key permanently spent until expiresAt.
	Consume(ctx context.Context, key Key, expiresAt time.Time) error

	// ReleaseReservation returns a Reserved key to Absent. Settling and
	// Consumed keys are left untouched.
	ReleaseReservation(ctx context.Context, key Key) error

	// ReleaseSettlement returns a Settling key to Absent. Reserved and
	// Consumed keys are left untouched.
	ReleaseSettlement(ctx context.Context, key Key) error

	// State reports the current state without mutating it.
	State(ctx context.Context, key Key) (State, error)

	// IsConsumed reports whether the key is Consumed.
	IsConsumed(ctx context.Context, key Key) (bool, error)
}

// ExpiresAt returns the retention deadline for an authorization: validBefore
// plus grace, and never earlier than now plus grace.
func ExpiresAt(validBefore, now time.Time, grace time.Duration) time.Time {
	if validBefore.Before(now) {
		validBefore = now
	}
	return validBefore.Add(grace)
}

func unavailable(op string, key Key, err error) error {
	return fmt.Errorf("%w: ledger %s %s: %v", x402.ErrFacilitatorUnavailable, op, key, err)
}

// Janitor is implemented by backends whose expired records need explicit
// cleanup. Redis expires keys natively and has none.
type Janitor interface {
	RunJanitor(ctx context.Context, interval time.Duration) error
}

func runJanitor(ctx context.Context, interval time.Duration, logger *slog.Logger, prune func(context.Context) (int64, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := prune(ctx)
			if err != nil {
				logger.Warn("failed to prune expired nonces", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned expired nonces", "count", n)
			}
		}
	}
}
