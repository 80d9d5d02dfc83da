package settlement

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402-facilitator"
)

// Status is the outcome of a settlement attempt.
type Status int

const (
	// Confirmed: the transfer is mined with the configured confirmations.
	Confirmed Status = iota + 1
	// Reverted: the transfer cannot or did not succeed on-chain.
	Reverted
	// TimedOut: a transaction was sent but no receipt arrived in time.
	TimedOut
	// RPCError: the node could not be reached or refused before broadcast.
	RPCError
	// Fatal: the attempt cannot succeed without operator action.
	Fatal
	// Rejected: verification failed at settle time. Set by the facilitator.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	case TimedOut:
		return "timed_out"
	case RPCError:
		return "rpc_error"
	case Fatal:
		return "fatal"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Reason returns the wire reason for a failed status, and "" for Confirmed.
func (s Status) Reason() x402.Reason {
	switch s {
	case Confirmed:
		return ""
	case Reverted:
		return x402.ReasonReverted
	case TimedOut:
		return x402.ReasonTimedOut
	case RPCError:
		return x402.ReasonRPCError
	default:
		return x402.ReasonFatal
	}
}

// Result describes what happened to a settlement.
type Result struct {
	Status Status

	// TxHash is set once a transaction has been signed and sent.
	TxHash common.Hash

	// Reason is a short machine-readable detail such as
	// "authorization_already_used".
	Reason string

	// Broadcast reports whether a transaction may have reached the network.
	// It is true for ambiguous sends.
	Broadcast bool

	// Err wraps the x402 sentinel for the status; nil when Confirmed.
	Err error
}

// OK reports whether the transfer was confirmed.
func (r Result) OK() bool {
	return r.Status == Confirmed
}

func confirmed(tx common.Hash) Result {
	return Result{Status: Confirmed, TxHash: tx, Broadcast: true}
}

func failed(status Status, reason string, err error) Result {
	return Result{Status: status, Reason: reason, Err: err}
}
