package facilitator

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/validation"
)

// Phase is a step of the attempt state machine.
type Phase string

const (
	PhaseReceived          Phase = "received"
	PhaseParsed            Phase = "parsed"
	PhaseSignatureChecked  Phase = "signature_checked"
	PhaseNonceReserved     Phase = "nonce_reserved"
	PhaseVerified          Phase = "verified"
	PhaseRejected          Phase = "rejected"
	PhaseSettling          Phase = "settling"
	PhaseSettled           Phase = "settled"
	PhaseSettlementFailed  Phase = "settlement_failed"
	PhaseNonceConsumed     Phase = "nonce_consumed"
	PhaseNonceReleased     Phase = "nonce_released"
	PhaseNonceHeld         Phase = "nonce_held"
	PhaseLedgerUnavailable Phase = "ledger_unavailable"
)

// Event reports a state transition of a verify or settle attempt.
type Event struct {
	Attempt  string
	Phase    Phase
	Network  x402.Network
	Nonce    string
	Payer    string
	Reason   x402.Reason
	TxHash   string
	Duration time.Duration
}

// attempt carries the identity of one Verify or Settle call for events and
// logs.
type attempt struct {
	id      string
	op      string
	started time.Time
	network x402.Network
	nonce   string
	payer   string

	f *Facilitator
}

func (f *Facilitator) newAttempt(op string) *attempt {
	a := &attempt{id: uuid.NewString(), op: op, started: f.clock(), f: f}
	a.emit(Event{Phase: PhaseReceived})
	return a
}

// identify records what the attempt is about once the payload has parsed.
func (a *attempt) identify(p *validation.Payment) {
	a.network = p.Network
	a.nonce = p.NonceHex()
	a.payer = p.From.Hex()
}

func (a *attempt) emit(e Event) {
	e.Attempt = a.id
	e.Network = a.network
	e.Nonce = a.nonce
	e.Payer = a.payer
	e.Duration = a.f.clock().Sub(a.started)

	attrs := []any{"attempt", e.Attempt, "op", a.op, "phase", string(e.Phase)}
	if e.Network != "" {
		attrs = append(attrs, "network", string(e.Network), "nonce", e.Nonce, "payer", e.Payer)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", string(e.Reason))
	}
	if e.TxHash != "" {
		attrs = append(attrs, "tx", e.TxHash)
	}
	a.f.logger.Debug("payment attempt", attrs...)

	if a.f.onEvent != nil {
		a.f.onEvent(e)
	}
}

func (a *attempt) logger() *slog.Logger {
	return a.f.logger.With("attempt", a.id, "network", string(a.network), "nonce", a.nonce, "payer", a.payer)
}
