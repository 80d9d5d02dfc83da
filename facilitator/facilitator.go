// Package facilitator composes verification, the nonce ledger and settlement
// into the x402 verify and settle operations.
//
// The nonce is reserved during verify, so two requests carrying the same
// authorization cannot both be told it is valid. Settle claims the nonce again
// before touching the chain and afterwards applies the rollback rule:
//
//	Confirmed                      consume
//	Reverted                       consume if used on-chain, release if not,
//	                               hold if the chain cannot be asked
//	RPCError/Fatal, not broadcast  release
//	TimedOut or broadcast          hold
//
// Held nonces expire with the authorization or are resolved by Reconcile.
package facilitator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/ledger"
	"github.com/mark3labs/x402-facilitator/settlement"
	"github.com/mark3labs/x402-facilitator/validation"
	"github.com/mark3labs/x402-facilitator/verifier"
)

// Settlers is the settlement dispatcher the facilitator needs.
type Settlers interface {
	settlement.Settler
	Supported() []x402.Network
}

// Facilitator verifies and settles exact-scheme EVM payments.
type Facilitator struct {
	verifier *verifier.Verifier
	ledger   ledger.Ledger
	settler  Settlers

	timeouts x402.TimeoutConfig
	grace    time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	onEvent  func(Event)
}

// Option configures a Facilitator.
type Option func(*Facilitator) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facilitator) error {
		if logger == nil {
			return fmt.Errorf("facilitator: logger cannot be nil")
		}
		f.logger = logger
		return nil
	}
}

// WithGracePeriod sets how long ledger entries outlive validBefore.
func WithGracePeriod(d time.Duration) Option {
	return func(f *Facilitator) error {
		if d <= 0 {
			return fmt.Errorf("facilitator: grace period must be positive, got %v", d)
		}
		f.grace = d
		return nil
	}
}

// WithClock overrides the time source used for ledger expiry and events.
func WithClock(clock func() time.Time) Option {
	return func(f *Facilitator) error {
		if clock == nil {
			return fmt.Errorf("facilitator: clock cannot be nil")
		}
		f.clock = clock
		return nil
	}
}

// WithEventHandler registers a callback for every attempt state transition.
// It is called synchronously.
func WithEventHandler(fn func(Event)) Option {
	return func(f *Facilitator) error {
		f.onEvent = fn
		return nil
	}
}

// WithDefaultSettleTimeout sets the settle deadline used when the
// requirements carry no maxTimeoutSeconds.
func WithDefaultSettleTimeout(d time.Duration) Option {
	return func(f *Facilitator) error {
		if d <= 0 {
			return fmt.Errorf("facilitator: settle timeout must be positive, got %v", d)
		}
		f.timeouts.SettleTimeout = d
		return nil
	}
}

// WithTimeouts replaces all timeouts.
func WithTimeouts(tc x402.TimeoutConfig) Option {
	return func(f *Facilitator) error {
		if err := tc.Validate(); err != nil {
			return fmt.Errorf("facilitator: %w", err)
		}
		f.timeouts = tc
		return nil
	}
}

// New creates a Facilitator.
func New(v *verifier.Verifier, l ledger.Ledger, settlers Settlers, opts ...Option) (*Facilitator, error) {
	if v == nil || l == nil || settlers == nil {
		return nil, fmt.Errorf("facilitator: verifier, ledger and settlers are required")
	}
	f := &Facilitator{
		verifier: v,
		ledger:   l,
		settler:  settlers,
		timeouts: x402.DefaultTimeouts,
		grace:    ledger.DefaultGracePeriod,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Verify implements Interface.
func (f *Facilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	res, err := f.VerifyPayment(ctx, payload, requirements)
	return res.Response(), err
}

// Settle implements Interface.
func (f *Facilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettlementResponse, error) {
	res, err := f.SettlePayment(ctx, payload, requirements)
	return res.Response(), err
}

// Supported implements Interface.
func (f *Facilitator) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	kinds := make([]x402.SupportedKind, 0)
	for _, network := range f.settler.Supported() {
		kinds = append(kinds, x402.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      string(x402.SchemeExact),
			Network:     string(network),
		})
	}
	return &x402.SupportedResponse{Kinds: kinds}, nil
}

// VerifyPayment checks the payment and reserves its nonce. The result is
// always non-nil; the error is non-nil only when the ledger is unavailable.
func (f *Facilitator) VerifyPayment(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*VerificationResult, error) {
	a := f.newAttempt("verify")
	res := &VerificationResult{Attempt: a.id, Network: x402.Network(payload.Network)}

	ctx, cancel := context.WithTimeout(ctx, f.timeouts.VerifyTimeout)
	defer cancel()

	p, err := validation.ParsePayment(payload)
	if err != nil {
		return a.rejectVerify(res, err), nil
	}
	a.identify(p)
	res.Network = p.Network
	req, err := validation.ParseRequirements(requirements)
	if err != nil {
		return a.rejectVerify(res, err), nil
	}
	a.emit(Event{Phase: PhaseParsed})

	if sig := f.verifier.CheckSignature(p, req); !sig.Valid() {
		return a.rejectVerify(res, sig.Err), nil
	}
	res.Payer = p.From
	a.emit(Event{Phase: PhaseSignatureChecked})

	key := keyFor(p, req)
	ok, err := f.ledger.Reserve(ctx, key, f.expiresAt(p))
	if err != nil {
		a.emit(Event{Phase: PhaseLedgerUnavailable, Reason: x402.ReasonFacilitatorUnavailable})
		a.logger().Error("nonce reservation failed", "error", err)
		return a.rejectVerify(res, err), err
	}
	if !ok {
		return a.rejectVerify(res, fmt.Errorf("%w: %s", x402.ErrNonceAlreadyConsumed, key)), nil
	}
	a.emit(Event{Phase: PhaseNonceReserved})

	if biz := f.verifier.CheckBusiness(p, req); !biz.Valid() {
		f.release(ctx, a, key, f.ledger.ReleaseReservation)
		return a.rejectVerify(res, biz.Err), nil
	}
	a.emit(Event{Phase: PhaseVerified})
	return res, nil
}

func (a *attempt) rejectVerify(res *VerificationResult, err error) *VerificationResult {
	res.Reason = x402.ReasonFor(err)
	res.Err = err
	a.emit(Event{Phase: PhaseRejected, Reason: res.Reason})
	return res
}

// SettlePayment re-verifies the payment, claims its nonce and submits it to
// the chain. The result is always non-nil; the error is non-nil when the
// ledger is unavailable or settlement failed fatally.
func (f *Facilitator) SettlePayment(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*SettlementResult, error) {
	a := f.newAttempt("settle")
	res := &SettlementResult{Attempt: a.id, Status: settlement.Rejected, Network: x402.Network(payload.Network)}

	p, err := validation.ParsePayment(payload)
	if err != nil {
		return a.rejectSettle(res, err), nil
	}
	a.identify(p)
	res.Network = p.Network
	req, err := validation.ParseRequirements(requirements)
	if err != nil {
		return a.rejectSettle(res, err), nil
	}
	a.emit(Event{Phase: PhaseParsed})

	v := f.verifier.Verify(p, req)
	res.Payer = v.Payer
	if !v.Valid() {
		return a.rejectSettle(res, v.Err), nil
	}
	a.emit(Event{Phase: PhaseVerified})

	key := keyFor(p, req)
	lctx, cancel := context.WithTimeout(ctx, f.timeouts.LedgerTimeout)
	ok, err := f.ledger.BeginSettlement(lctx, key, f.expiresAt(p))
	cancel()
	if err != nil {
		a.emit(Event{Phase: PhaseLedgerUnavailable, Reason: x402.ReasonFacilitatorUnavailable})
		a.logger().Error("nonce claim for settlement failed", "error", err)
		return a.rejectSettle(res, err), err
	}
	if !ok {
		return a.rejectSettle(res, fmt.Errorf("%w: %s", x402.ErrNonceAlreadyConsumed, key)), nil
	}
	a.emit(Event{Phase: PhaseSettling})

	timeout := req.MaxTimeout
	if timeout == 0 {
		timeout = f.timeouts.SettleTimeout
	}
	sctx, scancel := context.WithTimeout(ctx, timeout)
	out := f.settler.Settle(sctx, p, req)
	scancel()

	res.Status = out.Status
	res.Reason = out.Status.Reason()
	res.TxHash = out.TxHash
	res.Broadcast = out.Broadcast
	res.Err = out.Err

	ev := Event{Phase: PhaseSettled}
	if !out.OK() {
		ev = Event{Phase: PhaseSettlementFailed, Reason: res.Reason}
	}
	if out.TxHash != (common.Hash{}) {
		ev.TxHash = out.TxHash.Hex()
	}
	a.emit(ev)

	res.Nonce = f.rollback(ctx, a, p, req, key, out)

	if out.Status == settlement.Fatal {
		a.logger().Error("settlement failed fatally", "reason", out.Reason, "error", out.Err)
		return res, out.Err
	}
	return res, nil
}

func (a *attempt) rejectSettle(res *SettlementResult, err error) *SettlementResult {
	res.Status = settlement.Rejected
	res.Reason = x402.ReasonFor(err)
	res.Err = err
	a.emit(Event{Phase: PhaseRejected, Reason: res.Reason})
	return res
}

// Reconcile resolves a nonce held after an ambiguous settlement by asking
// the chain whether the authorization was redeemed: used consumes the nonce,
// unused releases it. Only Settling entries are touched. Run it once the
// held transaction has been mined or dropped, since a pending transaction
// still reads as unused.
func (f *Facilitator) Reconcile(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (NonceAction, error) {
	a := f.newAttempt("reconcile")

	p, err := validation.ParsePayment(payload)
	if err != nil {
		return NonceUntouched, err
	}
	a.identify(p)
	req, err := validation.ParseRequirements(requirements)
	if err != nil {
		return NonceUntouched, err
	}
	if sig := f.verifier.CheckSignature(p, req); !sig.Valid() {
		return NonceUntouched, sig.Err
	}

	key := keyFor(p, req)
	lctx, cancel := context.WithTimeout(ctx, f.timeouts.LedgerTimeout)
	state, err := f.ledger.State(lctx, key)
	cancel()
	if err != nil {
		return NonceUntouched, err
	}
	if state == ledger.Consumed {
		return NonceConsumed, nil
	}
	if state != ledger.Settling {
		return NonceUntouched, nil
	}

	used, err := f.settler.AuthorizationUsed(ctx, p, req)
	if err != nil {
		a.emit(Event{Phase: PhaseNonceHeld, Reason: x402.ReasonFor(err)})
		return NonceHeld, fmt.Errorf("authorization state: %w", err)
	}
	var action NonceAction
	if used {
		action = f.consume(ctx, a, p, key)
	} else {
		action = f.release(ctx, a, key, f.ledger.ReleaseSettlement)
	}
	if action == NonceHeld {
		return action, fmt.Errorf("%w: reconciliation of %s not recorded", x402.ErrFacilitatorUnavailable, key)
	}
	a.logger().Info("held nonce reconciled", "action", action.String())
	return action, nil
}

// rollback applies the ledger side of a settlement outcome. It runs on a
// context detached from the caller's deadline.
func (f *Facilitator) rollback(ctx context.Context, a *attempt, p *validation.Payment, req *validation.Requirements, key ledger.Key, out settlement.Result) NonceAction {
	ctx, cancel := f.bookkeepingContext(ctx)
	defer cancel()

	switch {
	case out.Status == settlement.Confirmed:
		return f.consume(ctx, a, p, key)
	case out.Status == settlement.Reverted:
		used, err := f.settler.AuthorizationUsed(ctx, p, req)
		if err != nil {
			a.logger().Warn("cannot read authorization state after revert", "tx", out.TxHash.Hex(), "error", err)
			return f.hold(a, out)
		}
		if used {
			return f.consume(ctx, a, p, key)
		}
		return f.release(ctx, a, key, f.ledger.ReleaseSettlement)
	case out.Broadcast:
		return f.hold(a, out)
	case out.Status == settlement.RPCError, out.Status == settlement.Fatal:
		return f.release(ctx, a, key, f.ledger.ReleaseSettlement)
	default:
		return f.hold(a, out)
	}
}

func (f *Facilitator) bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), f.timeouts.LedgerTimeout)
}

// consume marks the nonce spent. A failure leaves the entry in Settling,
// which still blocks reuse until it expires.
func (f *Facilitator) consume(ctx context.Context, a *attempt, p *validation.Payment, key ledger.Key) NonceAction {
	if err := f.ledger.Consume(ctx, key, f.expiresAt(p)); err != nil {
		a.logger().Error("failed to mark nonce consumed", "error", err)
		a.emit(Event{Phase: PhaseNonceHeld, Reason: x402.ReasonFacilitatorUnavailable})
		return NonceHeld
	}
	a.emit(Event{Phase: PhaseNonceConsumed})
	return NonceConsumed
}

// release frees the nonce with one of the ledger's release operations. A
// failure leaves it claimed, which is safe.
func (f *Facilitator) release(ctx context.Context, a *attempt, key ledger.Key, release func(context.Context, ledger.Key) error) NonceAction {
	ctx, cancel := f.bookkeepingContext(ctx)
	defer cancel()
	if err := release(ctx, key); err != nil {
		a.logger().Error("failed to release nonce", "error", err)
		a.emit(Event{Phase: PhaseNonceHeld, Reason: x402.ReasonFacilitatorUnavailable})
		return NonceHeld
	}
	a.emit(Event{Phase: PhaseNonceReleased})
	return NonceReleased
}

func (f *Facilitator) hold(a *attempt, out settlement.Result) NonceAction {
	a.logger().Warn("settlement outcome ambiguous, holding nonce for reconciliation",
		"status", out.Status.String(), "tx", out.TxHash.Hex(), "error", out.Err)
	a.emit(Event{Phase: PhaseNonceHeld, Reason: out.Status.Reason()})
	return NonceHeld
}

func keyFor(p *validation.Payment, req *validation.Requirements) ledger.Key {
	return ledger.NewKey(p.Network, req.Asset.Hex(), p.NonceHex())
}

// maxValidBefore bounds expiry for authorizations that never expire in
// practice; time.Unix and the ledger backends cannot represent uint256.
var maxValidBefore = big.NewInt(1 << 40)

func (f *Facilitator) expiresAt(p *validation.Payment) time.Time {
	vb := maxValidBefore.Int64()
	if p.ValidBefore.Cmp(maxValidBefore) < 0 {
		vb = p.ValidBefore.Int64()
	}
	return ledger.ExpiresAt(time.Unix(vb, 0), f.clock(), f.grace)
}

var _ Interface = (*Facilitator)(nil)
