// Package verifier decides whether a parsed exact-scheme payment satisfies a
// set of payment requirements. It is pure: no I/O, no ledger, no chain.
//
// Checks run in a fixed order and the first failure wins:
//
//	SignatureMalformed -> SignatureInvalid -> NetworkMismatch ->
//	TimingInvalid -> RecipientMismatch -> InsufficientValue
package verifier

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/eip3009"
	"github.com/mark3labs/x402-facilitator/validation"
)

// DefaultClockSkew is the tolerance applied to both ends of the validity window.
const DefaultClockSkew = 5 * time.Second

// Verifier checks signatures and authorization terms.
type Verifier struct {
	clock func() time.Time
	skew  time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier) error

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) error {
		if clock == nil {
			return fmt.Errorf("verifier: clock cannot be nil")
		}
		v.clock = clock
		return nil
	}
}

// WithClockSkew sets the validity window tolerance.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) error {
		if d < 0 {
			return fmt.Errorf("verifier: clock skew cannot be negative: %v", d)
		}
		v.skew = d
		return nil
	}
}

// New creates a Verifier.
func New(opts ...Option) (*Verifier, error) {
	v := &Verifier{
		clock: time.Now,
		skew:  DefaultClockSkew,
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Result is the outcome of a check. The zero Reason means valid.
type Result struct {
	Reason x402.Reason

	// Payer is authorization.from once the signature has been checked.
	Payer common.Address

	// Err carries the classified failure with detail; nil when valid.
	Err error
}

// Valid reports whether every check passed.
func (r Result) Valid() bool {
	return r.Reason == ""
}

func reject(payer common.Address, sentinel error, format string, args ...any) Result {
	err := fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
	return Result{Reason: x402.ReasonFor(sentinel), Payer: payer, Err: err}
}

// Verify runs the signature gate and then the business checks.
func (v *Verifier) Verify(p *validation.Payment, req *validation.Requirements) Result {
	if res := v.CheckSignature(p, req); !res.Valid() {
		return res
	}
	return v.CheckBusiness(p, req)
}

// CheckSignature recovers the signer of the authorization and compares it
// with authorization.from. The domain is the requirements' asset on the
// chain the payment names.
func (v *Verifier) CheckSignature(p *validation.Payment, req *validation.Requirements) Result {
	if len(p.Signature) != eip3009.SignatureLength {
		return reject(common.Address{}, x402.ErrSignatureMalformed, "signature is %d bytes", len(p.Signature))
	}

	chain, ok := p.Network.Chain()
	if !ok {
		return reject(common.Address{}, x402.ErrMalformedPayload, "unsupported network %s", p.Network)
	}
	domain := req.Domain()
	domain.ChainID = chain.ChainIDBig()

	digest, err := eip3009.Digest(domain, p.Authorization())
	if err != nil {
		return reject(common.Address{}, x402.ErrSignatureMalformed, "%v", err)
	}
	signer, err := eip3009.RecoverSigner(digest, p.Signature)
	if err != nil {
		return reject(common.Address{}, x402.ErrSignatureMalformed, "%v", err)
	}
	if signer != p.From {
		return reject(common.Address{}, x402.ErrSignatureInvalid, "recovered %s, authorization from %s", signer.Hex(), p.From.Hex())
	}
	return Result{Payer: p.From}
}

// CheckBusiness checks network, timing, recipient and value. It assumes the
// signature has already been checked.
func (v *Verifier) CheckBusiness(p *validation.Payment, req *validation.Requirements) Result {
	payer := p.From

	if p.Network != req.Network {
		return reject(payer, x402.ErrNetworkMismatch, "payment on %s, required %s", p.Network, req.Network)
	}
	if p.Scheme != req.Scheme {
		return reject(payer, x402.ErrNetworkMismatch, "scheme %s, required %s", p.Scheme, req.Scheme)
	}

	now := v.clock().Unix()
	skew := int64(v.skew / time.Second)
	earliest := new(big.Int).Sub(p.ValidAfter, big.NewInt(skew))
	latest := new(big.Int).Add(p.ValidBefore, big.NewInt(skew))
	nowBig := big.NewInt(now)
	if nowBig.Cmp(earliest) < 0 {
		return reject(payer, x402.ErrTimingInvalid, "not valid until %s, now %d", p.ValidAfter, now)
	}
	if nowBig.Cmp(latest) >= 0 {
		return reject(payer, x402.ErrTimingInvalid, "expired at %s, now %d", p.ValidBefore, now)
	}

	if p.To != req.PayTo {
		return reject(payer, x402.ErrRecipientMismatch, "pays %s, required %s", p.To.Hex(), req.PayTo.Hex())
	}

	if p.Value.Cmp(req.MaxAmount) < 0 {
		return reject(payer, x402.ErrInsufficientValue, "value %s below required %s", p.Value, req.MaxAmount)
	}
	return Result{Payer: payer}
}
