package facilitator

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/settlement"
)

// NonceAction is what settlement did to the ledger entry.
type NonceAction int

const (
	// NonceUntouched: settlement never got as far as claiming the nonce.
	NonceUntouched NonceAction = iota
	// NonceConsumed: the authorization is spent.
	NonceConsumed
	// NonceReleased: redemption provably failed and the nonce is free again.
	NonceReleased
	// NonceHeld: the outcome is ambiguous and the nonce stays claimed until
	// it expires or an operator reconciles it.
	NonceHeld
)

func (a NonceAction) String() string {
	switch a {
	case NonceConsumed:
		return "consumed"
	case NonceReleased:
		return "released"
	case NonceHeld:
		return "held"
	default:
		return "untouched"
	}
}

// VerificationResult is the outcome of VerifyPayment.
type VerificationResult struct {
	Attempt string
	Reason  x402.Reason
	Network x402.Network

	// Payer is set once the signature has been checked.
	Payer common.Address

	Err error
}

// Valid reports whether the payment verified.
func (r *VerificationResult) Valid() bool {
	return r.Reason == ""
}

// Response converts the result to its wire form.
func (r *VerificationResult) Response() *x402.VerifyResponse {
	resp := &x402.VerifyResponse{IsValid: r.Valid(), InvalidReason: r.Reason}
	if r.Payer != (common.Address{}) {
		resp.Payer = r.Payer.Hex()
	}
	return resp
}

// SettlementResult is the outcome of SettlePayment.
type SettlementResult struct {
	Attempt string
	Status  settlement.Status
	Reason  x402.Reason
	Network x402.Network
	Payer   common.Address

	// TxHash is kept for reconciliation even when settlement failed.
	TxHash    common.Hash
	Broadcast bool
	Nonce     NonceAction

	Err error
}

// Success reports whether the transfer was confirmed.
func (r *SettlementResult) Success() bool {
	return r.Status == settlement.Confirmed
}

// Response converts the result to its wire form.
func (r *SettlementResult) Response() *x402.SettlementResponse {
	resp := &x402.SettlementResponse{
		Success:     r.Success(),
		Status:      r.Status.String(),
		ErrorReason: r.Reason,
		Network:     string(r.Network),
	}
	if r.TxHash != (common.Hash{}) {
		resp.Transaction = r.TxHash.Hex()
	}
	if r.Payer != (common.Address{}) {
		resp.Payer = r.Payer.Hex()
	}
	return resp
}
