package facilitator

import (
	"context"

	"github.com/mark3labs/x402-facilitator"
)

// Interface defines the standard facilitator contract for payment verification and settlement.
// Both the in-process Facilitator and the HTTP FacilitatorClient satisfy this interface.
//
// A non-nil error means the facilitator could not reach a decision
// (x402.ErrFacilitatorUnavailable) or hit an operator-level failure
// (x402.ErrFatal). The response is still returned when one was produced.
type Interface interface {
	// Verify verifies a payment authorization without executing the transaction
	Verify(ctx context.Context, payment x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)

	// Settle executes a verified payment on the blockchain
	Settle(ctx context.Context, payment x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettlementResponse, error)

	// Supported queries the facilitator for supported payment types
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}
