package http

import (
	"fmt"
	"net/http"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/encoding"
)

// Header names used between clients and resource servers.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// ParsePaymentHeader decodes the X-PAYMENT header of r. Every failure,
// including a missing header or a version other than 1, wraps
// x402.ErrMalformedPayload.
func ParsePaymentHeader(r *http.Request) (x402.PaymentPayload, error) {
	value := r.Header.Get(PaymentHeader)
	if value == "" {
		return x402.PaymentPayload{}, fmt.Errorf("%w: missing %s header", x402.ErrMalformedPayload, PaymentHeader)
	}

	payment, err := encoding.DecodePayment(value)
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	if payment.X402Version != x402.X402Version {
		return x402.PaymentPayload{}, fmt.Errorf("%w: unsupported x402Version %d", x402.ErrMalformedPayload, payment.X402Version)
	}
	return payment, nil
}

// WritePaymentRequired answers with 402 and the accepted payment options.
func WritePaymentRequired(w http.ResponseWriter, reason string, accepts []x402.PaymentRequirements) {
	if reason == "" {
		reason = "Payment required for this resource"
	}
	writeJSON(w, http.StatusPaymentRequired, x402.PaymentRequirementsResponse{
		X402Version: x402.X402Version,
		Error:       reason,
		Accepts:     accepts,
	})
}

// SetPaymentResponse adds the X-PAYMENT-RESPONSE header for a settlement.
// It must be called before the response status is written.
func SetPaymentResponse(w http.ResponseWriter, settlement *x402.SettlementResponse) error {
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return err
	}
	w.Header().Set(PaymentResponseHeader, encoded)
	return nil
}
