// Package encoding converts x402 wire values to and from the base64-JSON form
// used by the X-PAYMENT and X-PAYMENT-RESPONSE headers and by 402 bodies.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/x402-facilitator"
)

// MaxEncodedSize bounds an encoded header value. Larger inputs are rejected
// before any decoding work is done.
const MaxEncodedSize = 16 << 10

func encode(kind string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decode[T any](kind, encoded string) (T, error) {
	var v T
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return v, fmt.Errorf("%w: empty %s", x402.ErrMalformedPayload, kind)
	}
	if len(encoded) > MaxEncodedSize {
		return v, fmt.Errorf("%w: %s exceeds %d bytes", x402.ErrMalformedPayload, kind, MaxEncodedSize)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return v, fmt.Errorf("%w: failed to decode base64: %v", x402.ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: failed to unmarshal %s: %v", x402.ErrMalformedPayload, kind, err)
	}
	return v, nil
}

// EncodePayment converts a PaymentPayload to an X-PAYMENT header value.
func EncodePayment(payment x402.PaymentPayload) (string, error) {
	return encode("payment", payment)
}

// DecodePayment parses an X-PAYMENT header value. Failures wrap
// x402.ErrMalformedPayload.
func DecodePayment(encoded string) (x402.PaymentPayload, error) {
	return decode[x402.PaymentPayload]("payment", encoded)
}

// EncodeSettlement converts a SettlementResponse to an X-PAYMENT-RESPONSE header value.
func EncodeSettlement(settlement x402.SettlementResponse) (string, error) {
	return encode("settlement", settlement)
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(encoded string) (x402.SettlementResponse, error) {
	return decode[x402.SettlementResponse]("settlement", encoded)
}

// EncodeRequirements converts a 402 body to base64-encoded JSON.
func EncodeRequirements(requirements x402.PaymentRequirementsResponse) (string, error) {
	return encode("requirements", requirements)
}

// DecodeRequirements parses base64-encoded JSON into a 402 body.
func DecodeRequirements(encoded string) (x402.PaymentRequirementsResponse, error) {
	return decode[x402.PaymentRequirementsResponse]("requirements", encoded)
}
