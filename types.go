package x402

import "encoding/json"

// X402Version is the protocol version spoken by this facilitator.
const X402Version = 1

// PaymentRequirements describes a single payment option from a 402 response.
// Values are created by the resource server and passed through verbatim; the
// facilitator never mutates them.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (currently only "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base", "avalanche").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units, as a decimal string.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`

	// OutputSchema is passed through untouched.
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`

	// MaxTimeoutSeconds bounds how long settlement may wait for confirmation.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra carries the EIP-712 domain "name" and "version" of the asset.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequirementsResponse represents the complete 402 response body.
type PaymentRequirementsResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload represents a signed payment sent by the client.
type PaymentPayload struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload contains the signed EIP-3009 authorization.
	Payload ExactEVMPayload `json:"payload"`
}

// ExactEVMPayload represents an EVM payment with an EIP-3009 authorization.
type ExactEVMPayload struct {
	// Signature is the hex-encoded 65-byte ECDSA signature.
	Signature string `json:"signature"`

	// Authorization contains the transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization represents EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string chosen by the signer.
	Nonce string `json:"nonce"`
}

// VerifyResponse is the facilitator's answer to a verify request.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason Reason `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettlementResponse is the facilitator's answer to a settle request.
type SettlementResponse struct {
	// Success indicates whether the payment was confirmed on-chain.
	Success bool `json:"success"`

	// Status is the settlement outcome tag (confirmed, reverted, timed_out, ...).
	Status string `json:"status,omitempty"`

	// ErrorReason provides details if the payment failed.
	ErrorReason Reason `json:"errorReason,omitempty"`

	// Transaction is the blockchain transaction hash, when one exists.
	Transaction string `json:"transaction"`

	// Network is the blockchain network where the payment was settled.
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SupportedKind describes a payment type the facilitator can verify and settle.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse lists all payment types supported by the facilitator.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
