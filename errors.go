package x402

import "errors"

// Sentinel errors for verification and settlement. Every failure the
// facilitator reports wraps exactly one of these.
var (
	// ErrMalformedPayload indicates the payment payload could not be parsed or validated structurally.
	ErrMalformedPayload = errors.New("x402: malformed payment payload")

	// ErrInvalidRequirements indicates the payment requirements supplied by the resource server are invalid.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrSignatureMalformed indicates the signature has the wrong length or cannot be recovered.
	ErrSignatureMalformed = errors.New("x402: malformed signature")

	// ErrSignatureInvalid indicates the recovered signer differs from authorization.from.
	ErrSignatureInvalid = errors.New("x402: invalid signature")

	// ErrNetworkMismatch indicates the payload targets a different network or scheme than required.
	ErrNetworkMismatch = errors.New("x402: network mismatch")

	// ErrTimingInvalid indicates the authorization is not yet valid or has expired.
	ErrTimingInvalid = errors.New("x402: authorization outside validity window")

	// ErrRecipientMismatch indicates payment recipient doesn't match requirements.
	ErrRecipientMismatch = errors.New("x402: recipient mismatch")

	// ErrInsufficientValue indicates the authorized value is below maxAmountRequired.
	ErrInsufficientValue = errors.New("x402: insufficient value")

	// ErrNonceAlreadyConsumed indicates the authorization nonce is reserved or already settled.
	ErrNonceAlreadyConsumed = errors.New("x402: nonce already consumed")

	// ErrFacilitatorUnavailable indicates the replay guard cannot be consulted.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator unavailable")

	// ErrReverted indicates the settlement transaction was rejected on-chain.
	ErrReverted = errors.New("x402: settlement reverted")

	// ErrTimeout indicates settlement did not confirm before its deadline.
	ErrTimeout = errors.New("x402: settlement timed out")

	// ErrRPC indicates a transport or node failure while talking to the chain.
	ErrRPC = errors.New("x402: rpc error")

	// ErrFatal indicates unrecoverable misconfiguration or exhausted retries.
	ErrFatal = errors.New("x402: fatal settlement error")

	// ErrUnsupportedNetwork indicates no settler is configured for the network.
	ErrUnsupportedNetwork = errors.New("x402: unsupported network")

	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidKey indicates an invalid relayer private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidKeystore indicates an invalid or corrupted keystore file.
	ErrInvalidKeystore = errors.New("x402: invalid keystore file")

	// ErrInvalidMnemonic indicates an invalid BIP39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("x402: invalid mnemonic phrase")
)

// Reason is the wire code reported in invalidReason and errorReason.
type Reason string

const (
	ReasonMalformedPayload       Reason = "malformed_payload"
	ReasonInvalidRequirements    Reason = "invalid_requirements"
	ReasonSignatureMalformed     Reason = "signature_malformed"
	ReasonSignatureInvalid       Reason = "invalid_signature"
	ReasonNetworkMismatch        Reason = "network_mismatch"
	ReasonTimingInvalid          Reason = "invalid_timing"
	ReasonRecipientMismatch      Reason = "recipient_mismatch"
	ReasonInsufficientValue      Reason = "insufficient_value"
	ReasonNonceAlreadyConsumed   Reason = "nonce_already_consumed"
	ReasonFacilitatorUnavailable Reason = "facilitator_unavailable"
	ReasonReverted               Reason = "reverted"
	ReasonTimedOut               Reason = "timed_out"
	ReasonRPCError               Reason = "rpc_error"
	ReasonFatal                  Reason = "fatal"
)

// reasons pairs each wire code with its sentinel, in classification order.
var reasons = []struct {
	reason Reason
	err    error
}{
	{ReasonMalformedPayload, ErrMalformedPayload},
	{ReasonInvalidRequirements, ErrInvalidRequirements},
	{ReasonSignatureMalformed, ErrSignatureMalformed},
	{ReasonSignatureInvalid, ErrSignatureInvalid},
	{ReasonNetworkMismatch, ErrNetworkMismatch},
	{ReasonTimingInvalid, ErrTimingInvalid},
	{ReasonRecipientMismatch, ErrRecipientMismatch},
	{ReasonInsufficientValue, ErrInsufficientValue},
	{ReasonNonceAlreadyConsumed, ErrNonceAlreadyConsumed},
	{ReasonFacilitatorUnavailable, ErrFacilitatorUnavailable},
	{ReasonReverted, ErrReverted},
	{ReasonTimedOut, ErrTimeout},
	{ReasonRPCError, ErrRPC},
	{ReasonFatal, ErrFatal},
}

// ReasonFor classifies err into a wire code. Errors outside the taxonomy,
// including ErrUnsupportedNetwork, classify as ReasonFatal; nil yields "".
func ReasonFor(err error) Reason {
	if err == nil {
		return ""
	}
	var pe *PaymentError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonFatal
}

// Err returns the sentinel error for the reason, or nil for unknown codes.
func (r Reason) Err() error {
	for _, e := range reasons {
		if e.reason == r {
			return e.err
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (r Reason) String() string {
	return string(r)
}

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the wire reason for programmatic handling.
	Code Reason

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
// When err is nil the sentinel for code is wrapped instead, so errors.Is
// still classifies the result.
func NewPaymentError(code Reason, message string, err error) *PaymentError {
	if err == nil {
		err = code.Err()
	}
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
