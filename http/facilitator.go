package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/facilitator"
	"github.com/mark3labs/x402-facilitator/retry"
	"github.com/mark3labs/x402-facilitator/validation"
)

// maxResponseBody bounds a facilitator response.
const maxResponseBody = 1 << 20

// AuthorizationProvider returns the Authorization header value for a request.
type AuthorizationProvider func(ctx context.Context) (string, error)

// OnBeforeFunc runs before a verify or settle request is sent. A non-nil
// error aborts the call.
type OnBeforeFunc func(ctx context.Context, payment x402.PaymentPayload, requirements x402.PaymentRequirements) error

// OnAfterVerifyFunc runs after a verify call, successful or not.
type OnAfterVerifyFunc func(ctx context.Context, payment x402.PaymentPayload, requirements x402.PaymentRequirements, resp *x402.VerifyResponse, err error)

// OnAfterSettleFunc runs after a settle call, successful or not.
type OnAfterSettleFunc func(ctx context.Context, payment x402.PaymentPayload, requirements x402.PaymentRequirements, resp *x402.SettlementResponse, err error)

// FacilitatorClient talks to a remote facilitator. It satisfies
// facilitator.Interface, so resource servers can swap it for an in-process
// facilitator.
//
// Requests that provably never reached the facilitator are retried up to
// MaxRetries times. Anything that may have been delivered is not retried:
// verify reserves the nonce and settle may already have broadcast.
type FacilitatorClient struct {
	BaseURL  string
	Client   *http.Client
	Timeouts x402.TimeoutConfig

	// MaxRetries is the number of extra attempts after the first.
	MaxRetries int
	RetryDelay time.Duration

	// Authorization is a static Authorization header value. It is ignored
	// when AuthorizationProvider is set.
	Authorization         string
	AuthorizationProvider AuthorizationProvider

	OnBeforeVerify OnBeforeFunc
	OnAfterVerify  OnAfterVerifyFunc
	OnBeforeSettle OnBeforeFunc
	OnAfterSettle  OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

// errNotDelivered marks transport failures where the request never left
// the client.
var errNotDelivered = errors.New("request not delivered")

// Verify asks the facilitator to verify payment against requirements.
func (c *FacilitatorClient) Verify(ctx context.Context, payment x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if err := validateRequirements(requirements); err != nil {
		return nil, err
	}
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payment, requirements); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts().VerifyTimeout)
	defer cancel()

	var out *x402.VerifyResponse
	var resp x402.VerifyResponse
	decoded, err := c.post(ctx, "/verify", payment, requirements, &resp)
	if decoded {
		out = &resp
	}
	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payment, requirements, out, err)
	}
	return out, err
}

// Settle asks the facilitator to settle payment on chain. The deadline is the
// requirement's maxTimeoutSeconds plus VerifyTimeout for the verification
// the facilitator repeats.
func (c *FacilitatorClient) Settle(ctx context.Context, payment x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettlementResponse, error) {
	if err := validateRequirements(requirements); err != nil {
		return nil, err
	}
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payment, requirements); err != nil {
			return nil, err
		}
	}

	timeouts := c.timeouts()
	deadline := timeouts.SettleTimeout
	if requirements.MaxTimeoutSeconds > 0 {
		deadline = time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline+timeouts.VerifyTimeout)
	defer cancel()

	var out *x402.SettlementResponse
	var resp x402.SettlementResponse
	decoded, err := c.post(ctx, "/settle", payment, requirements, &resp)
	if decoded {
		out = &resp
	}
	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payment, requirements, out, err)
	}
	return out, err
}

// Supported lists the payment kinds the facilitator accepts. Any transport
// failure is retried.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts().VerifyTimeout)
	defer cancel()

	return retry.WithRetry(ctx, c.retryConfig(), isUnavailable, func() (*x402.SupportedResponse, error) {
		req, err := c.newRequest(ctx, http.MethodGet, "/supported", nil)
		if err != nil {
			return nil, err
		}
		var resp x402.SupportedResponse
		if _, err := c.do(req, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
}

// post sends a facilitator request and decodes the answer into out. The
// body is decoded on error statuses too, so callers still get the reason;
// decoded reports whether out was filled.
func (c *FacilitatorClient) post(ctx context.Context, path string, payment x402.PaymentPayload, requirements x402.PaymentRequirements, out any) (bool, error) {
	body, err := json.Marshal(FacilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}

	var decoded bool
	_, err = retry.WithRetry(ctx, c.retryConfig(), isNotDelivered, func() (struct{}, error) {
		req, err := c.newRequest(ctx, http.MethodPost, path, body)
		if err != nil {
			return struct{}{}, err
		}
		decoded, err = c.do(req, out)
		return struct{}{}, err
	})
	return decoded, err
}

func (c *FacilitatorClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	auth := c.Authorization
	if c.AuthorizationProvider != nil {
		if auth, err = c.AuthorizationProvider(ctx); err != nil {
			return nil, fmt.Errorf("failed to get authorization: %w", err)
		}
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req, nil
}

// do sends req and decodes the body into out. decoded reports whether out
// holds a facilitator response, which error statuses may also carry.
func (c *FacilitatorClient) do(req *http.Request, out any) (decoded bool, err error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if isDialError(err) {
			return false, fmt.Errorf("%w: %w: %v", x402.ErrFacilitatorUnavailable, errNotDelivered, err)
		}
		return false, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return false, fmt.Errorf("%w: failed to read response: %v", x402.ErrFacilitatorUnavailable, err)
	}

	if statusErr := errorForStatus(resp.StatusCode, raw); statusErr != nil {
		return isResponse(raw) && json.Unmarshal(raw, out) == nil, statusErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: failed to decode %s response: %v", x402.ErrFatal, req.URL.Path, err)
	}
	return true, nil
}

// errorForStatus maps a facilitator status code onto the error taxonomy.
func errorForStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", x402.ErrFacilitatorUnavailable, status)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: facilitator rejected request: %s", x402.ErrMalformedPayload, errorMessage(body))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w: status %d", x402.ErrFatal, ErrUnauthorized, status)
	default:
		return fmt.Errorf("%w: status %d: %s", x402.ErrFatal, status, errorMessage(body))
	}
}

// isResponse reports whether an error status carried a facilitator response
// rather than an error document.
func isResponse(body []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil || len(probe) == 0 {
		return false
	}
	_, isError := probe["error"]
	return !isError
}

func errorMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

func (c *FacilitatorClient) timeouts() x402.TimeoutConfig {
	t := c.Timeouts
	if t.VerifyTimeout <= 0 {
		t.VerifyTimeout = x402.DefaultTimeouts.VerifyTimeout
	}
	if t.SettleTimeout <= 0 {
		t.SettleTimeout = x402.DefaultTimeouts.SettleTimeout
	}
	return t
}

func (c *FacilitatorClient) retryConfig() retry.Config {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return retry.Config{
		MaxAttempts:  c.MaxRetries + 1,
		InitialDelay: delay,
		MaxDelay:     10 * delay,
		Multiplier:   2,
	}
}

func validateRequirements(requirements x402.PaymentRequirements) error {
	if err := validation.ValidatePaymentRequirement(requirements); err != nil {
		if errors.Is(err, x402.ErrInvalidRequirements) {
			return err
		}
		return fmt.Errorf("%w: %w", x402.ErrInvalidRequirements, err)
	}
	return nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}

func isNotDelivered(err error) bool {
	return errors.Is(err, errNotDelivered)
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
