package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// DefaultLeeway is the clock skew tolerated when checking token times.
const DefaultLeeway = time.Minute

// minSecretLen is the HS256 key size.
const minSecretLen = 32

// ErrUnauthorized is returned for missing or invalid bearer tokens.
var ErrUnauthorized = errors.New("x402: unauthorized")

// Authenticator issues and checks HS256 bearer tokens for the facilitator API.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewAuthenticator creates an Authenticator. An empty issuer or audience is
// not checked.
func NewAuthenticator(secret, issuer, audience string) (*Authenticator, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   DefaultLeeway,
		now:      time.Now,
	}, nil
}

// IssueToken signs a token for subject that expires after ttl.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive, got %v", ttl)
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: a.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	now := a.now()
	claims := jwt.Claims{
		Issuer:    a.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
	}
	if a.audience != "" {
		claims.Audience = jwt.Audience{a.audience}
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWT: %w", err)
	}
	return token, nil
}

// Validate checks the signature, issuer, audience and expiry of token.
// Tokens without an expiry are rejected.
func (a *Authenticator) Validate(token string) (*jwt.Claims, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if len(parsed.Headers) != 1 || parsed.Headers[0].Algorithm != string(jose.HS256) {
		return nil, fmt.Errorf("%w: unexpected signing algorithm", ErrUnauthorized)
	}

	var claims jwt.Claims
	if err := parsed.Claims(a.secret, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Expiry == nil {
		return nil, fmt.Errorf("%w: token has no expiry", ErrUnauthorized)
	}

	expected := jwt.Expected{Issuer: a.issuer, Time: a.now()}
	if a.audience != "" {
		expected.Audience = jwt.Audience{a.audience}
	}
	if err := claims.ValidateWithLeeway(expected, a.leeway); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return &claims, nil
}

// Middleware rejects requests without a valid "Authorization: Bearer" token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w)
			return
		}
		if _, err := a.Validate(token); err != nil {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="x402-facilitator"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
}
