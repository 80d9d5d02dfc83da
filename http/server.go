// Package http exposes a facilitator over the x402 v1 HTTP API and provides
// a client for resource servers that talk to a remote facilitator.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mark3labs/x402-facilitator"
	"github.com/mark3labs/x402-facilitator/facilitator"
)

// maxRequestBody bounds a /verify or /settle body.
const maxRequestBody = 64 << 10

// FacilitatorRequest is the body of a /verify or /settle request.
type FacilitatorRequest struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	X402Version int    `json:"x402Version"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HealthCheck reports whether a dependency of the facilitator is reachable.
type HealthCheck func(ctx context.Context) error

// Server serves the facilitator API.
type Server struct {
	facilitator facilitator.Interface
	auth        *Authenticator
	health      HealthCheck
	version     string
	logger      *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthenticator requires bearer tokens on /verify and /settle.
func WithAuthenticator(a *Authenticator) ServerOption {
	return func(s *Server) {
		s.auth = a
	}
}

// WithHealthCheck makes /health report 503 while check fails.
func WithHealthCheck(check HealthCheck) ServerOption {
	return func(s *Server) {
		s.health = check
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithServerLogger sets the logger for request and error logs.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a Server backed by f.
func NewServer(f facilitator.Interface, opts ...ServerOption) *Server {
	s := &Server{
		facilitator: f,
		version:     "dev",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router for the facilitator API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/supported", s.handleSupported)

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.Post("/verify", s.handleVerify)
		r.Post("/settle", s.handleSettle)
	})
	return r
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	resp, err := s.facilitator.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	reply(s, w, r, resp, err)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	resp, err := s.facilitator.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	reply(s, w, r, resp, err)
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	resp, err := s.facilitator.Supported(r.Context())
	reply(s, w, r, resp, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: s.version, X402Version: x402.X402Version}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			resp.Status = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeRequest reads a /verify or /settle body. Anything that is not a
// version 1 request is answered with 400.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*FacilitatorRequest, bool) {
	var req FacilitatorRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return nil, false
	}
	if req.X402Version != x402.X402Version {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("unsupported x402Version %d", req.X402Version),
		})
		return nil, false
	}
	return &req, true
}

// reply writes resp with 200, or with the status err maps to. The response
// body is kept on failure so callers still see the reason code.
func reply[T any](s *Server, w http.ResponseWriter, r *http.Request, resp *T, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	status := statusFor(err)
	s.logger.Error("facilitator request failed",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"status", status,
		"error", err)
	if resp != nil {
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, status, errorResponse{Error: string(x402.ReasonFor(err))})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, x402.ErrFacilitatorUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, x402.ErrMalformedPayload), errors.Is(err, x402.ErrInvalidRequirements):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
				"duration", time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status is already sent; an encoding failure can only truncate the body.
	_ = json.NewEncoder(w).Encode(v)
}
