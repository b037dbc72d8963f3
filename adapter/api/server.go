// Package api is the HTTP surface: a thin delegation layer over the
// per-user graph coordinators, the account manager, the group scheduler
// and the registry. Every response uses the uniform envelope
// {ok, data|error, error_code, meta}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

// Server is the HTTP API server.
type Server struct {
	mux     *http.ServeMux
	server  *http.Server
	logger  *slog.Logger
	handler *Handler
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates the API server.
func NewServer(cfg ServerConfig, handler *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mux:     http.NewServeMux(),
		logger:  logger,
		handler: handler,
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Mux exposes the route table, for tests and embedding.
func (s *Server) Mux() *http.ServeMux { return s.mux }

func (s *Server) registerRoutes() {
	h := s.handler

	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Users
	s.mux.HandleFunc("POST /api/v1/users", h.RegisterUser)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/health", h.SyncHealth)
	s.mux.HandleFunc("DELETE /api/v1/users/{userID}", h.PurgeUser)

	// Accounts
	s.mux.HandleFunc("POST /api/v1/users/{userID}/accounts", h.ConnectAccount)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/accounts", h.ListAccounts)
	s.mux.HandleFunc("DELETE /api/v1/users/{userID}/accounts/{accountID}", h.RevokeAccount)

	// Events
	s.mux.HandleFunc("GET /api/v1/users/{userID}/events", h.ListEvents)
	s.mux.HandleFunc("POST /api/v1/users/{userID}/events", h.CreateEvent)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/events/{eventID}", h.GetEvent)
	s.mux.HandleFunc("PUT /api/v1/users/{userID}/events/{eventID}", h.UpdateEvent)
	s.mux.HandleFunc("DELETE /api/v1/users/{userID}/events/{eventID}", h.DeleteEvent)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/availability", h.Availability)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/journal", h.Journal)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/briefing", h.Briefing)

	// Policies
	s.mux.HandleFunc("GET /api/v1/users/{userID}/policies", h.ListPolicies)
	s.mux.HandleFunc("POST /api/v1/users/{userID}/policies", h.CreatePolicy)
	s.mux.HandleFunc("PATCH /api/v1/users/{userID}/policies/{edgeID}", h.UpdatePolicy)
	s.mux.HandleFunc("DELETE /api/v1/users/{userID}/policies/{edgeID}", h.DeletePolicy)

	// Governance
	s.mux.HandleFunc("GET /api/v1/users/{userID}/vips", h.ListVIPs)
	s.mux.HandleFunc("POST /api/v1/users/{userID}/vips", h.SetVIP)
	s.mux.HandleFunc("DELETE /api/v1/users/{userID}/vips/{policyID}", h.RemoveVIP)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/receipts", h.ExportReceipts)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/events/{eventID}/briefing", h.EventBriefing)

	// Time allocation and client commitments
	s.mux.HandleFunc("PUT /api/v1/users/{userID}/events/{eventID}/allocation", h.SetAllocation)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/events/{eventID}/allocation", h.GetAllocation)
	s.mux.HandleFunc("DELETE /api/v1/users/{userID}/events/{eventID}/allocation", h.RemoveAllocation)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/allocations", h.ListAllocations)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/commitments", h.ListCommitments)
	s.mux.HandleFunc("PUT /api/v1/users/{userID}/commitments/{client}", h.SetCommitment)
	s.mux.HandleFunc("DELETE /api/v1/users/{userID}/commitments/{client}", h.RemoveCommitment)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/commitments/{client}/status", h.CommitmentStatus)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/commitments/{client}/proof", h.CommitmentProof)

	// Group scheduling
	s.mux.HandleFunc("POST /api/v1/users/{userID}/sessions", h.CreateSession)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/sessions", h.ListSessions)
	s.mux.HandleFunc("GET /api/v1/users/{userID}/sessions/{sessionID}", h.GetSession)
	s.mux.HandleFunc("POST /api/v1/users/{userID}/sessions/{sessionID}/commit", h.CommitSession)
	s.mux.HandleFunc("POST /api/v1/users/{userID}/sessions/{sessionID}/cancel", h.CancelSession)
	s.mux.HandleFunc("POST /api/v1/users/{userID}/sessions/{sessionID}/extend", h.ExtendSession)

	// Provider webhooks
	s.mux.HandleFunc("POST /webhooks/google", h.GoogleWebhook)
	s.mux.HandleFunc("POST /webhooks/microsoft", h.MicrosoftWebhook)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

type responseMeta struct {
	GeneratedAt time.Time `json:"generated_at"`
}

type envelope struct {
	OK        bool         `json:"ok"`
	Data      any          `json:"data,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorCode string       `json:"error_code,omitempty"`
	Meta      responseMeta `json:"meta"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{
		OK:   true,
		Data: data,
		Meta: responseMeta{GeneratedAt: time.Now().UTC()},
	})
}

// writeCodedError maps the shared error codes to HTTP statuses. Codes the
// public contract does not document collapse to their nearest documented
// neighbor in the code field but keep their own status.
func writeCodedError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := sharedDomain.CodeOf(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeEnvelope(w, status, envelope{
		OK:        false,
		Error:     clientMessage(err),
		ErrorCode: string(code),
		Meta:      responseMeta{GeneratedAt: time.Now().UTC()},
	})
}

func statusForCode(code sharedDomain.ErrorCode) int {
	switch code {
	case sharedDomain.CodeValidation:
		return http.StatusBadRequest
	case sharedDomain.CodeNotFound:
		return http.StatusNotFound
	case sharedDomain.CodeAuthRequired, sharedDomain.CodeNoCredentials:
		return http.StatusUnauthorized
	case sharedDomain.CodeInvalidTransition, sharedDomain.CodeCommitFailed:
		return http.StatusConflict
	case sharedDomain.CodeRateLimited:
		return http.StatusTooManyRequests
	case sharedDomain.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage strips wrapped causes: internal detail stays in the logs.
func clientMessage(err error) string {
	var coded *sharedDomain.CodedError
	if errors.As(err, &coded) {
		return coded.Msg
	}
	return "internal error"
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
