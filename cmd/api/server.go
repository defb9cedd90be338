package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/partner"
	"escrowflow/release"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type escrowService interface {
	Create(ctx context.Context, p escrow.CreateParams) (escrow.Confirmation, error)
	Get(ctx context.Context, id string) (escrow.Transaction, error)
	CancelPending(ctx context.Context, id, actorID string) (escrow.Transaction, error)
	HandlePaymentConfirmed(ctx context.Context, ev escrow.PaymentEvent) error
}

type disputeService interface {
	Open(ctx context.Context, p dispute.OpenParams) (dispute.Record, error)
	Resolve(ctx context.Context, p dispute.ResolveParams) (dispute.Record, error)
	GetByID(ctx context.Context, id string) (dispute.Record, error)
}

type partnerService interface {
	GetByID(ctx context.Context, id string) (partner.Profile, error)
	GetByUserID(ctx context.Context, userID string) (partner.Profile, error)
	List(ctx context.Context, limit int) ([]partner.Profile, error)
}

type eventSource interface {
	ListByTransaction(ctx context.Context, transactionID string) ([]ledger.Entry, error)
}

type releaseRunner interface {
	RunOnce(ctx context.Context) (release.Stats, error)
}

// Server holds the wired services and exposes the HTTP surface.
type Server struct {
	authService    authService
	escrowService  escrowService
	disputeService disputeService
	partnerService partnerService
	events         eventSource
	releaser       releaseRunner
	schedulerToken string
	logger         *slog.Logger
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/partners", s.handlePartners)
	mux.HandleFunc("/api/partners/", s.handlePartnerDetail)
	mux.HandleFunc("/api/escrows", s.requireAuth(s.handleCreateEscrow))
	mux.HandleFunc("/api/escrows/", s.requireAuth(s.handleEscrowDetail))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	mux.HandleFunc("/webhooks/payment", s.handlePaymentWebhook)
	mux.HandleFunc("/internal/run-release", s.handleRunRelease)
}

// requireAuth parses the Bearer token and stores the caller's identity in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerIdentity(r *http.Request) (string, auth.Role) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return userID, role
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain sentinels onto HTTP statuses. Internal
// details never leak to the client; they are logged server-side.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var ve *escrow.ValidationError
	if errors.As(err, &ve) {
		fields := make(map[string]string, len(ve.Fields))
		for _, f := range ve.Fields {
			fields[f.Field] = f.Message
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "invalid input",
			"fields": fields,
		})
		return
	}

	switch {
	case errors.Is(err, dispute.ErrNotDisputable), errors.Is(err, dispute.ErrInvalidResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispute.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, dispute.ErrNotFound), errors.Is(err, partner.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, escrow.ErrStateConflict), errors.Is(err, dispute.ErrDuplicate), errors.Is(err, dispute.ErrBadStatus):
		writeError(w, http.StatusConflict, "state conflict")
	case errors.Is(err, escrow.ErrRateLimited), errors.Is(err, dispute.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	default:
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			s.log().Error("gateway call failed", "op", gwErr.Op, "code", gwErr.Code, "status", gwErr.Status)
			writeError(w, http.StatusBadGateway, "payment processor error")
			return
		}
		s.log().Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
