package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/partner"
)

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type partnerResponse struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName"`
	PlanTier       string `json:"planTier"`
	CompletedCount int    `json:"completedCount"`
	Verified       bool   `json:"verified"`
	CreatedAt      string `json:"createdAt"`
}

type confirmationResponse struct {
	TransactionID   string `json:"transactionId"`
	ClientToken     string `json:"clientToken"`
	CommissionCents int64  `json:"commissionCents"`
	PayoutCents     int64  `json:"payoutCents"`
	ReleaseDueAt    string `json:"releaseDueAt"`
}

type escrowResponse struct {
	ID              string `json:"id"`
	PayeeID         string `json:"payeeId"`
	Status          string `json:"status"`
	AmountCents     int64  `json:"amountCents"`
	CommissionCents int64  `json:"commissionCents"`
	PayoutCents     int64  `json:"payoutCents"`
	ReleaseDueAt    string `json:"releaseDueAt"`
	CreatedAt       string `json:"createdAt"`
}

type disputeResponse struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transactionId"`
	Status        string  `json:"status"`
	Reason        string  `json:"reason"`
	Resolution    *string `json:"resolution,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

type eventResponse struct {
	ID           int64  `json:"id"`
	EventType    string `json:"eventType"`
	Actor        string `json:"actor"`
	StatusBefore string `json:"statusBefore,omitempty"`
	StatusAfter  string `json:"statusAfter,omitempty"`
	AmountCents  int64  `json:"amountCents,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

func toEscrowResponse(t escrow.Transaction) escrowResponse {
	return escrowResponse{
		ID:              t.ID,
		PayeeID:         t.PayeeID,
		Status:          string(t.Status),
		AmountCents:     t.AmountTotalCents,
		CommissionCents: t.CommissionCents,
		PayoutCents:     t.PayoutCents,
		ReleaseDueAt:    t.ReleaseDueAt.Format(time.RFC3339),
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	return disputeResponse{
		ID:            d.ID,
		TransactionID: d.TransactionID,
		Status:        string(d.Status),
		Reason:        d.Reason,
		Resolution:    d.Resolution,
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Role:     string(result.User.Role),
		},
	})
}

func (s *Server) handlePartners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	profiles, err := s.partnerService.List(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	items := make([]partnerResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toPartnerResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handlePartnerDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/partners/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid partner id")
		return
	}

	profile, err := s.partnerService.GetByID(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartnerResponse(profile))
}

func toPartnerResponse(p partner.Profile) partnerResponse {
	return partnerResponse{
		ID:             p.ID,
		DisplayName:    p.DisplayName,
		PlanTier:       string(p.PlanTier),
		CompletedCount: p.CompletedCount,
		Verified:       p.Verified,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
	}
}

type createEscrowRequest struct {
	RequestID   string `json:"requestId"`
	PayeeID     string `json:"payeeId"`
	PayerEmail  string `json:"payerEmail"`
	AmountCents int64  `json:"amountCents"`
	Description string `json:"description"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, role := callerIdentity(r)
	if role != auth.RoleCustomer {
		writeError(w, http.StatusForbidden, "only customers can open escrows")
		return
	}

	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	conf, err := s.escrowService.Create(r.Context(), escrow.CreateParams{
		RequestID:   req.RequestID,
		PayeeID:     req.PayeeID,
		PayerID:     userID,
		PayerEmail:  req.PayerEmail,
		AmountCents: req.AmountCents,
		Description: req.Description,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, confirmationResponse{
		TransactionID:   conf.TransactionID,
		ClientToken:     conf.ClientToken,
		CommissionCents: conf.CommissionCents,
		PayoutCents:     conf.PayoutCents,
		ReleaseDueAt:    conf.ReleaseDueAt.Format(time.RFC3339),
	})
}

// handleEscrowDetail routes /api/escrows/{id}[/cancel|/dispute|/events].
func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/escrows/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetEscrow(w, r, id)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleCancelEscrow(w, r, id)
	case len(parts) == 2 && parts[1] == "dispute" && r.Method == http.MethodPost:
		s.handleOpenDispute(w, r, id)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleEscrowEvents(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request, id string) {
	txn, err := s.escrowService.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !s.callerIsParty(r, txn) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(txn))
}

// callerIsParty hides transactions from unrelated callers. Admins see
// everything; partners see rows where they are the payee.
func (s *Server) callerIsParty(r *http.Request, txn escrow.Transaction) bool {
	userID, role := callerIdentity(r)
	switch role {
	case auth.RoleAdmin:
		return true
	case auth.RoleCustomer:
		return txn.PayerID != nil && *txn.PayerID == userID
	case auth.RolePartner:
		profile, err := s.partnerService.GetByUserID(r.Context(), userID)
		return err == nil && profile.ID == txn.PayeeID
	default:
		return false
	}
}

func (s *Server) handleCancelEscrow(w http.ResponseWriter, r *http.Request, id string) {
	userID, role := callerIdentity(r)
	if role != auth.RoleCustomer && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if role == auth.RoleCustomer {
		txn, err := s.escrowService.Get(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if txn.PayerID == nil || *txn.PayerID != userID {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
	}

	txn, err := s.escrowService.CancelPending(r.Context(), id, userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(txn))
}

type openDisputeRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request, id string) {
	userID, role := callerIdentity(r)

	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	params := dispute.OpenParams{
		TransactionID: id,
		Reason:        req.Reason,
		Description:   req.Description,
	}
	switch role {
	case auth.RoleCustomer:
		params.Actor = ledger.ActorCustomer
		params.ActorID = userID
	case auth.RolePartner:
		profile, err := s.partnerService.GetByUserID(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusForbidden, "no partner profile")
			return
		}
		params.Actor = ledger.ActorPartner
		params.ActorID = profile.ID
	default:
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	rec, err := s.disputeService.Open(r.Context(), params)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, r *http.Request, id string) {
	_, role := callerIdentity(r)
	if role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	entries, err := s.events.ListByTransaction(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	items := make([]eventResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, eventResponse{
			ID:           e.ID,
			EventType:    string(e.EventType),
			Actor:        string(e.Actor),
			StatusBefore: e.StatusBefore,
			StatusAfter:  e.StatusAfter,
			AmountCents:  e.AmountCents,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type resolveDisputeRequest struct {
	Resolution string `json:"resolution"`
	AdminNotes string `json:"adminNotes"`
}

// handleDisputeDetail routes /api/disputes/{id}[/resolve].
func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/disputes/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	id := parts[0]

	_, role := callerIdentity(r)
	if role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		rec, err := s.disputeService.GetByID(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		s.handleResolveDispute(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request, id string) {
	userID, _ := callerIdentity(r)

	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	rec, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:  id,
		AdminID:    userID,
		Resolution: dispute.Resolution(req.Resolution),
		AdminNotes: req.AdminNotes,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type paymentWebhookRequest struct {
	TransactionID string `json:"transactionId"`
	EventID       string `json:"eventId"`
}

// handlePaymentWebhook accepts the gateway's payment-succeeded callback.
// Replays of the same event id return 200 without touching anything.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	err := s.escrowService.HandlePaymentConfirmed(r.Context(), escrow.PaymentEvent{
		TransactionID:   req.TransactionID,
		ExternalEventID: req.EventID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunRelease triggers one release pass. It is called by the external
// cron as well as the in-process scheduler's health checks, and is guarded
// by a shared token rather than a user session.
func (s *Server) handleRunRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.schedulerToken == "" || r.Header.Get("X-Scheduler-Token") != s.schedulerToken {
		writeError(w, http.StatusUnauthorized, "invalid scheduler token")
		return
	}

	stats, err := s.releaser.RunOnce(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"claimed":  stats.Claimed,
		"released": stats.Released,
		"reverted": stats.Reverted,
	})
}
