package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/partner"
	"escrowflow/release"
)

type stubEscrowService struct {
	conf       escrow.Confirmation
	createErr  error
	txn        escrow.Transaction
	getErr     error
	cancelled  escrow.Transaction
	cancelErr  error
	webhookErr error
	webhookEv  escrow.PaymentEvent
}

func (s *stubEscrowService) Create(_ context.Context, _ escrow.CreateParams) (escrow.Confirmation, error) {
	return s.conf, s.createErr
}

func (s *stubEscrowService) Get(_ context.Context, _ string) (escrow.Transaction, error) {
	return s.txn, s.getErr
}

func (s *stubEscrowService) CancelPending(_ context.Context, _, _ string) (escrow.Transaction, error) {
	return s.cancelled, s.cancelErr
}

func (s *stubEscrowService) HandlePaymentConfirmed(_ context.Context, ev escrow.PaymentEvent) error {
	s.webhookEv = ev
	return s.webhookErr
}

type stubDisputeService struct {
	opened     dispute.Record
	openErr    error
	openParams dispute.OpenParams
	resolved   dispute.Record
	resolveErr error
	rec        dispute.Record
	getErr     error
}

func (s *stubDisputeService) Open(_ context.Context, p dispute.OpenParams) (dispute.Record, error) {
	s.openParams = p
	return s.opened, s.openErr
}

func (s *stubDisputeService) Resolve(_ context.Context, _ dispute.ResolveParams) (dispute.Record, error) {
	return s.resolved, s.resolveErr
}

func (s *stubDisputeService) GetByID(_ context.Context, _ string) (dispute.Record, error) {
	return s.rec, s.getErr
}

type stubPartnerService struct {
	profile  partner.Profile
	byUser   partner.Profile
	profiles []partner.Profile
	err      error
}

func (s *stubPartnerService) GetByID(_ context.Context, _ string) (partner.Profile, error) {
	return s.profile, s.err
}

func (s *stubPartnerService) GetByUserID(_ context.Context, _ string) (partner.Profile, error) {
	return s.byUser, s.err
}

func (s *stubPartnerService) List(_ context.Context, limit int) ([]partner.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit > len(s.profiles) {
		limit = len(s.profiles)
	}
	return s.profiles[:limit], nil
}

type stubReleaser struct {
	stats release.Stats
	err   error
	runs  int
}

func (s *stubReleaser) RunOnce(_ context.Context) (release.Stats, error) {
	s.runs++
	return s.stats, s.err
}

func asUser(req *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func TestHandleCreateEscrow_Success(t *testing.T) {
	due := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	server := &Server{
		escrowService: &stubEscrowService{
			conf: escrow.Confirmation{
				TransactionID:   "t1",
				ClientToken:     "tok_1",
				CommissionCents: 1000,
				PayoutCents:     9000,
				ReleaseDueAt:    due,
			},
		},
	}

	body := strings.NewReader(`{"requestId":"r1","payeeId":"p1","payerEmail":"a@example.com","amountCents":10000}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows", body), "user-1", auth.RoleCustomer)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp confirmationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TransactionID != "t1" || resp.ClientToken != "tok_1" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.ReleaseDueAt != due.Format(time.RFC3339) {
		t.Fatalf("releaseDueAt = %q", resp.ReleaseDueAt)
	}
}

func TestHandleCreateEscrow_ForbidPartnerRole(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	body := strings.NewReader(`{"amountCents":10000}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows", body), "user-1", auth.RolePartner)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_ValidationError(t *testing.T) {
	server := &Server{
		escrowService: &stubEscrowService{
			createErr: &escrow.ValidationError{Fields: []escrow.FieldError{
				{Field: "amount_cents", Message: "must be at least 500"},
			}},
		},
	}

	body := strings.NewReader(`{"amountCents":1}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows", body), "user-1", auth.RoleCustomer)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var payload struct {
		Fields map[string]string `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Fields["amount_cents"] == "" {
		t.Fatalf("expected field detail, got %+v", payload)
	}
}

func TestHandleCreateEscrow_RateLimited(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{createErr: escrow.ErrRateLimited}}

	body := strings.NewReader(`{"amountCents":10000}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows", body), "user-1", auth.RoleCustomer)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestHandleGetEscrow_HiddenFromStrangers(t *testing.T) {
	payer := "customer-1"
	server := &Server{
		escrowService: &stubEscrowService{
			txn: escrow.Transaction{ID: "t1", PayerID: &payer, PayeeID: "partner-1", Status: escrow.StatusPaid},
		},
		partnerService: &stubPartnerService{err: partner.ErrNotFound},
	}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/escrows/t1", nil), "someone-else", auth.RoleCustomer)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetEscrow_AdminSeesAll(t *testing.T) {
	payer := "customer-1"
	server := &Server{
		escrowService: &stubEscrowService{
			txn: escrow.Transaction{ID: "t1", PayerID: &payer, PayeeID: "partner-1", Status: escrow.StatusPaid},
		},
	}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/escrows/t1", nil), "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "t1" || resp.Status != "paid" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleOpenDispute_PartnerActorResolved(t *testing.T) {
	disputes := &stubDisputeService{opened: dispute.Record{ID: "d1", TransactionID: "t1", Status: dispute.StatusOpen}}
	server := &Server{
		disputeService: disputes,
		partnerService: &stubPartnerService{byUser: partner.Profile{ID: "partner-profile-1"}},
	}

	body := strings.NewReader(`{"reason":"work was never finished"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows/t1/dispute", body), "user-7", auth.RolePartner)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if disputes.openParams.Actor != ledger.ActorPartner || disputes.openParams.ActorID != "partner-profile-1" {
		t.Fatalf("open params = %+v", disputes.openParams)
	}
}

func TestHandleOpenDispute_Conflict(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{openErr: dispute.ErrDuplicate}}

	body := strings.NewReader(`{"reason":"already frozen elsewhere"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows/t1/dispute", body), "user-1", auth.RoleCustomer)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleResolveDispute_AdminOnly(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{}}

	body := strings.NewReader(`{"resolution":"full_refund"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes/d1/resolve", body), "user-1", auth.RoleCustomer)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleResolveDispute_Success(t *testing.T) {
	res := "full_refund"
	server := &Server{
		disputeService: &stubDisputeService{
			resolved: dispute.Record{ID: "d1", TransactionID: "t1", Status: dispute.StatusResolvedCustomer, Resolution: &res},
		},
	}

	body := strings.NewReader(`{"resolution":"full_refund","adminNotes":"refund approved"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes/d1/resolve", body), "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "resolved_customer" || resp.Resolution == nil || *resp.Resolution != "full_refund" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandlePaymentWebhook_Success(t *testing.T) {
	svc := &stubEscrowService{}
	server := &Server{escrowService: svc}

	body := strings.NewReader(`{"transactionId":"t1","eventId":"evt-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", body)
	rec := httptest.NewRecorder()

	server.handlePaymentWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.webhookEv.TransactionID != "t1" || svc.webhookEv.ExternalEventID != "evt-1" {
		t.Fatalf("event = %+v", svc.webhookEv)
	}
}

func TestHandlePaymentWebhook_StateConflict(t *testing.T) {
	server := &Server{
		escrowService: &stubEscrowService{
			webhookErr: &escrow.TransitionError{TransactionID: "t1", To: escrow.StatusPaid},
		},
	}

	body := strings.NewReader(`{"transactionId":"t1","eventId":"evt-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", body)
	rec := httptest.NewRecorder()

	server.handlePaymentWebhook(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleRunRelease_TokenGuard(t *testing.T) {
	releaser := &stubReleaser{stats: release.Stats{Claimed: 2, Released: 2}}
	server := &Server{releaser: releaser, schedulerToken: "secret"}

	req := httptest.NewRequest(http.MethodPost, "/internal/run-release", nil)
	rec := httptest.NewRecorder()
	server.handleRunRelease(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if releaser.runs != 0 {
		t.Fatalf("releaser must not run without token")
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/run-release", nil)
	req.Header.Set("X-Scheduler-Token", "secret")
	rec = httptest.NewRecorder()
	server.handleRunRelease(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["released"] != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandlePartners_List(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		partnerService: &stubPartnerService{
			profiles: []partner.Profile{
				{ID: "p1", DisplayName: "Alpha Plumbing", PlanTier: "standard", Verified: true, CreatedAt: now},
				{ID: "p2", DisplayName: "Beta Roofing", PlanTier: "reduced", CreatedAt: now},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/partners?limit=1", nil)
	rec := httptest.NewRecorder()

	server.handlePartners(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []partnerResponse `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || payload.Items[0].ID != "p1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRequireAuth_RejectsMissingToken(t *testing.T) {
	server := &Server{authService: auth.NewService(nil, "test-secret")}
	handler := server.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a token")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/t1", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
