package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/commission"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/partner"
)

// ErrRateLimited signals the payer exceeded the creation rate limit.
var ErrRateLimited = errors.New("escrow: rate limit exceeded")

// FieldError is one rejected input field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError aggregates every rejected field so the caller sees all
// problems at once, not just the first.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "escrow: invalid input: " + strings.Join(parts, "; ")
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the transaction persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error)
	GetByID(ctx context.Context, id string) (Transaction, error)
	MarkPaid(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	MarkCancelled(ctx context.Context, id string) (Transaction, error)
}

// LedgerStore writes audit entries transactionally and backs the
// store-based rate limiter.
type LedgerStore interface {
	AppendTx(ctx context.Context, tx pgx.Tx, e ledger.Entry) error
	CountRecentByActor(ctx context.Context, actorID string, event ledger.EventType, window time.Duration) (int, error)
}

// PlanSource resolves a payee's profile and plan tier.
type PlanSource interface {
	GetByID(ctx context.Context, id string) (partner.Profile, error)
}

// Config bounds creation inputs and the auto-release window.
type Config struct {
	MinAmountCents     int64
	MaxDescriptionLen  int
	ReleaseWindow      time.Duration
	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	Currency           string
}

func (c Config) withDefaults() Config {
	if c.MinAmountCents <= 0 {
		c.MinAmountCents = 500
	}
	if c.MaxDescriptionLen <= 0 {
		c.MaxDescriptionLen = 2000
	}
	if c.ReleaseWindow <= 0 {
		c.ReleaseWindow = 7 * 24 * time.Hour
	}
	if c.RateLimitPerWindow <= 0 {
		c.RateLimitPerWindow = 10
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Hour
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	return c
}

// Service owns escrow creation and the payment-confirmation webhook.
type Service struct {
	pool     TxBeginner
	repo     Store
	ledger   LedgerStore
	gateway  gateway.Adapter
	partners PlanSource
	cfg      Config
	logger   *slog.Logger

	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Store, ledgerStore LedgerStore, gw gateway.Adapter, partners PlanSource, cfg Config) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      ledgerStore,
		gateway:     gw,
		partners:    partners,
		cfg:         cfg.withDefaults(),
		logger:      slog.Default(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams is the caller's input for a new escrow transaction.
type CreateParams struct {
	RequestID   string
	PayeeID     string
	PayerID     string
	PayerEmail  string
	AmountCents int64
	Description string
}

// Confirmation is returned to the payer after a successful creation.
type Confirmation struct {
	TransactionID   string
	ClientToken     string
	CommissionCents int64
	PayoutCents     int64
	ReleaseDueAt    time.Time
}

// Create validates the request, rate-limits the payer, computes the frozen
// commission, places a manual-capture hold at the gateway and persists the
// pending transaction. If the persist fails after the hold succeeded the
// hold is cancelled so no orphaned authorization survives.
func (s *Service) Create(ctx context.Context, p CreateParams) (Confirmation, error) {
	if ve := s.validateCreate(ctx, &p); ve != nil {
		return Confirmation{}, ve
	}

	recent, err := s.ledger.CountRecentByActor(ctx, p.PayerID, ledger.EventCreated, s.cfg.RateLimitWindow)
	if err != nil {
		return Confirmation{}, fmt.Errorf("escrow: rate limit check: %w", err)
	}
	if recent >= s.cfg.RateLimitPerWindow {
		return Confirmation{}, ErrRateLimited
	}

	profile, err := s.partners.GetByID(ctx, p.PayeeID)
	if err != nil {
		if errors.Is(err, partner.ErrNotFound) {
			return Confirmation{}, &ValidationError{Fields: []FieldError{{Field: "payee_id", Message: "unknown payee"}}}
		}
		return Confirmation{}, fmt.Errorf("escrow: look up payee: %w", err)
	}

	split, err := commission.Calculate(profile.PlanTier, p.AmountCents, profile.CompletedCount)
	if err != nil {
		return Confirmation{}, fmt.Errorf("escrow: compute commission: %w", err)
	}

	id := s.idGenerator()
	hold, err := s.gateway.CreateHold(ctx, p.AmountCents, s.cfg.Currency, gateway.Metadata{
		"transaction_id":   id,
		"request_id":       p.RequestID,
		"payee_id":         p.PayeeID,
		"commission_cents": fmt.Sprintf("%d", split.CommissionCents),
		"payout_cents":     fmt.Sprintf("%d", split.PayoutCents),
	})
	if err != nil {
		return Confirmation{}, fmt.Errorf("escrow: create hold: %w", err)
	}

	txn := Transaction{
		ID:                id,
		RequestID:         p.RequestID,
		PayeeID:           p.PayeeID,
		PayerID:           &p.PayerID,
		PayerEmail:        p.PayerEmail,
		AmountTotalCents:  p.AmountCents,
		CommissionRateBps: split.RateBps,
		CommissionCents:   split.CommissionCents,
		PayoutCents:       split.PayoutCents,
		GatewayRef:        &hold.Ref,
		ReleaseDueAt:      s.now().Add(s.cfg.ReleaseWindow),
	}

	created, err := s.persistCreated(ctx, txn, p.PayerID)
	if err != nil {
		// Saga compensation: the hold exists but no row does. Cancel it so
		// no authorization is left orphaned.
		if cancelErr := s.gateway.Cancel(ctx, hold.Ref); cancelErr != nil {
			s.logger.Error("orphaned hold could not be cancelled",
				"transaction_id", id, "gateway_ref", hold.Ref, "error", cancelErr)
		}
		return Confirmation{}, err
	}

	return Confirmation{
		TransactionID:   created.ID,
		ClientToken:     hold.ClientToken,
		CommissionCents: created.CommissionCents,
		PayoutCents:     created.PayoutCents,
		ReleaseDueAt:    created.ReleaseDueAt,
	}, nil
}

func (s *Service) persistCreated(ctx context.Context, txn Transaction, payerID string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, txn)
	if err != nil {
		return Transaction{}, err
	}

	if err := s.ledger.AppendTx(ctx, tx, ledger.Entry{
		TransactionID: created.ID,
		EventType:     ledger.EventCreated,
		Actor:         ledger.ActorCustomer,
		ActorID:       payerID,
		StatusAfter:   string(StatusPending),
		AmountCents:   created.AmountTotalCents,
		Metadata: map[string]any{
			"request_id":       created.RequestID,
			"commission_cents": created.CommissionCents,
			"payout_cents":     created.PayoutCents,
		},
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return created, nil
}

func (s *Service) validateCreate(ctx context.Context, p *CreateParams) *ValidationError {
	var fields []FieldError

	p.RequestID = strings.TrimSpace(p.RequestID)
	if p.RequestID == "" {
		fields = append(fields, FieldError{"request_id", "required"})
	}
	if p.PayerID == "" {
		fields = append(fields, FieldError{"payer_id", "required"})
	}
	if _, err := mail.ParseAddress(p.PayerEmail); err != nil {
		fields = append(fields, FieldError{"payer_email", "invalid email address"})
	}
	if _, err := uuid.Parse(p.PayeeID); err != nil {
		fields = append(fields, FieldError{"payee_id", "malformed id"})
	}
	if p.AmountCents < s.cfg.MinAmountCents {
		fields = append(fields, FieldError{"amount_cents", fmt.Sprintf("must be at least %d", s.cfg.MinAmountCents)})
	}
	if len(p.Description) > s.cfg.MaxDescriptionLen {
		fields = append(fields, FieldError{"description", "too long"})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// PaymentEvent is a gateway webhook notification that a hold's payment
// completed. ExternalEventID is the gateway's event id and drives replay
// detection.
type PaymentEvent struct {
	TransactionID   string
	ExternalEventID string
}

// HandlePaymentConfirmed moves pending -> paid exactly once per external
// event. Replaying the same event id is a silent no-op: the ledger's
// uniqueness constraint rejects the duplicate before any status write.
func (s *Service) HandlePaymentConfirmed(ctx context.Context, ev PaymentEvent) error {
	if ev.TransactionID == "" {
		return &ValidationError{Fields: []FieldError{{Field: "transaction_id", Message: "required"}}}
	}
	if ev.ExternalEventID == "" {
		return &ValidationError{Fields: []FieldError{{Field: "external_event_id", Message: "required"}}}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Reserve the event id first: a replay aborts here before any status
	// write, and the rollback keeps the ledger clean.
	if err := s.ledger.AppendTx(ctx, tx, ledger.Entry{
		TransactionID:   ev.TransactionID,
		EventType:       ledger.EventPaid,
		Actor:           ledger.ActorSystem,
		StatusBefore:    string(StatusPending),
		StatusAfter:     string(StatusPaid),
		ExternalEventID: &ev.ExternalEventID,
	}); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return nil
		}
		return err
	}

	if _, err := s.repo.MarkPaid(ctx, tx, ev.TransactionID); err != nil {
		if errors.Is(err, ErrNotClaimable) {
			return &TransitionError{TransactionID: ev.TransactionID, From: "", To: StatusPaid}
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit payment: %w", err)
	}
	return nil
}

// CancelPending cancels a not-yet-paid transaction and voids its hold.
func (s *Service) CancelPending(ctx context.Context, id, actorID string) (Transaction, error) {
	txn, err := s.repo.MarkCancelled(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotClaimable) {
			return Transaction{}, &TransitionError{TransactionID: id, From: "", To: StatusCancelled}
		}
		return Transaction{}, err
	}

	if txn.GatewayRef != nil {
		if err := s.gateway.Cancel(ctx, *txn.GatewayRef); err != nil {
			s.logger.Error("hold cancel failed for cancelled transaction",
				"transaction_id", id, "error", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err == nil {
		defer tx.Rollback(ctx)
		if err := s.ledger.AppendTx(ctx, tx, ledger.Entry{
			TransactionID: txn.ID,
			EventType:     ledger.EventCancelled,
			Actor:         ledger.ActorCustomer,
			ActorID:       actorID,
			StatusBefore:  string(StatusPending),
			StatusAfter:   string(StatusCancelled),
			AmountCents:   txn.AmountTotalCents,
		}); err == nil {
			_ = tx.Commit(ctx)
		}
	}

	return txn, nil
}

// Get returns one transaction.
func (s *Service) Get(ctx context.Context, id string) (Transaction, error) {
	return s.repo.GetByID(ctx, id)
}
