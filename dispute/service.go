package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
)

var (
	// ErrForbidden signals the caller may not act on this dispute.
	ErrForbidden = errors.New("dispute: forbidden")
	// ErrNotDisputable signals the transaction is not in a disputable
	// state. This is an input problem (the business rule "only paid
	// transactions can be disputed"), not a raw transition conflict.
	ErrNotDisputable = errors.New("dispute: transaction is not disputable")
	// ErrRateLimited signals the caller opened too many disputes recently.
	ErrRateLimited = errors.New("dispute: rate limit exceeded")
	// ErrInvalidResolution signals an unknown requested outcome.
	ErrInvalidResolution = errors.New("dispute: invalid resolution")
)

const (
	minReasonLen      = 5
	maxReasonLen      = 500
	maxDescriptionLen = 5000
)

// TransactionStore is the escrow persistence surface the workflow needs.
type TransactionStore interface {
	GetByID(ctx context.Context, id string) (escrow.Transaction, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, id string) (escrow.Transaction, error)
	ClaimForResolution(ctx context.Context, id string) (escrow.Transaction, error)
	FinalizeResolution(ctx context.Context, tx pgx.Tx, id string, target escrow.Status) (escrow.Transaction, error)
	RevertToDisputed(ctx context.Context, id string) error
}

// DisputeStore is the dispute persistence surface.
type DisputeStore interface {
	CreateOpen(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetByID(ctx context.Context, id string) (Record, error)
	GetActiveByTransaction(ctx context.Context, transactionID string) (Record, error)
	MarkResolving(ctx context.Context, id string) (Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, id string, status Status, resolution Resolution, adminNotes, adminID string) (Record, error)
	Reopen(ctx context.Context, id string) error
}

// TransitionGuard validates proposed status moves against the table.
type TransitionGuard interface {
	AssertTransition(ctx context.Context, id string, target escrow.Status, actor ledger.Actor, actorID string) error
}

// LedgerStore writes audit entries and backs the rate limiter.
type LedgerStore interface {
	AppendTx(ctx context.Context, tx pgx.Tx, e ledger.Entry) error
	CountRecentByActor(ctx context.Context, actorID string, event ledger.EventType, window time.Duration) (int, error)
}

// PartnerCounter bumps the payee's loyalty counter on release.
type PartnerCounter interface {
	IncrementCompleted(ctx context.Context, id string) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Config bounds the open-dispute rate limit.
type Config struct {
	RateLimitPerWindow int
	RateLimitWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimitPerWindow <= 0 {
		c.RateLimitPerWindow = 5
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = 24 * time.Hour
	}
	return c
}

// Service implements the two dispute operations on the claim pattern.
type Service struct {
	pool     TxBeginner
	repo     DisputeStore
	txns     TransactionStore
	guard    TransitionGuard
	ledger   LedgerStore
	gateway  gateway.Adapter
	partners PartnerCounter
	cfg      Config
	logger   *slog.Logger
}

func NewService(pool TxBeginner, repo DisputeStore, txns TransactionStore, guard TransitionGuard, ledgerStore LedgerStore, gw gateway.Adapter, partners PartnerCounter, cfg Config) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		txns:     txns,
		guard:    guard,
		ledger:   ledgerStore,
		gateway:  gw,
		partners: partners,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
	}
}

// OpenParams describes a customer- or partner-initiated freeze. For partner
// callers ActorID is the partner profile id; for customers it is the user
// id recorded as the transaction's payer.
type OpenParams struct {
	TransactionID string
	Actor         ledger.Actor
	ActorID       string
	Reason        string
	Description   string
}

// Open freezes a paid transaction pending adjudication. Preconditions run
// in a fixed order (permission, rate limit, input validation, business
// state) and a rejected request produces zero persistent side effects.
func (s *Service) Open(ctx context.Context, p OpenParams) (Record, error) {
	if p.Actor != ledger.ActorCustomer && p.Actor != ledger.ActorPartner {
		return Record{}, ErrForbidden
	}
	if p.ActorID == "" {
		return Record{}, ErrForbidden
	}

	recent, err := s.ledger.CountRecentByActor(ctx, p.ActorID, ledger.EventDisputeOpened, s.cfg.RateLimitWindow)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: rate limit check: %w", err)
	}
	if recent >= s.cfg.RateLimitPerWindow {
		return Record{}, ErrRateLimited
	}

	if ve := validateOpen(&p); ve != nil {
		return Record{}, ve
	}

	txn, err := s.txns.GetByID(ctx, p.TransactionID)
	if err != nil {
		return Record{}, err
	}
	if !isParty(txn, p.Actor, p.ActorID) {
		return Record{}, ErrForbidden
	}
	if txn.Status != escrow.StatusPaid {
		return Record{}, fmt.Errorf("%w: status is %s", ErrNotDisputable, txn.Status)
	}

	if _, err := s.repo.GetActiveByTransaction(ctx, p.TransactionID); err == nil {
		return Record{}, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	if err := s.guard.AssertTransition(ctx, p.TransactionID, escrow.StatusDisputed, p.Actor, p.ActorID); err != nil {
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.CreateOpen(ctx, tx, Record{
		TransactionID: p.TransactionID,
		OpenedByRole:  string(p.Actor),
		OpenedByID:    p.ActorID,
		Reason:        p.Reason,
		Description:   p.Description,
	})
	if err != nil {
		return Record{}, err
	}

	if _, err := s.txns.MarkDisputed(ctx, tx, p.TransactionID); err != nil {
		if errors.Is(err, escrow.ErrNotClaimable) {
			// Lost the race against a concurrent releaser claim.
			return Record{}, &escrow.TransitionError{TransactionID: p.TransactionID, From: txn.Status, To: escrow.StatusDisputed}
		}
		return Record{}, err
	}

	if err := s.ledger.AppendTx(ctx, tx, ledger.Entry{
		TransactionID: p.TransactionID,
		EventType:     ledger.EventDisputeOpened,
		Actor:         p.Actor,
		ActorID:       p.ActorID,
		StatusBefore:  string(escrow.StatusPaid),
		StatusAfter:   string(escrow.StatusDisputed),
		AmountCents:   txn.AmountTotalCents,
		Metadata:      map[string]any{"dispute_id": rec.ID, "reason": p.Reason},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, nil
}

func validateOpen(p *OpenParams) error {
	var fields []escrow.FieldError

	if _, err := uuid.Parse(p.TransactionID); err != nil {
		fields = append(fields, escrow.FieldError{Field: "transaction_id", Message: "malformed id"})
	}
	p.Reason = strings.TrimSpace(p.Reason)
	if len(p.Reason) < minReasonLen || len(p.Reason) > maxReasonLen {
		fields = append(fields, escrow.FieldError{
			Field:   "reason",
			Message: fmt.Sprintf("length must be between %d and %d", minReasonLen, maxReasonLen),
		})
	}
	if len(p.Description) > maxDescriptionLen {
		fields = append(fields, escrow.FieldError{Field: "description", Message: "too long"})
	}

	if len(fields) > 0 {
		return &escrow.ValidationError{Fields: fields}
	}
	return nil
}

func isParty(txn escrow.Transaction, actor ledger.Actor, actorID string) bool {
	switch actor {
	case ledger.ActorCustomer:
		return txn.PayerID != nil && *txn.PayerID == actorID
	case ledger.ActorPartner:
		return txn.PayeeID == actorID
	default:
		return false
	}
}

// ResolveParams is the admin's terminal judgment on an open dispute.
type ResolveParams struct {
	DisputeID  string
	AdminID    string
	Resolution Resolution
	AdminNotes string
}

// Resolve drives an open dispute to its terminal outcome. The transaction
// claim (disputed -> resolving) commits before the gateway call so a crash
// mid-call leaves the row in a known, reapable state; a gateway failure is
// compensated by reverting both rows for retry.
func (s *Service) Resolve(ctx context.Context, p ResolveParams) (Record, error) {
	if p.AdminID == "" {
		return Record{}, ErrForbidden
	}
	if p.Resolution != ResolutionFullRefund && p.Resolution != ResolutionReleaseToPartner {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidResolution, p.Resolution)
	}

	rec, err := s.repo.GetByID(ctx, p.DisputeID)
	if err != nil {
		return Record{}, err
	}

	if err := s.guard.AssertTransition(ctx, rec.TransactionID, escrow.StatusResolving, ledger.ActorAdmin, p.AdminID); err != nil {
		return Record{}, err
	}

	// Claim the transaction first; this is the mutual exclusion between
	// two admins resolving concurrently.
	txn, err := s.txns.ClaimForResolution(ctx, rec.TransactionID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotClaimable) {
			return Record{}, &escrow.TransitionError{TransactionID: rec.TransactionID, From: "", To: escrow.StatusResolving}
		}
		return Record{}, err
	}

	if _, err := s.repo.MarkResolving(ctx, p.DisputeID); err != nil {
		if revertErr := s.txns.RevertToDisputed(ctx, rec.TransactionID); revertErr != nil {
			s.logger.Error("revert after dispute claim loss failed",
				"transaction_id", rec.TransactionID, "error", revertErr)
		}
		return Record{}, err
	}

	target := escrow.StatusRefunded
	disputeStatus := StatusResolvedCustomer
	if p.Resolution == ResolutionReleaseToPartner {
		target = escrow.StatusReleased
		disputeStatus = StatusResolvedPartner
	}

	if err := s.callGateway(ctx, txn, p.Resolution); err != nil {
		s.compensate(ctx, rec, txn, err)
		return Record{}, fmt.Errorf("dispute: gateway %s: %w", p.Resolution, err)
	}

	resolved, err := s.finalize(ctx, rec, txn, p, target, disputeStatus)
	if err != nil {
		// The gateway call succeeded; leave the claim for the reaper
		// rather than risking a double capture by reverting here.
		return Record{}, err
	}

	if disputeStatus == StatusResolvedPartner && s.partners != nil {
		if err := s.partners.IncrementCompleted(ctx, txn.PayeeID); err != nil {
			s.logger.Error("loyalty counter bump failed", "payee_id", txn.PayeeID, "error", err)
		}
	}

	return resolved, nil
}

func (s *Service) callGateway(ctx context.Context, txn escrow.Transaction, resolution Resolution) error {
	if txn.GatewayRef == nil {
		return fmt.Errorf("dispute: transaction %s has no gateway reference", txn.ID)
	}
	switch resolution {
	case ResolutionFullRefund:
		return s.gateway.Refund(ctx, *txn.GatewayRef, txn.ID+"-refund")
	case ResolutionReleaseToPartner:
		return s.gateway.Capture(ctx, *txn.GatewayRef, txn.ID)
	default:
		return ErrInvalidResolution
	}
}

func (s *Service) compensate(ctx context.Context, rec Record, txn escrow.Transaction, cause error) {
	if err := s.txns.RevertToDisputed(ctx, txn.ID); err != nil {
		s.logger.Error("compensating transition failed; reaper will recover",
			"transaction_id", txn.ID, "error", err)
	}
	if err := s.repo.Reopen(ctx, rec.ID); err != nil {
		s.logger.Error("dispute reopen failed", "dispute_id", rec.ID, "error", err)
	}
	s.logger.Warn("dispute resolution compensated after gateway failure",
		"dispute_id", rec.ID, "transaction_id", txn.ID, "error", cause)
}

func (s *Service) finalize(ctx context.Context, rec Record, txn escrow.Transaction, p ResolveParams, target escrow.Status, disputeStatus Status) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.txns.FinalizeResolution(ctx, tx, txn.ID, target); err != nil {
		return Record{}, err
	}

	resolved, err := s.repo.Resolve(ctx, tx, rec.ID, disputeStatus, p.Resolution, p.AdminNotes, p.AdminID)
	if err != nil {
		return Record{}, err
	}

	if err := s.ledger.AppendTx(ctx, tx, ledger.Entry{
		TransactionID: txn.ID,
		EventType:     ledger.EventDisputeResolved,
		Actor:         ledger.ActorAdmin,
		ActorID:       p.AdminID,
		StatusBefore:  string(escrow.StatusResolving),
		StatusAfter:   string(target),
		AmountCents:   txn.AmountTotalCents,
		Metadata: map[string]any{
			"dispute_id": rec.ID,
			"resolution": string(p.Resolution),
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit finalize: %w", err)
	}
	return resolved, nil
}

// GetByID returns one dispute.
func (s *Service) GetByID(ctx context.Context, id string) (Record, error) {
	return s.repo.GetByID(ctx, id)
}
