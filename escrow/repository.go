package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no transaction row exists for the id.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrNotClaimable signals a conditional write matched zero rows: the
	// transaction is no longer in the status the claim requires. Another
	// writer got there first or the transition was never valid.
	ErrNotClaimable = errors.New("escrow: transaction not claimable")
)

// Repository owns every write to escrow_transactions.status. Mutations are
// conditional UPDATEs keyed on the current status; a zero-row result means
// the claim was lost, never that the write half-happened.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `
	id, request_id, payee_id, payer_id, payer_email,
	amount_total_cents, commission_rate_bps, commission_cents, payout_cents,
	gateway_ref, status, release_due_at, claimed_at,
	created_at, paid_at, released_at, refunded_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID, &t.RequestID, &t.PayeeID, &t.PayerID, &t.PayerEmail,
		&t.AmountTotalCents, &t.CommissionRateBps, &t.CommissionCents, &t.PayoutCents,
		&t.GatewayRef, &t.Status, &t.ReleaseDueAt, &t.ClaimedAt,
		&t.CreatedAt, &t.PaidAt, &t.ReleasedAt, &t.RefundedAt,
	)
	return t, err
}

// Create inserts a new pending transaction inside the caller's transaction
// so the row and its `created` audit entry commit together.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, t Transaction) (Transaction, error) {
	const query = `
		INSERT INTO escrow_transactions
		    (id, request_id, payee_id, payer_id, payer_email,
		     amount_total_cents, commission_rate_bps, commission_cents, payout_cents,
		     gateway_ref, status, release_due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11)
		RETURNING` + columns

	created, err := scanTransaction(tx.QueryRow(ctx, query,
		t.ID, t.RequestID, t.PayeeID, t.PayerID, t.PayerEmail,
		t.AmountTotalCents, t.CommissionRateBps, t.CommissionCents, t.PayoutCents,
		t.GatewayRef, t.ReleaseDueAt,
	))
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: insert transaction: %w", err)
	}
	return created, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Transaction, error) {
	const query = `SELECT` + columns + ` FROM escrow_transactions WHERE id = $1`

	t, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get by id: %w", err)
	}
	return t, nil
}

// GetStatus reads only the current status; used by the Guard.
func (r *Repository) GetStatus(ctx context.Context, id string) (Status, error) {
	var status Status
	err := r.pool.QueryRow(ctx, `SELECT status FROM escrow_transactions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("escrow: get status: %w", err)
	}
	return status, nil
}

// MarkPaid moves pending -> paid inside the caller's transaction.
func (r *Repository) MarkPaid(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = 'paid', paid_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING` + columns

	return r.conditionalTx(ctx, tx, query, id)
}

// MarkCancelled moves pending -> cancelled.
func (r *Repository) MarkCancelled(ctx context.Context, id string) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'
		RETURNING` + columns

	return r.conditional(ctx, query, id)
}

// ClaimDueForRelease atomically claims up to limit paid, past-due rows by
// flipping them to releasing. This single statement is the whole mutual
// exclusion mechanism across scheduler replicas: SKIP LOCKED sheds
// contention and the status predicate on the outer UPDATE guarantees a row
// leaves paid exactly once.
func (r *Repository) ClaimDueForRelease(ctx context.Context, limit int) ([]ClaimedTransaction, error) {
	if limit <= 0 {
		limit = 25
	}

	const query = `
		UPDATE escrow_transactions t
		SET status = 'releasing', claimed_at = now()
		FROM partners p
		WHERE t.id IN (
		    SELECT id FROM escrow_transactions
		    WHERE status = 'paid' AND release_due_at < now()
		    ORDER BY release_due_at
		    LIMIT $1
		    FOR UPDATE SKIP LOCKED
		)
		AND t.status = 'paid'
		AND p.id = t.payee_id
		RETURNING t.id, t.request_id, t.payee_id, t.payer_id, t.payer_email,
		    t.amount_total_cents, t.commission_rate_bps, t.commission_cents, t.payout_cents,
		    t.gateway_ref, t.status, t.release_due_at, t.claimed_at,
		    t.created_at, t.paid_at, t.released_at, t.refunded_at,
		    COALESCE(p.gateway_account_ref, '')
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: claim due for release: %w", err)
	}
	defer rows.Close()

	claimed := make([]ClaimedTransaction, 0, limit)
	for rows.Next() {
		var c ClaimedTransaction
		if err := rows.Scan(
			&c.ID, &c.RequestID, &c.PayeeID, &c.PayerID, &c.PayerEmail,
			&c.AmountTotalCents, &c.CommissionRateBps, &c.CommissionCents, &c.PayoutCents,
			&c.GatewayRef, &c.Status, &c.ReleaseDueAt, &c.ClaimedAt,
			&c.CreatedAt, &c.PaidAt, &c.ReleasedAt, &c.RefundedAt,
			&c.PayeeAccountRef,
		); err != nil {
			return nil, fmt.Errorf("escrow: scan claimed row: %w", err)
		}
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate claimed rows: %w", err)
	}
	return claimed, nil
}

// FinalizeRelease moves releasing -> released after a successful capture.
func (r *Repository) FinalizeRelease(ctx context.Context, id string) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = 'released', released_at = now(), claimed_at = NULL
		WHERE id = $1 AND status = 'releasing'
		RETURNING` + columns

	return r.conditional(ctx, query, id)
}

// RevertToPaid is the compensating transition for a failed capture: the row
// becomes eligible again on the next scheduled pass.
func (r *Repository) RevertToPaid(ctx context.Context, id string) error {
	const query = `
		UPDATE escrow_transactions
		SET status = 'paid', claimed_at = NULL
		WHERE id = $1 AND status = 'releasing'
	`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("escrow: revert to paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// ClaimForResolution moves disputed -> resolving, closing the race between
// two admins resolving the same dispute.
func (r *Repository) ClaimForResolution(ctx context.Context, id string) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = 'resolving', claimed_at = now()
		WHERE id = $1 AND status = 'disputed'
		RETURNING` + columns

	return r.conditional(ctx, query, id)
}

// FinalizeResolution moves resolving -> released or refunded and stamps the
// matching terminal timestamp, inside the caller's transaction so the
// dispute row update commits with it.
func (r *Repository) FinalizeResolution(ctx context.Context, tx pgx.Tx, id string, target Status) (Transaction, error) {
	var query string
	switch target {
	case StatusReleased:
		query = `
			UPDATE escrow_transactions
			SET status = 'released', released_at = now(), claimed_at = NULL
			WHERE id = $1 AND status = 'resolving'
			RETURNING` + columns
	case StatusRefunded:
		query = `
			UPDATE escrow_transactions
			SET status = 'refunded', refunded_at = now(), claimed_at = NULL
			WHERE id = $1 AND status = 'resolving'
			RETURNING` + columns
	default:
		return Transaction{}, fmt.Errorf("escrow: finalize resolution to %s: %w", target, ErrStateConflict)
	}

	return r.conditionalTx(ctx, tx, query, id)
}

// RevertToDisputed is the compensating transition when a gateway call fails
// mid-resolution.
func (r *Repository) RevertToDisputed(ctx context.Context, id string) error {
	const query = `
		UPDATE escrow_transactions
		SET status = 'disputed', claimed_at = NULL
		WHERE id = $1 AND status = 'resolving'
	`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("escrow: revert to disputed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	return nil
}

// MarkDisputed moves paid -> disputed inside the caller's transaction; the
// dispute row insert shares the commit.
func (r *Repository) MarkDisputed(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = 'disputed'
		WHERE id = $1 AND status = 'paid'
		RETURNING` + columns

	return r.conditionalTx(ctx, tx, query, id)
}

// ReapedClaim identifies one transaction forced out of a stale claim.
type ReapedClaim struct {
	ID   string
	From Status
}

// ReapStuckClaims forces rows parked in an intermediate claim state for
// longer than olderThan back to their pre-claim status, reopening any
// dispute that was mid-resolution. Returns the reaped rows.
func (r *Repository) ReapStuckClaims(ctx context.Context, olderThan time.Duration) ([]ReapedClaim, error) {
	cutoff := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: reap begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var reaped []ReapedClaim

	rows, err := tx.Query(ctx, `
		UPDATE escrow_transactions
		SET status = 'paid', claimed_at = NULL
		WHERE status = 'releasing' AND claimed_at < now() - $1::interval
		RETURNING id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("escrow: reap releasing: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("escrow: reap scan: %w", err)
		}
		reaped = append(reaped, ReapedClaim{ID: id, From: StatusReleasing})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: reap releasing rows: %w", err)
	}

	rows, err = tx.Query(ctx, `
		WITH reaped AS (
		    UPDATE escrow_transactions
		    SET status = 'disputed', claimed_at = NULL
		    WHERE status = 'resolving' AND claimed_at < now() - $1::interval
		    RETURNING id
		), reopened AS (
		    UPDATE disputes d
		    SET status = 'open', updated_at = now()
		    FROM reaped
		    WHERE d.transaction_id = reaped.id AND d.status = 'resolving'
		)
		SELECT id FROM reaped
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("escrow: reap resolving: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("escrow: reap scan: %w", err)
		}
		reaped = append(reaped, ReapedClaim{ID: id, From: StatusResolving})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: reap resolving rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("escrow: reap commit: %w", err)
	}
	return reaped, nil
}

func (r *Repository) conditional(ctx context.Context, query, id string) (Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, r.classifyMiss(ctx, id)
		}
		return Transaction{}, fmt.Errorf("escrow: conditional update: %w", err)
	}
	return t, nil
}

func (r *Repository) conditionalTx(ctx context.Context, tx pgx.Tx, query, id string) (Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if checkErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
				return Transaction{}, fmt.Errorf("escrow: conditional miss check: %w", checkErr)
			}
			if !exists {
				return Transaction{}, ErrNotFound
			}
			return Transaction{}, ErrNotClaimable
		}
		return Transaction{}, fmt.Errorf("escrow: conditional update: %w", err)
	}
	return t, nil
}

func (r *Repository) classifyMiss(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("escrow: conditional miss check: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotClaimable
}
