package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrDuplicate signals the transaction already has an active dispute.
	ErrDuplicate = errors.New("dispute: transaction already disputed")
	// ErrBadStatus signals the dispute is not in the status the operation
	// requires; under contention it means another writer claimed it first.
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `
	id, transaction_id, opened_by_role, opened_by_id, reason, description,
	status, resolution, admin_notes, resolved_by, created_at, updated_at, resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.TransactionID, &rec.OpenedByRole, &rec.OpenedByID,
		&rec.Reason, &rec.Description, &rec.Status, &rec.Resolution,
		&rec.AdminNotes, &rec.ResolvedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
	)
	return rec, err
}

// CreateOpen inserts an open dispute inside the caller's transaction. The
// partial unique index on active disputes is the authoritative guard
// against a duplicate racing past the service's existence check.
func (r *Repository) CreateOpen(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO disputes (transaction_id, opened_by_role, opened_by_id, reason, description, status)
		VALUES ($1, $2, $3, $4, $5, 'open')
		RETURNING` + columns

	created, err := scanRecord(tx.QueryRow(ctx, query,
		rec.TransactionID, rec.OpenedByRole, rec.OpenedByID, rec.Reason, rec.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return created, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	const query = `SELECT` + columns + ` FROM disputes WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get by id: %w", err)
	}
	return rec, nil
}

// GetActiveByTransaction returns the open or resolving dispute for a
// transaction, if any.
func (r *Repository) GetActiveByTransaction(ctx context.Context, transactionID string) (Record, error) {
	const query = `
		SELECT` + columns + `
		FROM disputes
		WHERE transaction_id = $1 AND status IN ('open', 'resolving')
	`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get active by transaction: %w", err)
	}
	return rec, nil
}

// MarkResolving moves open -> resolving conditionally.
func (r *Repository) MarkResolving(ctx context.Context, id string) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = 'resolving', updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING` + columns

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("dispute: mark resolving: %w", err)
	}
	return rec, nil
}

// Resolve finalizes a resolving dispute inside the caller's transaction so
// its terminal status commits together with the transaction's.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, id string, status Status, resolution Resolution, adminNotes, adminID string) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = $2, resolution = $3, admin_notes = NULLIF($4, ''),
		    resolved_by = $5, resolved_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'resolving'
		RETURNING` + columns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, status, string(resolution), adminNotes, adminID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return rec, nil
}

// Reopen is the compensating write for a failed resolution: the dispute
// returns to open so an admin can retry.
func (r *Repository) Reopen(ctx context.Context, id string) error {
	const query = `
		UPDATE disputes
		SET status = 'open', updated_at = now()
		WHERE id = $1 AND status = 'resolving'
	`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("dispute: reopen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBadStatus
	}
	return nil
}

// ListByTransaction returns a transaction's disputes newest first.
func (r *Repository) ListByTransaction(ctx context.Context, transactionID string) ([]Record, error) {
	const query = `
		SELECT` + columns + `
		FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.TransactionID, &rec.OpenedByRole, &rec.OpenedByID,
			&rec.Reason, &rec.Description, &rec.Status, &rec.Resolution,
			&rec.AdminNotes, &rec.ResolvedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
