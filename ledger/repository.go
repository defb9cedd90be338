package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateEvent signals the external event id was already recorded;
// the caller must treat the whole operation as an idempotent replay.
var ErrDuplicateEvent = errors.New("ledger: duplicate external event id")

// Repository appends and queries audit rows. It never updates or deletes.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertSQL = `
INSERT INTO audit_log
    (transaction_id, event_type, actor, actor_id, status_before, status_after,
     amount_cents, external_event_id, metadata)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)
`

// Append writes one entry using the pool.
func (r *Repository) Append(ctx context.Context, e Entry) error {
	_, err := r.pool.Exec(ctx, insertSQL, args(e)...)
	return wrapAppend(err)
}

// AppendTx writes one entry inside the caller's transaction so the audit row
// commits or rolls back together with the transition it describes.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, e Entry) error {
	_, err := tx.Exec(ctx, insertSQL, args(e)...)
	return wrapAppend(err)
}

func args(e Entry) []any {
	md := e.Metadata
	if md == nil {
		md = map[string]any{}
	}
	body, err := json.Marshal(md)
	if err != nil {
		body = []byte("{}")
	}
	return []any{
		e.TransactionID,
		string(e.EventType),
		string(e.Actor),
		e.ActorID,
		e.StatusBefore,
		e.StatusAfter,
		e.AmountCents,
		e.ExternalEventID,
		body,
	}
}

func wrapAppend(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateEvent
	}
	return fmt.Errorf("ledger: append: %w", err)
}

// CountRecentByActor counts entries of one event type written by an actor
// since the cutoff. Rate limiting is backed by this query so the limit holds
// across process replicas without shared memory.
func (r *Repository) CountRecentByActor(ctx context.Context, actorID string, event EventType, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM audit_log
		WHERE actor_id = $1 AND event_type = $2 AND created_at > now() - $3::interval
	`

	var count int
	interval := fmt.Sprintf("%d seconds", int(window.Seconds()))
	if err := r.pool.QueryRow(ctx, query, actorID, string(event), interval).Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: count recent by actor: %w", err)
	}
	return count, nil
}

// ListByTransaction returns a transaction's entries in append order.
func (r *Repository) ListByTransaction(ctx context.Context, transactionID string) ([]Entry, error) {
	const query = `
		SELECT id, transaction_id, event_type, actor,
		       COALESCE(actor_id, ''), COALESCE(status_before, ''), COALESCE(status_after, ''),
		       amount_cents, external_event_id, metadata, created_at
		FROM audit_log
		WHERE transaction_id = $1
		ORDER BY id ASC
	`

	rows, err := r.pool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by transaction: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 8)
	for rows.Next() {
		var (
			e    Entry
			body []byte
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.EventType, &e.Actor,
			&e.ActorID, &e.StatusBefore, &e.StatusAfter,
			&e.AmountCents, &e.ExternalEventID, &body, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &e.Metadata); err != nil {
				return nil, fmt.Errorf("ledger: decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return entries, nil
}
