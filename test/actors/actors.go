package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Payer creates pending escrow transactions and confirms their payment via
// the webhook path: an audit row with a unique external event id commits
// together with the pending -> paid flip. Some confirmations are replayed
// with the same event id to exercise the idempotency guard.
func Payer(ctx context.Context, pool *pgxpool.Pool, payerID, payeeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(1000 + rand.Intn(100000))
		commission := (amount*1000 + 5000) / 10000
		var txnID string
		err := pool.QueryRow(ctx, `
			INSERT INTO escrow_transactions
				(id, request_id, payee_id, payer_id, payer_email,
				 amount_total_cents, commission_rate_bps, commission_cents, payout_cents,
				 gateway_ref, status, release_due_at)
			VALUES (gen_random_uuid(), gen_random_uuid()::text, $1, $2, 'stress@example.com',
				$3, 1000, $4, $5, 'hold_stress', 'pending', now() - interval '1 minute')
			RETURNING id
		`, payeeID, payerID, amount, commission, amount-commission).Scan(&txnID)
		if err != nil {
			return fmt.Errorf("payer insert: %w", err)
		}

		eventID := fmt.Sprintf("evt-%s", txnID)
		replays := 1 + rand.Intn(2)
		for i := 0; i < replays; i++ {
			if err := confirmPayment(ctx, pool, txnID, eventID); err != nil {
				return err
			}
		}

		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

func confirmPayment(ctx context.Context, pool *pgxpool.Pool, txnID, eventID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (transaction_id, event_type, actor, status_before, status_after, external_event_id)
		VALUES ($1, 'paid', 'system', 'pending', 'paid', $2)
	`, txnID, eventID)
	if err != nil {
		if isUnique(err) {
			// replay; expected
			return nil
		}
		return fmt.Errorf("payer audit insert: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE escrow_transactions SET status = 'paid', paid_at = now()
		WHERE id = $1 AND status = 'pending'
	`, txnID)
	if err != nil {
		return fmt.Errorf("payer mark paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// lost to a concurrent confirmation; roll back the audit row too
		return nil
	}
	return tx.Commit(ctx)
}

// ReleaserReplica mimics one release worker: claim a due batch with SKIP
// LOCKED, call a flaky fake gateway, then finalize or revert. Several
// replicas run concurrently with no coordination besides the claim.
func ReleaserReplica(ctx context.Context, pool *pgxpool.Pool, failRate int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		rows, err := pool.Query(ctx, `
			UPDATE escrow_transactions
			SET status = 'releasing', claimed_at = now()
			WHERE id IN (
				SELECT id FROM escrow_transactions
				WHERE status = 'paid' AND release_due_at <= now()
				ORDER BY release_due_at
				LIMIT 5
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, payee_id, amount_total_cents
		`)
		if err != nil {
			return fmt.Errorf("releaser claim: %w", err)
		}
		type claim struct {
			id     string
			payee  string
			amount int64
		}
		var claims []claim
		for rows.Next() {
			var c claim
			if err := rows.Scan(&c.id, &c.payee, &c.amount); err != nil {
				rows.Close()
				return err
			}
			claims = append(claims, c)
		}
		rows.Close()

		for _, c := range claims {
			// fake gateway latency and failures
			time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
			if rand.Intn(100) < failRate {
				_, err = pool.Exec(ctx, `
					UPDATE escrow_transactions SET status = 'paid', claimed_at = NULL
					WHERE id = $1 AND status = 'releasing'
				`, c.id)
				if err != nil {
					return fmt.Errorf("releaser revert: %w", err)
				}
				continue
			}

			tag, err := pool.Exec(ctx, `
				UPDATE escrow_transactions SET status = 'released', released_at = now(), claimed_at = NULL
				WHERE id = $1 AND status = 'releasing'
			`, c.id)
			if err != nil {
				return fmt.Errorf("releaser finalize: %w", err)
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `
				INSERT INTO audit_log (transaction_id, event_type, actor, status_before, status_after, amount_cents)
				VALUES ($1, 'released', 'system', 'releasing', 'released', $2)
			`, c.id, c.amount)
			_, _ = pool.Exec(ctx, `
				UPDATE partners SET completed_count = completed_count + 1 WHERE id = $1
			`, c.payee)
		}

		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer freezes random paid transactions. The partial unique index on
// active disputes and the conditional paid -> disputed flip are the only
// protection against double-freezing under contention.
func Disputer(ctx context.Context, pool *pgxpool.Pool, customerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var txnID string
		err := pool.QueryRow(ctx, `
			SELECT id FROM escrow_transactions WHERE status = 'paid' ORDER BY random() LIMIT 1
		`).Scan(&txnID)
		if err == nil {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			_, insErr := tx.Exec(ctx, `
				INSERT INTO disputes (transaction_id, opened_by_role, opened_by_id, reason)
				VALUES ($1, 'customer', $2, 'stress dispute')
			`, txnID, customerID)
			if insErr == nil {
				tag, updErr := tx.Exec(ctx, `
					UPDATE escrow_transactions SET status = 'disputed'
					WHERE id = $1 AND status = 'paid'
				`, txnID)
				if updErr == nil && tag.RowsAffected() == 1 {
					_, _ = tx.Exec(ctx, `
						INSERT INTO audit_log (transaction_id, event_type, actor, actor_id, status_before, status_after)
						VALUES ($1, 'dispute_opened', 'customer', $2, 'paid', 'disputed')
					`, txnID, customerID)
					_ = tx.Commit(ctx)
				}
			} else if !isUnique(insErr) {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("disputer insert: %w", insErr)
			}
			_ = tx.Rollback(ctx)
		}

		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Resolver plays an admin working through open disputes: claim the
// transaction (disputed -> resolving), move the dispute row in lock-step,
// then either finalize to a terminal outcome or fail and compensate.
func Resolver(ctx context.Context, pool *pgxpool.Pool, adminID string, failRate int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var disputeID, txnID string
		err := pool.QueryRow(ctx, `
			SELECT id, transaction_id FROM disputes WHERE status = 'open' ORDER BY random() LIMIT 1
		`).Scan(&disputeID, &txnID)
		if err == nil {
			if err := resolveOne(ctx, pool, disputeID, txnID, adminID, failRate); err != nil {
				return err
			}
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

func resolveOne(ctx context.Context, pool *pgxpool.Pool, disputeID, txnID, adminID string, failRate int) error {
	tag, err := pool.Exec(ctx, `
		UPDATE escrow_transactions SET status = 'resolving', claimed_at = now()
		WHERE id = $1 AND status = 'disputed'
	`, txnID)
	if err != nil {
		return fmt.Errorf("resolver claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	tag, err = pool.Exec(ctx, `
		UPDATE disputes SET status = 'resolving' WHERE id = $1 AND status = 'open'
	`, disputeID)
	if err != nil || tag.RowsAffected() == 0 {
		_, _ = pool.Exec(ctx, `
			UPDATE escrow_transactions SET status = 'disputed', claimed_at = NULL
			WHERE id = $1 AND status = 'resolving'
		`, txnID)
		return err
	}

	// fake gateway call
	time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
	if rand.Intn(100) < failRate {
		_, _ = pool.Exec(ctx, `
			UPDATE escrow_transactions SET status = 'disputed', claimed_at = NULL
			WHERE id = $1 AND status = 'resolving'
		`, txnID)
		_, _ = pool.Exec(ctx, `
			UPDATE disputes SET status = 'open' WHERE id = $1 AND status = 'resolving'
		`, disputeID)
		return nil
	}

	target := "refunded"
	disputeStatus := "resolved_customer"
	resolution := "full_refund"
	if rand.Intn(2) == 0 {
		target = "released"
		disputeStatus = "resolved_partner"
		resolution = "release_to_partner"
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err = tx.Exec(ctx, `
		UPDATE escrow_transactions SET status = $2::escrow_status, claimed_at = NULL,
			released_at = CASE WHEN $2 = 'released' THEN now() ELSE released_at END,
			refunded_at = CASE WHEN $2 = 'refunded' THEN now() ELSE refunded_at END
		WHERE id = $1 AND status = 'resolving'
	`, txnID, target)
	if err != nil || tag.RowsAffected() == 0 {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE disputes SET status = $2, resolution = $3, resolved_by = $4, resolved_at = now()
		WHERE id = $1 AND status = 'resolving'
	`, disputeID, disputeStatus, resolution, adminID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_log (transaction_id, event_type, actor, actor_id, status_before, status_after)
		VALUES ($1, 'dispute_resolved', 'admin', $2, 'resolving', $3)
	`, txnID, adminID, target); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
