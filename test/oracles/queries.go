package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_accounting_identity",
			SQL: `SELECT id FROM escrow_transactions
                  WHERE commission_cents + payout_cents <> amount_total_cents`,
		},
		{
			Name: "O2_one_active_dispute",
			SQL: `SELECT transaction_id, COUNT(*) FROM disputes
                  WHERE status IN ('open','resolving')
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_external_event_unique",
			SQL: `SELECT external_event_id, COUNT(*) FROM audit_log
                  WHERE external_event_id IS NOT NULL
                  GROUP BY external_event_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_released_exactly_once",
			SQL: `SELECT transaction_id, COUNT(*) FROM audit_log
                  WHERE event_type = 'released'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_valid_transition_pairs",
			SQL: `SELECT id, status_before, status_after FROM audit_log
                  WHERE event_type NOT IN ('created','transition_rejected')
                    AND status_before IS NOT NULL AND status_after IS NOT NULL
                    AND (status_before, status_after) NOT IN (
                        ('pending','paid'), ('pending','cancelled'),
                        ('paid','releasing'), ('paid','disputed'),
                        ('releasing','released'), ('releasing','paid'),
                        ('disputed','resolving'),
                        ('resolving','released'), ('resolving','refunded'), ('resolving','disputed'))`,
		},
		{
			Name: "O6_dispute_lockstep",
			SQL: `SELECT t.id, t.status::text FROM escrow_transactions t
                  WHERE t.status IN ('disputed','resolving')
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes d
                        WHERE d.transaction_id = t.id AND d.status IN ('open','resolving'))
                  UNION ALL
                  SELECT d.transaction_id, d.status::text FROM disputes d
                  JOIN escrow_transactions t ON t.id = d.transaction_id
                  WHERE (d.status = 'resolved_customer' AND t.status <> 'refunded')
                     OR (d.status = 'resolved_partner' AND t.status <> 'released')`,
		},
		{
			Name: "O7_no_stuck_claims",
			SQL: `SELECT id, status, claimed_at FROM escrow_transactions
                  WHERE status IN ('releasing','resolving')
                    AND claimed_at < now() - interval '5 minutes'`,
		},
		{
			Name: "O8_terminal_immutable",
			SQL: `SELECT id, status_before, status_after FROM audit_log
                  WHERE status_before IN ('released','refunded','cancelled')
                    AND event_type <> 'transition_rejected'`,
		},
		{
			Name: "O9_loyalty_bounded",
			SQL: `SELECT p.id, p.completed_count FROM partners p
                  WHERE p.completed_count > (
                      SELECT COUNT(*) FROM escrow_transactions t
                      WHERE t.payee_id = p.id AND t.status = 'released')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
