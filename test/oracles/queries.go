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

// All returns the ledger invariants as queries that select violating rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_dispute",
			SQL: `SELECT transaction_id, COUNT(*) FROM disputes
                  WHERE status <> 'resolved'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_active_dispute_holds_funds",
			SQL: `SELECT d.id, t.status FROM disputes d
                  JOIN escrow_transactions t ON t.id = d.transaction_id
                  WHERE d.status <> 'resolved' AND t.status NOT IN ('in_escrow','delivered')`,
		},
		{
			Name: "O3_resolved_dispute_settles",
			SQL: `SELECT d.id, t.status FROM disputes d
                  JOIN escrow_transactions t ON t.id = d.transaction_id
                  WHERE d.status = 'resolved' AND t.status NOT IN ('completed','refunded')`,
		},
		{
			Name: "O4_delivered_has_tracking",
			SQL: `SELECT id FROM escrow_transactions
                  WHERE status = 'delivered' AND (tracking_number IS NULL OR delivered_at IS NULL)`,
		},
		{
			Name: "O5_shipped_once",
			SQL: `SELECT transaction_id, COUNT(*) FROM ledger_events
                  WHERE type = 'transaction.shipped'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_fee_frozen_at_capture",
			SQL: `SELECT id, status, escrow_fee FROM escrow_transactions
                  WHERE (status = 'pending') <> (escrow_fee = 0)
                     OR (status <> 'pending' AND captured_at IS NULL)`,
		},
		{
			Name: "O7_refund_bounds",
			SQL: `SELECT id, status, amount, refunded_amount FROM escrow_transactions
                  WHERE (status = 'refunded' AND refunded_amount <> amount)
                     OR (status <> 'refunded' AND refunded_amount >= amount)
                     OR (status IN ('completed','refunded')) <> (completed_at IS NOT NULL)`,
		},
		{
			Name: "O8_outbox_mirrors_events",
			SQL: `SELECT e.id FROM ledger_events e
                  LEFT JOIN outbox o ON o.payload->>'event_id' = e.id
                  WHERE o.id IS NULL`,
		},
		{
			Name: "O9_stale_outbox",
			SQL: `SELECT id::text FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_tracking_trigger_present",
			SQL: `SELECT 'missing_tracking_immutable_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'escrow_tracking_number_immutable')`,
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
