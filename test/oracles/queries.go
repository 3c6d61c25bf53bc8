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
			Name: "O1_single_contract_per_negotiation",
			SQL: `SELECT negotiation_id, COUNT(*) FROM contracts
                  GROUP BY negotiation_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_contract_link_consistent",
			SQL: `SELECT n.id FROM negotiations n
                  LEFT JOIN contracts c ON c.id = n.contract_id
                  WHERE (n.status = 'both_agreed') <> (n.contract_id IS NOT NULL)
                     OR (n.contract_id IS NOT NULL AND (c.id IS NULL OR c.negotiation_id <> n.id))`,
		},
		{
			Name: "O3_contract_requires_both_flags",
			SQL: `SELECT c.id FROM contracts c
                  JOIN negotiations n ON n.id = c.negotiation_id
                  WHERE NOT (n.client_agreed AND n.worker_agreed)`,
		},
		{
			Name: "O4_terminal_states_exclusive",
			SQL: `SELECT id FROM contracts
                  WHERE completed_at IS NOT NULL AND cancelled_at IS NOT NULL`,
		},
		{
			Name: "O5_status_stamp_consistency",
			SQL: `SELECT id, status FROM contracts
                  WHERE (status = 'completed' AND (completed_at IS NULL OR client_confirmed_at IS NULL
                                                   OR worker_completed_at IS NULL OR start_date IS NULL))
                     OR (status = 'cancelled' AND cancelled_at IS NULL)
                     OR (status IN ('in_progress', 'awaiting_client_confirmation') AND start_date IS NULL)
                     OR (status = 'awaiting_client_confirmation' AND worker_completed_at IS NULL)`,
		},
		{
			Name: "O6_feedback_only_on_completed",
			SQL: `SELECT id, status FROM contracts
                  WHERE (client_rating IS NOT NULL OR worker_rating IS NOT NULL)
                    AND status <> 'completed'`,
		},
		{
			Name: "O7_feedback_stamps_paired",
			SQL: `SELECT id FROM contracts
                  WHERE (client_rating IS NULL) <> (client_feedback_at IS NULL)
                     OR (worker_rating IS NULL) <> (worker_feedback_at IS NULL)`,
		},
		{
			Name: "O8_outbox_drained",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_timeline_negotiation_exists",
			SQL: `SELECT e.id FROM timeline_events e
                  LEFT JOIN negotiations n ON n.id = e.negotiation_id
                  WHERE n.id IS NULL`,
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
