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
			Name: "O1_one_active_listing",
			SQL: `SELECT agent_id, side, category, COUNT(*) FROM listings
                  WHERE active
                  GROUP BY agent_id, side, category HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_superseded_inactive",
			SQL:  `SELECT id FROM listings WHERE superseded_by IS NOT NULL AND active`,
		},
		{
			Name: "O3_one_match_per_pair",
			SQL: `SELECT LEAST(listing_a_id, listing_b_id), GREATEST(listing_a_id, listing_b_id), COUNT(*)
                  FROM matches
                  GROUP BY 1, 2 HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_match_across_agents",
			SQL: `SELECT m.id FROM matches m
                  JOIN listings la ON la.id = m.listing_a_id
                  JOIN listings lb ON lb.id = m.listing_b_id
                  WHERE la.agent_id = lb.agent_id OR la.side = lb.side OR la.category <> lb.category`,
		},
		{
			Name: "O5_approved_has_both_votes",
			SQL: `SELECT m.id FROM matches m
                  WHERE m.status IN ('approved', 'in_progress', 'disputed')
                    AND (SELECT COUNT(*) FROM approvals a WHERE a.match_id = m.id AND a.approved) < 2`,
		},
		{
			Name: "O6_completed_has_both_confirmations",
			SQL: `SELECT m.id FROM matches m
                  WHERE m.status = 'completed'
                    AND (SELECT COUNT(*) FROM deal_completions c WHERE c.match_id = m.id) < 2
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.match_id = m.id
                                    AND d.status IN ('resolved_complete', 'resolved_split'))`,
		},
		{
			Name: "O7_open_dispute_means_disputed",
			SQL: `SELECT d.match_id FROM disputes d
                  JOIN matches m ON m.id = d.match_id
                  WHERE d.status = 'open' AND m.status <> 'disputed'
                  UNION ALL
                  SELECT m.id FROM matches m
                  WHERE m.status = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.match_id = m.id AND d.status = 'open')`,
		},
		{
			Name: "O8_status_change_logged",
			SQL: `SELECT m.id FROM matches m
                  WHERE m.status <> 'matched'
                    AND NOT EXISTS (SELECT 1 FROM messages s WHERE s.match_id = m.id AND s.message_type = 'system')`,
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
