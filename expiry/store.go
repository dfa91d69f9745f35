package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agentmarket/db"
	"agentmarket/deal"
)

// ExpiredDeal is one match selected by a sweep.
type ExpiredDeal struct {
	MatchID        string      `json:"match_id"`
	AgentAID       string      `json:"agent_a_id"`
	AgentBID       string      `json:"agent_b_id"`
	PreviousStatus deal.Status `json:"previous_status"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Store interface {
	// Stale lists expirable matches created before cutoff without locking them.
	Stale(ctx context.Context, q db.Querier, statuses []deal.Status, cutoff time.Time, limit int) ([]ExpiredDeal, error)
	// Expire moves up to limit stale matches to expired, skipping rows other
	// transactions hold, and appends a system message to each.
	Expire(ctx context.Context, q db.Querier, statuses []deal.Status, cutoff time.Time, limit int, note string) ([]ExpiredDeal, error)
}

type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

func (s *PGStore) Stale(ctx context.Context, q db.Querier, statuses []deal.Status, cutoff time.Time, limit int) ([]ExpiredDeal, error) {
	query := `
		SELECT m.id::text, la.agent_id::text, lb.agent_id::text, m.status, m.created_at
		FROM matches m
		JOIN listings la ON la.id = m.listing_a_id
		JOIN listings lb ON lb.id = m.listing_b_id
		WHERE m.status = ANY($1::text[]) AND m.created_at < $2
		ORDER BY m.created_at, m.id
		LIMIT $3`

	rows, err := q.Query(ctx, query, statusStrings(statuses), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("expiry: select stale: %w", err)
	}
	return collect(rows)
}

func (s *PGStore) Expire(ctx context.Context, q db.Querier, statuses []deal.Status, cutoff time.Time, limit int, note string) ([]ExpiredDeal, error) {
	query := `
		WITH stale AS (
			SELECT m.id, m.status
			FROM matches m
			WHERE m.status = ANY($1::text[]) AND m.created_at < $2
			ORDER BY m.created_at, m.id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), expired AS (
			UPDATE matches m
			SET status = 'expired', updated_at = now()
			FROM stale
			WHERE m.id = stale.id
			RETURNING m.id, m.listing_a_id, m.listing_b_id, m.created_at, stale.status AS previous
		), notes AS (
			INSERT INTO messages (match_id, sender_agent_id, content, message_type)
			SELECT e.id, NULL, $4 || ' (was ' || e.previous || ')', 'system'
			FROM expired e
		)
		SELECT e.id::text, la.agent_id::text, lb.agent_id::text, e.previous, e.created_at
		FROM expired e
		JOIN listings la ON la.id = e.listing_a_id
		JOIN listings lb ON lb.id = e.listing_b_id
		ORDER BY e.created_at, e.id`

	rows, err := q.Query(ctx, query, statusStrings(statuses), cutoff, limit, note)
	if err != nil {
		return nil, fmt.Errorf("expiry: expire stale: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]ExpiredDeal, error) {
	defer rows.Close()

	out := make([]ExpiredDeal, 0, 16)
	for rows.Next() {
		var d ExpiredDeal
		if err := rows.Scan(&d.MatchID, &d.AgentAID, &d.AgentBID, &d.PreviousStatus, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("expiry: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expiry: iterate: %w", err)
	}
	return out, nil
}

func statusStrings(in []deal.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
