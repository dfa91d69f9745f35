package expiry

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/db"
	"agentmarket/deal"
)

// TestExpireStale_Integration runs the sweep statements against a real
// PostgreSQL via DATABASE_URL.
func TestExpireStale_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mustInsert := func(query string, args ...any) string {
		var id string
		if err := pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			t.Fatalf("seed statement failed: %v", err)
		}
		return id
	}

	suffix := time.Now().UnixNano()
	agentA := mustInsert(`INSERT INTO agents (name, api_key_hash) VALUES ($1, 'x') RETURNING id::text`, fmt.Sprintf("sweep-a-%d", suffix))
	agentB := mustInsert(`INSERT INTO agents (name, api_key_hash) VALUES ($1, 'x') RETURNING id::text`, fmt.Sprintf("sweep-b-%d", suffix))
	category := fmt.Sprintf("sweep-%d", suffix)
	offer := mustInsert(`INSERT INTO listings (agent_id, side, category) VALUES ($1, 'offering', $2) RETURNING id::text`, agentA, category)
	seek := mustInsert(`INSERT INTO listings (agent_id, side, category) VALUES ($1, 'seeking', $2) RETURNING id::text`, agentB, category)
	lo, hi := offer, seek
	if hi < lo {
		lo, hi = hi, lo
	}

	stale := mustInsert(`
        INSERT INTO matches (listing_a_id, listing_b_id, overlap, status, created_at, expires_at)
        VALUES ($1, $2, '{}'::jsonb, 'negotiating', now() - interval '10 days', now() - interval '3 days')
        RETURNING id::text
    `, lo, hi)

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM messages WHERE match_id = $1`, stale)
		pool.Exec(ctx2, `DELETE FROM matches WHERE id = $1`, stale)
		pool.Exec(ctx2, `DELETE FROM listings WHERE id IN ($1, $2)`, offer, seek)
		pool.Exec(ctx2, `DELETE FROM agents WHERE id IN ($1, $2)`, agentA, agentB)
	})

	store := NewStore()
	cutoff := time.Now().Add(-9 * 24 * time.Hour)
	statuses := deal.ExpirableStatuses()

	preview, err := store.Stale(ctx, pool, statuses, cutoff, 500)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if !contains(preview, stale) {
		t.Fatalf("expected %s in preview, got %d rows", stale, len(preview))
	}

	expired, err := store.Expire(ctx, pool, statuses, cutoff, 500, "Deal expired after 216 hours without approval")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	var got *ExpiredDeal
	for i := range expired {
		if expired[i].MatchID == stale {
			got = &expired[i]
		}
	}
	if got == nil {
		t.Fatalf("expected %s to expire", stale)
	}
	if got.PreviousStatus != deal.StatusNegotiating {
		t.Fatalf("expected previous status negotiating, got %s", got.PreviousStatus)
	}
	if got.AgentAID == "" || got.AgentBID == "" {
		t.Fatalf("expected agent ids, got %+v", got)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM matches WHERE id = $1`, stale).Scan(&status); err != nil {
		t.Fatalf("inspect match: %v", err)
	}
	if status != "expired" {
		t.Fatalf("expected status expired, got %s", status)
	}

	var content string
	var sender *string
	if err := pool.QueryRow(ctx, `SELECT content, sender_agent_id::text FROM messages WHERE match_id = $1 AND message_type = 'system'`, stale).Scan(&content, &sender); err != nil {
		t.Fatalf("inspect system message: %v", err)
	}
	if sender != nil {
		t.Fatalf("expected sweep message without sender, got %s", *sender)
	}
	if content != "Deal expired after 216 hours without approval (was negotiating)" {
		t.Fatalf("unexpected system message %q", content)
	}

	again, err := store.Expire(ctx, pool, statuses, cutoff, 500, "again")
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if contains(again, stale) {
		t.Fatalf("expected %s to expire only once", stale)
	}
}

func contains(rows []ExpiredDeal, matchID string) bool {
	for _, r := range rows {
		if r.MatchID == matchID {
			return true
		}
	}
	return false
}
