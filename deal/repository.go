package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agentmarket/db"
)

type Repository interface {
	Get(ctx context.Context, q db.Querier, matchID string) (Deal, error)
	GetForUpdate(ctx context.Context, q db.Querier, matchID string) (Deal, error)
	ListForAgent(ctx context.Context, q db.Querier, agentID string, status Status) ([]Deal, error)
	UpdateStatus(ctx context.Context, q db.Querier, matchID string, status Status) (Deal, error)

	AppendMessage(ctx context.Context, q db.Querier, m Message) (Message, error)
	ListMessages(ctx context.Context, q db.Querier, matchID string) ([]Message, error)

	UpsertApproval(ctx context.Context, q db.Querier, a Approval) error
	ListApprovals(ctx context.Context, q db.Querier, matchID string) ([]Approval, error)
	ClearApprovals(ctx context.Context, q db.Querier, matchID string) error

	InsertCompletion(ctx context.Context, q db.Querier, c Completion) error
	ListCompletions(ctx context.Context, q db.Querier, matchID string) ([]Completion, error)
	ClearCompletions(ctx context.Context, q db.Querier, matchID string) error
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const dealSelect = `
	SELECT m.id::text, m.listing_a_id::text, m.listing_b_id::text,
	       la.agent_id::text, lb.agent_id::text, la.category,
	       m.overlap, m.status, m.created_at, m.updated_at, m.expires_at
	FROM matches m
	JOIN listings la ON la.id = m.listing_a_id
	JOIN listings lb ON lb.id = m.listing_b_id`

func (r *PGRepository) Get(ctx context.Context, q db.Querier, matchID string) (Deal, error) {
	return r.get(ctx, q, dealSelect+` WHERE m.id = $1`, matchID, "get")
}

// GetForUpdate locks the match row for the rest of the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, q db.Querier, matchID string) (Deal, error) {
	return r.get(ctx, q, dealSelect+` WHERE m.id = $1 FOR UPDATE OF m`, matchID, "get for update")
}

func (r *PGRepository) get(ctx context.Context, q db.Querier, query, matchID, op string) (Deal, error) {
	d, err := scanDeal(q.QueryRow(ctx, query, matchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidInput(err) {
			return Deal{}, ErrMatchNotFound
		}
		return Deal{}, fmt.Errorf("deal: %s: %w", op, err)
	}
	return d, nil
}

func (r *PGRepository) ListForAgent(ctx context.Context, q db.Querier, agentID string, status Status) ([]Deal, error) {
	query := dealSelect + `
	WHERE (la.agent_id = $1 OR lb.agent_id = $1)
	  AND ($2 = '' OR m.status = $2)
	ORDER BY m.created_at DESC, m.id`

	rows, err := q.Query(ctx, query, agentID, string(status))
	if err != nil {
		return nil, fmt.Errorf("deal: list for agent: %w", err)
	}
	defer rows.Close()

	out := make([]Deal, 0, 8)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan deal: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate deals: %w", err)
	}
	return out, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, q db.Querier, matchID string, status Status) (Deal, error) {
	tag, err := q.Exec(ctx, `UPDATE matches SET status = $2, updated_at = now() WHERE id = $1`, matchID, string(status))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Deal{}, ErrMatchNotFound
	}
	return r.Get(ctx, q, matchID)
}

func (r *PGRepository) AppendMessage(ctx context.Context, q db.Querier, m Message) (Message, error) {
	const query = `
		INSERT INTO messages (match_id, sender_agent_id, content, message_type, proposed_terms)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id::text, match_id::text, sender_agent_id::text, content, message_type, proposed_terms, created_at
	`
	var terms any
	if len(m.ProposedTerms) > 0 {
		terms = m.ProposedTerms
	}
	row := q.QueryRow(ctx, query, m.MatchID, m.SenderAgentID, m.Content, string(m.Type), terms)
	out, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("deal: append message: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListMessages(ctx context.Context, q db.Querier, matchID string) ([]Message, error) {
	const query = `
		SELECT id::text, match_id::text, sender_agent_id::text, content, message_type, proposed_terms, created_at
		FROM messages
		WHERE match_id = $1
		ORDER BY created_at, id
	`
	rows, err := q.Query(ctx, query, matchID)
	if err != nil {
		return nil, fmt.Errorf("deal: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate messages: %w", err)
	}
	return out, nil
}

// UpsertApproval records the agent's latest vote.
func (r *PGRepository) UpsertApproval(ctx context.Context, q db.Querier, a Approval) error {
	const query = `
		INSERT INTO approvals (match_id, agent_id, approved, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (match_id, agent_id)
		DO UPDATE SET approved = EXCLUDED.approved, updated_at = EXCLUDED.updated_at
	`
	if _, err := q.Exec(ctx, query, a.MatchID, a.AgentID, a.Approved); err != nil {
		return fmt.Errorf("deal: upsert approval: %w", err)
	}
	return nil
}

func (r *PGRepository) ListApprovals(ctx context.Context, q db.Querier, matchID string) ([]Approval, error) {
	rows, err := q.Query(ctx, `SELECT match_id::text, agent_id::text, approved FROM approvals WHERE match_id = $1 ORDER BY agent_id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("deal: list approvals: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Approval, error) {
		var a Approval
		err := row.Scan(&a.MatchID, &a.AgentID, &a.Approved)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("deal: scan approvals: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ClearApprovals(ctx context.Context, q db.Querier, matchID string) error {
	if _, err := q.Exec(ctx, `DELETE FROM approvals WHERE match_id = $1`, matchID); err != nil {
		return fmt.Errorf("deal: clear approvals: %w", err)
	}
	return nil
}

func (r *PGRepository) ClearCompletions(ctx context.Context, q db.Querier, matchID string) error {
	if _, err := q.Exec(ctx, `DELETE FROM deal_completions WHERE match_id = $1`, matchID); err != nil {
		return fmt.Errorf("deal: clear completions: %w", err)
	}
	return nil
}

// InsertCompletion records a confirmation. A second confirmation by the same
// agent returns ErrAlreadyConfirmed.
func (r *PGRepository) InsertCompletion(ctx context.Context, q db.Querier, c Completion) error {
	const query = `
		INSERT INTO deal_completions (match_id, agent_id, evidence)
		VALUES ($1, $2, $3)
		ON CONFLICT (match_id, agent_id) DO NOTHING
	`
	tag, err := q.Exec(ctx, query, c.MatchID, c.AgentID, c.Evidence)
	if err != nil {
		if db.IsUniqueViolation(err, "deal_completions_pkey") {
			return ErrAlreadyConfirmed
		}
		return fmt.Errorf("deal: insert completion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyConfirmed
	}
	return nil
}

func (r *PGRepository) ListCompletions(ctx context.Context, q db.Querier, matchID string) ([]Completion, error) {
	rows, err := q.Query(ctx, `SELECT match_id::text, agent_id::text, evidence, created_at FROM deal_completions WHERE match_id = $1 ORDER BY created_at`, matchID)
	if err != nil {
		return nil, fmt.Errorf("deal: list completions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Completion, error) {
		var c Completion
		err := row.Scan(&c.MatchID, &c.AgentID, &c.Evidence, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("deal: scan completions: %w", err)
	}
	return out, nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var d Deal
	if err := row.Scan(
		&d.ID,
		&d.ListingAID,
		&d.ListingBID,
		&d.AgentAID,
		&d.AgentBID,
		&d.Category,
		&d.Overlap,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.ExpiresAt,
	); err != nil {
		return Deal{}, err
	}
	return d, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.MatchID, &m.SenderAgentID, &m.Content, &m.Type, &m.ProposedTerms, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	return m, nil
}
