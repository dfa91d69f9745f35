package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agentmarket/db"
)

type Repository interface {
	Create(ctx context.Context, q db.Querier, rec Record) (Record, error)
	GetOpen(ctx context.Context, q db.Querier, matchID string) (Record, error)
	Resolve(ctx context.Context, q db.Querier, id string, status Status, by string, note *string, at time.Time) (Record, error)
	List(ctx context.Context, q db.Querier, matchID string) ([]Record, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const disputeColumns = `id::text, match_id::text, filed_by_agent_id::text, reason, status, resolved_by::text, resolved_at, resolution_note, created_at`

func (r *PGRepository) Create(ctx context.Context, q db.Querier, rec Record) (Record, error) {
	query := `
		INSERT INTO disputes (match_id, filed_by_agent_id, reason, status)
		VALUES ($1, $2, $3, 'open')
		RETURNING ` + disputeColumns

	out, err := scanRecord(q.QueryRow(ctx, query, rec.MatchID, rec.FiledByAgentID, rec.Reason))
	if err != nil {
		if db.IsUniqueViolation(err, "disputes_one_open") {
			return Record{}, ErrOpenDisputeExists
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetOpen(ctx context.Context, q db.Querier, matchID string) (Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE match_id = $1 AND status = 'open'`
	rec, err := scanRecord(q.QueryRow(ctx, query, matchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get open: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Resolve(ctx context.Context, q db.Querier, id string, status Status, by string, note *string, at time.Time) (Record, error) {
	query := `
		UPDATE disputes
		SET status = $2,
		    resolved_by = $3,
		    resolution_note = $4,
		    resolved_at = $5
		WHERE id = $1 AND status = 'open'
		RETURNING ` + disputeColumns

	rec, err := scanRecord(q.QueryRow(ctx, query, id, string(status), by, note, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) List(ctx context.Context, q db.Querier, matchID string) ([]Record, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE match_id = $1 ORDER BY created_at DESC`
	rows, err := q.Query(ctx, query, matchID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	if err := row.Scan(
		&rec.ID,
		&rec.MatchID,
		&rec.FiledByAgentID,
		&rec.Reason,
		&rec.Status,
		&rec.ResolvedBy,
		&rec.ResolvedAt,
		&rec.ResolutionNote,
		&rec.CreatedAt,
	); err != nil {
		return Record{}, err
	}
	return rec, nil
}
