package listing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agentmarket/db"
)

type Repository interface {
	Insert(ctx context.Context, q db.Querier, l Listing) (Listing, error)
	Get(ctx context.Context, q db.Querier, id string) (Listing, error)
	Retire(ctx context.Context, q db.Querier, agentID string, side Side, category string) ([]string, error)
	MarkSuperseded(ctx context.Context, q db.Querier, ids []string, by string) error
	Deactivate(ctx context.Context, q db.Querier, id string) (Listing, error)
	ListForAgent(ctx context.Context, q db.Querier, agentID string, activeOnly bool) ([]Listing, error)
	ListCandidates(ctx context.Context, q db.Querier, l Listing) ([]Listing, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const listingColumns = `id::text, agent_id::text, side, category, params, description, active, superseded_by::text, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, q db.Querier, l Listing) (Listing, error) {
	query := `
		INSERT INTO listings (id, agent_id, side, category, params, description, active)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, true)
		RETURNING ` + listingColumns

	row := q.QueryRow(ctx, query, l.ID, l.AgentID, l.Side, l.Category, l.Params, l.Description)
	created, err := scanListing(row)
	if err != nil {
		if db.IsUniqueViolation(err, "listings_one_active") {
			return Listing{}, ErrActiveConflict
		}
		if db.IsForeignKeyViolation(err) || db.IsInvalidInput(err) {
			return Listing{}, fmt.Errorf("listing: unknown agent %s: %w", l.AgentID, ErrForbidden)
		}
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Listing, error) {
	row := q.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidInput(err) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return l, nil
}

// Retire deactivates the agent's active listings for (side, category) and
// returns their ids. The UPDATE holds the row locks until the transaction ends.
func (r *PGRepository) Retire(ctx context.Context, q db.Querier, agentID string, side Side, category string) ([]string, error) {
	const query = `
		UPDATE listings
		SET active = false,
		    updated_at = now()
		WHERE agent_id = $1 AND side = $2 AND category = $3 AND active
		RETURNING id::text
	`
	rows, err := q.Query(ctx, query, agentID, side, category)
	if err != nil {
		return nil, fmt.Errorf("listing: retire: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		if db.IsInvalidInput(err) {
			return nil, fmt.Errorf("listing: unknown agent %s: %w", agentID, ErrForbidden)
		}
		return nil, fmt.Errorf("listing: retire: %w", err)
	}
	return ids, nil
}

func (r *PGRepository) MarkSuperseded(ctx context.Context, q db.Querier, ids []string, by string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `UPDATE listings SET superseded_by = $2 WHERE id = ANY($1::uuid[])`, ids, by); err != nil {
		return fmt.Errorf("listing: mark superseded: %w", err)
	}
	return nil
}

func (r *PGRepository) Deactivate(ctx context.Context, q db.Querier, id string) (Listing, error) {
	query := `
		UPDATE listings
		SET active = false,
		    updated_at = CASE WHEN active THEN now() ELSE updated_at END
		WHERE id = $1
		RETURNING ` + listingColumns

	l, err := scanListing(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidInput(err) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: deactivate: %w", err)
	}
	return l, nil
}

func (r *PGRepository) ListForAgent(ctx context.Context, q db.Querier, agentID string, activeOnly bool) ([]Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE agent_id = $1 AND ($2 = false OR active)
		ORDER BY created_at DESC, id`

	rows, err := q.Query(ctx, query, agentID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("listing: list for agent: %w", err)
	}
	return collectListings(rows, "list for agent")
}

// ListCandidates returns active listings on the opposite side in the same
// category, owned by a different agent.
func (r *PGRepository) ListCandidates(ctx context.Context, q db.Querier, l Listing) ([]Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE active
		  AND side = $1
		  AND category = $2
		  AND id <> $3
		  AND agent_id <> $4
		ORDER BY created_at, id`

	rows, err := q.Query(ctx, query, l.Side.Opposite(), l.Category, l.ID, l.AgentID)
	if err != nil {
		return nil, fmt.Errorf("listing: list candidates: %w", err)
	}
	return collectListings(rows, "list candidates")
}

func collectListings(rows pgx.Rows, op string) ([]Listing, error) {
	defer rows.Close()
	out := make([]Listing, 0, 8)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("listing: scan %s: %w", op, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		if db.IsInvalidInput(err) {
			return out, nil
		}
		return nil, fmt.Errorf("listing: iterate %s: %w", op, err)
	}
	return out, nil
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	if err := row.Scan(
		&l.ID,
		&l.AgentID,
		&l.Side,
		&l.Category,
		&l.Params,
		&l.Description,
		&l.Active,
		&l.SupersededBy,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return Listing{}, err
	}
	return l, nil
}
