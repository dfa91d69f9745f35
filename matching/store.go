package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"agentmarket/apperr"
	"agentmarket/db"
)

var (
	ErrMatchNotFound = apperr.New(apperr.NotFound, "matching: match not found")
	ErrDuplicatePair = apperr.New(apperr.Conflict, "matching: match already exists for pair")
)

// Match is the stored record for one canonical listing pair.
type Match struct {
	ID         string
	ListingAID string
	ListingBID string
	Overlap    Overlap
	Status     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type Store interface {
	FindByPair(ctx context.Context, q db.Querier, listingAID, listingBID string) (Match, error)
	Insert(ctx context.Context, q db.Querier, m Match) (Match, error)
}

type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

const matchColumns = `id::text, listing_a_id::text, listing_b_id::text, overlap, status, created_at, expires_at`

func (s *PGStore) FindByPair(ctx context.Context, q db.Querier, listingAID, listingBID string) (Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches WHERE listing_a_id = $1 AND listing_b_id = $2`
	m, err := scanMatch(q.QueryRow(ctx, query, listingAID, listingBID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrMatchNotFound
		}
		return Match{}, fmt.Errorf("matching: find by pair: %w", err)
	}
	return m, nil
}

// Insert creates a match in the initial status. Losing the pair uniqueness
// race returns ErrDuplicatePair.
func (s *PGStore) Insert(ctx context.Context, q db.Querier, m Match) (Match, error) {
	query := `
		INSERT INTO matches (listing_a_id, listing_b_id, overlap, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + matchColumns

	created, err := scanMatch(q.QueryRow(ctx, query, m.ListingAID, m.ListingBID, m.Overlap, m.ExpiresAt))
	if err != nil {
		if db.IsUniqueViolation(err, "matches_pair_unique") {
			return Match{}, ErrDuplicatePair
		}
		return Match{}, fmt.Errorf("matching: insert: %w", err)
	}
	return created, nil
}

func scanMatch(row pgx.Row) (Match, error) {
	var m Match
	if err := row.Scan(&m.ID, &m.ListingAID, &m.ListingBID, &m.Overlap, &m.Status, &m.CreatedAt, &m.ExpiresAt); err != nil {
		return Match{}, err
	}
	return m, nil
}
