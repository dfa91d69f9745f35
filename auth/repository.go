package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agentmarket/apperr"
	"agentmarket/db"
)

// ErrAgentNotFound signals that the agent does not exist.
var ErrAgentNotFound = apperr.New(apperr.NotFound, "auth: agent not found")

// Repository handles data access for authentication.
type Repository interface {
	CreateAgent(ctx context.Context, params CreateAgentParams) (Agent, error)
	GetAgent(ctx context.Context, agentID string) (Agent, error)
}

// CreateAgentParams contains write parameters for creating agents.
type CreateAgentParams struct {
	Name       string
	Role       Role
	APIKeyHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const agentColumns = `id::text, name, role, api_key_hash, created_at, updated_at`

func (r *PGRepository) CreateAgent(ctx context.Context, params CreateAgentParams) (Agent, error) {
	insertSQL := `
		INSERT INTO agents (name, role, api_key_hash)
		VALUES ($1, $2, $3)
		RETURNING ` + agentColumns

	agent, err := scanAgent(r.pool.QueryRow(ctx, insertSQL, params.Name, string(params.Role), params.APIKeyHash))
	if err != nil {
		return Agent{}, fmt.Errorf("auth: create agent: %w", err)
	}
	return agent, nil
}

func (r *PGRepository) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	selectSQL := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`

	agent, err := scanAgent(r.pool.QueryRow(ctx, selectSQL, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidInput(err) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, fmt.Errorf("auth: get agent: %w", err)
	}
	return agent, nil
}

func scanAgent(row pgx.Row) (Agent, error) {
	var agent Agent
	if err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Role,
		&agent.APIKeyHash,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return Agent{}, err
	}
	return agent, nil
}
