package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentmarket/db"
)

type Service struct {
	pool        db.Conn
	repo        Repository
	log         *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

type CreateResult struct {
	Listing    Listing  `json:"listing"`
	Superseded []string `json:"superseded"`
}

func NewService(pool db.Conn, repo Repository, log *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		log:         log,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create stores a new active listing. Any active listing the agent already
// has for the same side and category is deactivated in the same transaction
// and stamped with the new listing's id.
func (s *Service) Create(ctx context.Context, params CreateParams) (CreateResult, error) {
	params, err := normalizeCreate(params)
	if err != nil {
		return CreateResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	retired, err := s.repo.Retire(ctx, tx, params.AgentID, params.Side, params.Category)
	if err != nil {
		return CreateResult{}, err
	}

	created, err := s.repo.Insert(ctx, tx, Listing{
		ID:          s.idGenerator(),
		AgentID:     params.AgentID,
		Side:        params.Side,
		Category:    params.Category,
		Params:      params.Params,
		Description: params.Description,
		Active:      true,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return CreateResult{}, err
	}

	if err := s.repo.MarkSuperseded(ctx, tx, retired, created.ID); err != nil {
		return CreateResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		if db.IsUniqueViolation(err, "listings_one_active") {
			return CreateResult{}, ErrActiveConflict
		}
		return CreateResult{}, fmt.Errorf("listing: commit tx: %w", err)
	}

	s.log.Info("listing created",
		zap.String("listing_id", created.ID),
		zap.String("agent_id", created.AgentID),
		zap.String("side", string(created.Side)),
		zap.String("category", created.Category),
		zap.Strings("superseded", retired),
	)
	return CreateResult{Listing: created, Superseded: retired}, nil
}

func (s *Service) Get(ctx context.Context, id string) (Listing, error) {
	return s.repo.Get(ctx, s.pool, id)
}

func (s *Service) ListForAgent(ctx context.Context, agentID string, activeOnly bool) ([]Listing, error) {
	return s.repo.ListForAgent(ctx, s.pool, agentID, activeOnly)
}

// Deactivate soft-deletes a listing owned by agentID. Deactivating an
// inactive listing returns it unchanged.
func (s *Service) Deactivate(ctx context.Context, id, agentID string) (Listing, error) {
	current, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return Listing{}, err
	}
	if current.AgentID != agentID {
		return Listing{}, ErrForbidden
	}
	if !current.Active {
		return current, nil
	}
	updated, err := s.repo.Deactivate(ctx, s.pool, id)
	if err != nil {
		return Listing{}, err
	}
	s.log.Info("listing deactivated", zap.String("listing_id", id), zap.String("agent_id", agentID))
	return updated, nil
}

// IsNotFound reports whether err means the listing does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
