// Package dispute handles the disputed branch of a deal: filing against an
// in-progress deal and resolving back to a deal status.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"agentmarket/apperr"
	"agentmarket/db"
	"agentmarket/deal"
	"agentmarket/notify"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Transitioner runs a step under the deal's transition rules.
type Transitioner interface {
	Apply(ctx context.Context, p deal.ApplyParams) (deal.ApplyResult, error)
	Get(ctx context.Context, matchID, agentID string) (deal.Deal, error)
}

type Service struct {
	pool  db.Querier
	repo  Repository
	deals Transitioner
	log   *zap.Logger
	now   func() time.Time
}

func NewService(pool db.Querier, repo Repository, deals Transitioner, log *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{pool: pool, repo: repo, deals: deals, log: log, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type FileParams struct {
	MatchID string `validate:"required"`
	AgentID string `validate:"required"`
	Reason  string `validate:"required,max=4000"`
}

type FileResult struct {
	Dispute Record    `json:"dispute"`
	Deal    deal.Deal `json:"deal"`
}

// File opens a dispute against an in-progress deal and moves it to disputed.
func (s *Service) File(ctx context.Context, p FileParams) (FileResult, error) {
	p.Reason = strings.TrimSpace(p.Reason)
	if err := validate.Struct(p); err != nil {
		return FileResult{}, apperr.FromValidator("dispute: file", err)
	}

	var rec Record
	res, err := s.deals.Apply(ctx, deal.ApplyParams{
		MatchID: p.MatchID,
		AgentID: p.AgentID,
		Action:  deal.ActionDispute,
		Step: func(ctx context.Context, q db.Querier, d deal.Deal) (deal.Step, error) {
			if _, err := s.repo.GetOpen(ctx, q, d.ID); err == nil {
				return deal.Step{}, ErrOpenDisputeExists
			} else if !errors.Is(err, ErrNotFound) {
				return deal.Step{}, err
			}
			created, err := s.repo.Create(ctx, q, Record{MatchID: d.ID, FiledByAgentID: p.AgentID, Reason: p.Reason})
			if err != nil {
				return deal.Step{}, err
			}
			rec = created
			return deal.Step{
				Next: deal.StatusDisputed,
				Note: fmt.Sprintf("Dispute opened by agent %s: %s", p.AgentID, p.Reason),
				Notify: []notify.Notification{{
					AgentID: d.Counterpart(p.AgentID), Type: notify.TypeDisputeOpened, MatchID: d.ID, FromAgentID: p.AgentID,
					Summary: "A dispute was opened on this deal",
				}},
			}, nil
		},
	})
	if err != nil {
		return FileResult{}, err
	}
	s.log.Info("dispute opened", zap.String("dispute_id", rec.ID), zap.String("match_id", p.MatchID), zap.String("agent_id", p.AgentID))
	return FileResult{Dispute: rec, Deal: res.Deal}, nil
}

type ResolveParams struct {
	MatchID    string     `validate:"required"`
	AgentID    string     `validate:"required"`
	Resolution Resolution `validate:"required"`
	Note       string     `validate:"max=4000"`
}

type ResolveResult struct {
	Dispute    Record      `json:"dispute"`
	DealStatus deal.Status `json:"deal_status"`
	Deal       deal.Deal   `json:"deal"`
}

// Resolve closes the open dispute on a match. Either participant may
// resolve; the resolution decides the deal's next status.
func (s *Service) Resolve(ctx context.Context, p ResolveParams) (ResolveResult, error) {
	p.Note = strings.TrimSpace(p.Note)
	if err := validate.Struct(p); err != nil {
		return ResolveResult{}, apperr.FromValidator("dispute: resolve", err)
	}
	target, ok := DealStatus(p.Resolution)
	if !ok {
		return ResolveResult{}, apperr.Wrapf(ErrBadResolution, "%q; expected one of resolved_complete, resolved_refund, resolved_split, dismissed", p.Resolution)
	}

	var rec Record
	res, err := s.deals.Apply(ctx, deal.ApplyParams{
		MatchID: p.MatchID,
		AgentID: p.AgentID,
		Action:  deal.ActionResolveDispute,
		Step: func(ctx context.Context, q db.Querier, d deal.Deal) (deal.Step, error) {
			open, err := s.repo.GetOpen(ctx, q, d.ID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return deal.Step{}, ErrNoOpenDispute
				}
				return deal.Step{}, err
			}
			var note *string
			if p.Note != "" {
				note = &p.Note
			}
			resolved, err := s.repo.Resolve(ctx, q, open.ID, p.Resolution, p.AgentID, note, s.now().UTC())
			if err != nil {
				return deal.Step{}, err
			}
			rec = resolved

			content := fmt.Sprintf("Dispute %s by agent %s", p.Resolution, p.AgentID)
			if p.Note != "" {
				content += ": " + p.Note
			}
			return deal.Step{
				Next: target,
				Note: content,
				Notify: []notify.Notification{{
					AgentID: d.Counterpart(p.AgentID), Type: notify.TypeDisputeResolved, MatchID: d.ID, FromAgentID: p.AgentID,
					Summary: content,
				}},
			}, nil
		},
	})
	if err != nil {
		return ResolveResult{}, err
	}
	s.log.Info("dispute resolved",
		zap.String("dispute_id", rec.ID),
		zap.String("match_id", p.MatchID),
		zap.String("resolution", string(p.Resolution)),
		zap.String("deal_status", string(res.Deal.Status)))
	return ResolveResult{Dispute: rec, DealStatus: res.Deal.Status, Deal: res.Deal}, nil
}

// List returns every dispute on a match the agent participates in.
func (s *Service) List(ctx context.Context, matchID, agentID string) ([]Record, error) {
	if _, err := s.deals.Get(ctx, matchID, agentID); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, s.pool, matchID)
}
