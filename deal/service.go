// Package deal runs the lifecycle of a match from first message to a terminal
// status. Every status change goes through Service.Apply and the transitions
// table.
package deal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"agentmarket/apperr"
	"agentmarket/db"
	"agentmarket/metrics"
	"agentmarket/notify"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Service struct {
	pool     db.Conn
	repo     Repository
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewService(pool db.Conn, repo Repository, notifier notify.Notifier, log *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Step is what an action decided inside the transaction. An empty Next keeps
// the current status.
type Step struct {
	Next   Status
	Note   string
	Notify []notify.Notification
}

// StepFunc performs an action's writes against the locked deal.
type StepFunc func(ctx context.Context, q db.Querier, d Deal) (Step, error)

type ApplyParams struct {
	MatchID string
	AgentID string
	Action  Action
	Step    StepFunc
}

type ApplyResult struct {
	Deal    Deal
	From    Status
	Changed bool
}

// Apply runs one action against a match under its row lock: participant
// check, lazy expiry, transition rule, the action's own writes, then the
// status change and its system message. Notifications go out after commit.
func (s *Service) Apply(ctx context.Context, p ApplyParams) (ApplyResult, error) {
	res, notes, err := s.apply(ctx, p)
	if err != nil {
		kind := apperr.KindOf(err)
		if kind != apperr.Internal {
			metrics.DealActionsRejected.WithLabelValues(string(p.Action), string(kind)).Inc()
		}
		if len(notes) > 0 {
			s.notifier.Dispatch(ctx, notes...)
		}
		return ApplyResult{}, err
	}

	if res.Changed {
		metrics.DealTransitions.WithLabelValues(string(p.Action), string(res.From), string(res.Deal.Status)).Inc()
		s.log.Info("deal transition",
			zap.String("match_id", res.Deal.ID),
			zap.String("agent_id", p.AgentID),
			zap.String("action", string(p.Action)),
			zap.String("from", string(res.From)),
			zap.String("to", string(res.Deal.Status)))
	}
	if len(notes) > 0 {
		s.notifier.Dispatch(ctx, notes...)
	}
	return res, nil
}

func (s *Service) apply(ctx context.Context, p ApplyParams) (ApplyResult, []notify.Notification, error) {
	if p.MatchID == "" {
		return ApplyResult{}, nil, apperr.Errorf(apperr.Validation, "deal: match id required")
	}
	if p.AgentID == "" {
		return ApplyResult{}, nil, apperr.Errorf(apperr.Validation, "deal: agent id required")
	}
	rule, ok := RuleFor(p.Action)
	if !ok {
		return ApplyResult{}, nil, apperr.Errorf(apperr.Validation, "deal: unknown action %q", p.Action)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, nil, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, p.MatchID)
	if err != nil {
		return ApplyResult{}, nil, err
	}
	if !current.IsParticipant(p.AgentID) {
		return ApplyResult{}, nil, apperr.Wrapf(ErrForbidden, "agent %s is not a party to match %s", p.AgentID, p.MatchID)
	}

	if s.pastDeadline(current) {
		notes, err := s.expireLocked(ctx, tx, current)
		if err != nil {
			return ApplyResult{}, nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return ApplyResult{}, nil, fmt.Errorf("deal: commit expiry: %w", err)
		}
		metrics.DealTransitions.WithLabelValues(string(ActionExpire), string(current.Status), string(StatusExpired)).Inc()
		return ApplyResult{}, notes, apperr.Wrapf(ErrMatchExpired, "match %s expired at %s",
			current.ID, current.ExpiresAt.UTC().Format(time.RFC3339))
	}

	if err := Check(p.Action, current.Status); err != nil {
		return ApplyResult{}, nil, err
	}

	step := Step{}
	if p.Step != nil {
		step, err = p.Step(ctx, tx, current)
		if err != nil {
			return ApplyResult{}, nil, err
		}
	}

	next := step.Next
	if next == "" {
		next = current.Status
	}
	if !Permits(p.Action, current.Status, next) {
		return ApplyResult{}, nil, fmt.Errorf("deal: %s may not move %s to %s (%s)", p.Action, current.Status, next, rule)
	}

	result := ApplyResult{Deal: current, From: current.Status}
	if next != current.Status {
		updated, err := s.repo.UpdateStatus(ctx, tx, current.ID, next)
		if err != nil {
			return ApplyResult{}, nil, err
		}
		note := step.Note
		if note == "" {
			note = fmt.Sprintf("Status changed from %s to %s", current.Status, next)
		}
		actor := p.AgentID
		if _, err := s.repo.AppendMessage(ctx, tx, Message{
			MatchID:       current.ID,
			SenderAgentID: &actor,
			Content:       note,
			Type:          MessageSystem,
		}); err != nil {
			return ApplyResult{}, nil, err
		}
		result.Deal = updated
		result.Changed = true
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, nil, fmt.Errorf("deal: commit tx: %w", err)
	}
	return result, step.Notify, nil
}

// pastDeadline reports whether a pre-approval deal outlived its expiry.
func (s *Service) pastDeadline(d Deal) bool {
	return !d.ExpiresAt.IsZero() && s.now().After(d.ExpiresAt) && CanApply(ActionExpire, d.Status)
}

func (s *Service) expireLocked(ctx context.Context, q db.Querier, d Deal) ([]notify.Notification, error) {
	if _, err := s.repo.UpdateStatus(ctx, q, d.ID, StatusExpired); err != nil {
		return nil, err
	}
	if _, err := s.repo.AppendMessage(ctx, q, Message{
		MatchID: d.ID,
		Content: fmt.Sprintf("Deal expired while %s", d.Status),
		Type:    MessageSystem,
	}); err != nil {
		return nil, err
	}
	s.log.Info("deal expired on access", zap.String("match_id", d.ID), zap.String("from", string(d.Status)))
	return ExpiredNotifications(d.ID, d.AgentAID, d.AgentBID), nil
}

// ExpiredNotifications tells both participants that a match expired.
func ExpiredNotifications(matchID, agentA, agentB string) []notify.Notification {
	const summary = "Deal expired without agreement"
	return []notify.Notification{
		{AgentID: agentA, Type: notify.TypeDealExpired, MatchID: matchID, Summary: summary},
		{AgentID: agentB, Type: notify.TypeDealExpired, MatchID: matchID, Summary: summary},
	}
}

// Get returns the deal if agentID participates in it.
func (s *Service) Get(ctx context.Context, matchID, agentID string) (Deal, error) {
	d, err := s.repo.Get(ctx, s.pool, matchID)
	if err != nil {
		return Deal{}, err
	}
	if !d.IsParticipant(agentID) {
		return Deal{}, apperr.Wrapf(ErrForbidden, "agent %s is not a party to match %s", agentID, matchID)
	}
	return d, nil
}

func (s *Service) ListForAgent(ctx context.Context, agentID string, status Status) ([]Deal, error) {
	if status != "" {
		if _, known := statusSet[status]; !known {
			return nil, apperr.Errorf(apperr.Validation, "deal: unknown status %q", status)
		}
	}
	return s.repo.ListForAgent(ctx, s.pool, agentID, status)
}

func (s *Service) ListMessages(ctx context.Context, matchID, agentID string) ([]Message, error) {
	if _, err := s.Get(ctx, matchID, agentID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, s.pool, matchID)
}

var statusSet = map[Status]struct{}{
	StatusMatched: {}, StatusNegotiating: {}, StatusProposed: {}, StatusApproved: {}, StatusInProgress: {},
	StatusCompleted: {}, StatusRejected: {}, StatusExpired: {}, StatusCancelled: {}, StatusDisputed: {},
}
