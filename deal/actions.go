package deal

import (
	"context"
	"fmt"
	"strings"

	"agentmarket/apperr"
	"agentmarket/db"
	"agentmarket/notify"
)

type SendMessageParams struct {
	MatchID       string         `validate:"required"`
	AgentID       string         `validate:"required"`
	Content       string         `validate:"required,max=10000"`
	Type          MessageType    `validate:"required,oneof=negotiation proposal"`
	ProposedTerms map[string]any `validate:"-"`
}

type MessageResult struct {
	Message Message `json:"message"`
	Deal    Deal    `json:"deal"`
}

// SendMessage appends a negotiation or proposal message. The first
// negotiation message moves a fresh match to negotiating; a proposal moves
// the deal to proposed and discards votes cast on any earlier proposal.
func (s *Service) SendMessage(ctx context.Context, p SendMessageParams) (MessageResult, error) {
	p.Content = strings.TrimSpace(p.Content)
	if p.Type == "" {
		p.Type = MessageNegotiation
	}
	if err := validate.Struct(p); err != nil {
		return MessageResult{}, apperr.FromValidator("deal: message", err)
	}
	if p.Type == MessageProposal && len(p.ProposedTerms) == 0 {
		return MessageResult{}, ErrTermsRequired
	}
	if p.Type == MessageNegotiation {
		p.ProposedTerms = nil
	}

	action := ActionMessage
	if p.Type == MessageProposal {
		action = ActionPropose
	}

	var sent Message
	res, err := s.Apply(ctx, ApplyParams{
		MatchID: p.MatchID,
		AgentID: p.AgentID,
		Action:  action,
		Step: func(ctx context.Context, q db.Querier, d Deal) (Step, error) {
			sender := p.AgentID
			msg, err := s.repo.AppendMessage(ctx, q, Message{
				MatchID:       d.ID,
				SenderAgentID: &sender,
				Content:       p.Content,
				Type:          p.Type,
				ProposedTerms: p.ProposedTerms,
			})
			if err != nil {
				return Step{}, err
			}
			sent = msg

			to := d.Counterpart(p.AgentID)
			if p.Type == MessageProposal {
				if err := s.repo.ClearApprovals(ctx, q, d.ID); err != nil {
					return Step{}, err
				}
				if err := s.repo.ClearCompletions(ctx, q, d.ID); err != nil {
					return Step{}, err
				}
				return Step{
					Next: StatusProposed,
					Note: "Proposal submitted; awaiting approval from both parties",
					Notify: []notify.Notification{{
						AgentID: to, Type: notify.TypeDealProposed, MatchID: d.ID, FromAgentID: p.AgentID,
						Summary: "New proposal: " + summarize(p.Content),
					}},
				}, nil
			}

			step := Step{Notify: []notify.Notification{{
				AgentID: to, Type: notify.TypeMessageReceived, MatchID: d.ID, FromAgentID: p.AgentID,
				Summary: summarize(p.Content),
			}}}
			if d.Status == StatusMatched {
				step.Next = StatusNegotiating
				step.Note = "Negotiation started"
			}
			return step, nil
		},
	})
	if err != nil {
		return MessageResult{}, err
	}
	return MessageResult{Message: sent, Deal: res.Deal}, nil
}

type VoteParams struct {
	MatchID string `validate:"required"`
	AgentID string `validate:"required"`
}

type VoteResult struct {
	Deal      Deal       `json:"deal"`
	Approvals []Approval `json:"approvals"`
}

// Approve records the agent's approval of the current proposal. The deal is
// approved once both participants approve; any standing rejection rejects it.
func (s *Service) Approve(ctx context.Context, p VoteParams) (VoteResult, error) {
	return s.vote(ctx, p, true)
}

// Reject records a rejection, which ends the deal.
func (s *Service) Reject(ctx context.Context, p VoteParams) (VoteResult, error) {
	return s.vote(ctx, p, false)
}

func (s *Service) vote(ctx context.Context, p VoteParams, approved bool) (VoteResult, error) {
	if err := validate.Struct(p); err != nil {
		return VoteResult{}, apperr.FromValidator("deal: vote", err)
	}
	action := ActionApprove
	if !approved {
		action = ActionReject
	}

	var approvals []Approval
	res, err := s.Apply(ctx, ApplyParams{
		MatchID: p.MatchID,
		AgentID: p.AgentID,
		Action:  action,
		Step: func(ctx context.Context, q db.Querier, d Deal) (Step, error) {
			if err := s.repo.UpsertApproval(ctx, q, Approval{MatchID: d.ID, AgentID: p.AgentID, Approved: approved}); err != nil {
				return Step{}, err
			}
			votes, err := s.repo.ListApprovals(ctx, q, d.ID)
			if err != nil {
				return Step{}, err
			}
			approvals = votes
			return tallyVotes(d, p.AgentID, votes), nil
		},
	})
	if err != nil {
		return VoteResult{}, err
	}
	return VoteResult{Deal: res.Deal, Approvals: approvals}, nil
}

// tallyVotes decides the outcome of the votes cast so far.
func tallyVotes(d Deal, voter string, votes []Approval) Step {
	to := d.Counterpart(voter)
	yes := map[string]bool{}
	for _, v := range votes {
		if !d.IsParticipant(v.AgentID) {
			continue
		}
		if !v.Approved {
			return Step{
				Next: StatusRejected,
				Note: fmt.Sprintf("Proposal rejected by agent %s", v.AgentID),
				Notify: []notify.Notification{{
					AgentID: to, Type: notify.TypeDealRejected, MatchID: d.ID, FromAgentID: voter,
					Summary: "The proposal was rejected",
				}},
			}
		}
		yes[v.AgentID] = true
	}

	if yes[d.AgentAID] && yes[d.AgentBID] {
		return Step{
			Next: StatusApproved,
			Note: "Proposal approved by both parties",
			Notify: []notify.Notification{
				{AgentID: d.AgentAID, Type: notify.TypeDealApproved, MatchID: d.ID, FromAgentID: voter, Summary: "Deal approved by both parties"},
				{AgentID: d.AgentBID, Type: notify.TypeDealApproved, MatchID: d.ID, FromAgentID: voter, Summary: "Deal approved by both parties"},
			},
		}
	}
	return Step{Notify: []notify.Notification{{
		AgentID: to, Type: notify.TypeDealApproved, MatchID: d.ID, FromAgentID: voter,
		Summary: "Counterpart approved the proposal; your approval is pending",
	}}}
}

type StartParams struct {
	MatchID string `validate:"required"`
	AgentID string `validate:"required"`
}

// Start begins work on an approved deal.
func (s *Service) Start(ctx context.Context, p StartParams) (Deal, error) {
	if err := validate.Struct(p); err != nil {
		return Deal{}, apperr.FromValidator("deal: start", err)
	}
	res, err := s.Apply(ctx, ApplyParams{
		MatchID: p.MatchID,
		AgentID: p.AgentID,
		Action:  ActionStart,
		Step: func(_ context.Context, _ db.Querier, d Deal) (Step, error) {
			return Step{
				Next: StatusInProgress,
				Note: fmt.Sprintf("Deal started by agent %s", p.AgentID),
				Notify: []notify.Notification{{
					AgentID: d.Counterpart(p.AgentID), Type: notify.TypeDealStarted, MatchID: d.ID, FromAgentID: p.AgentID,
					Summary: "Work on the deal has started",
				}},
			}, nil
		},
	})
	if err != nil {
		return Deal{}, err
	}
	return res.Deal, nil
}

type CompleteParams struct {
	MatchID  string `validate:"required"`
	AgentID  string `validate:"required"`
	Evidence string `validate:"required,max=10000"`
}

type CompleteResult struct {
	Deal          Deal `json:"deal"`
	Confirmations int  `json:"confirmations"`
	Completed     bool `json:"completed"`
}

// Complete records the agent's confirmation that the work is done. The deal
// completes when both participants have confirmed.
func (s *Service) Complete(ctx context.Context, p CompleteParams) (CompleteResult, error) {
	p.Evidence = strings.TrimSpace(p.Evidence)
	if err := validate.Struct(p); err != nil {
		return CompleteResult{}, apperr.FromValidator("deal: complete", err)
	}

	confirmations := 0
	res, err := s.Apply(ctx, ApplyParams{
		MatchID: p.MatchID,
		AgentID: p.AgentID,
		Action:  ActionComplete,
		Step: func(ctx context.Context, q db.Querier, d Deal) (Step, error) {
			if err := s.repo.InsertCompletion(ctx, q, Completion{MatchID: d.ID, AgentID: p.AgentID, Evidence: p.Evidence}); err != nil {
				return Step{}, err
			}
			done, err := s.repo.ListCompletions(ctx, q, d.ID)
			if err != nil {
				return Step{}, err
			}
			confirmed := map[string]bool{}
			for _, c := range done {
				if d.IsParticipant(c.AgentID) {
					confirmed[c.AgentID] = true
				}
			}
			confirmations = len(confirmed)

			if confirmed[d.AgentAID] && confirmed[d.AgentBID] {
				return Step{
					Next: StatusCompleted,
					Note: "Deal completed; both parties confirmed",
					Notify: []notify.Notification{
						{AgentID: d.AgentAID, Type: notify.TypeDealCompleted, MatchID: d.ID, FromAgentID: p.AgentID, Summary: "Deal completed"},
						{AgentID: d.AgentBID, Type: notify.TypeDealCompleted, MatchID: d.ID, FromAgentID: p.AgentID, Summary: "Deal completed"},
					},
				}, nil
			}
			return Step{Notify: []notify.Notification{{
				AgentID: d.Counterpart(p.AgentID), Type: notify.TypeDealCompletionRequested, MatchID: d.ID, FromAgentID: p.AgentID,
				Summary: "Counterpart confirmed completion; please confirm",
			}}}, nil
		},
	})
	if err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{
		Deal:          res.Deal,
		Confirmations: confirmations,
		Completed:     res.Deal.Status == StatusCompleted,
	}, nil
}

type CancelParams struct {
	MatchID string `validate:"required"`
	AgentID string `validate:"required"`
	Reason  string `validate:"max=2000"`
}

// Cancel ends a deal that has not been approved yet.
func (s *Service) Cancel(ctx context.Context, p CancelParams) (Deal, error) {
	p.Reason = strings.TrimSpace(p.Reason)
	if err := validate.Struct(p); err != nil {
		return Deal{}, apperr.FromValidator("deal: cancel", err)
	}
	res, err := s.Apply(ctx, ApplyParams{
		MatchID: p.MatchID,
		AgentID: p.AgentID,
		Action:  ActionCancel,
		Step: func(_ context.Context, _ db.Querier, d Deal) (Step, error) {
			note := fmt.Sprintf("Deal cancelled by agent %s", p.AgentID)
			if p.Reason != "" {
				note += ": " + p.Reason
			}
			return Step{
				Next: StatusCancelled,
				Note: note,
				Notify: []notify.Notification{{
					AgentID: d.Counterpart(p.AgentID), Type: notify.TypeDealCancelled, MatchID: d.ID, FromAgentID: p.AgentID,
					Summary: note,
				}},
			}, nil
		},
	})
	if err != nil {
		return Deal{}, err
	}
	return res.Deal, nil
}

func summarize(s string) string {
	const limit = 140
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
