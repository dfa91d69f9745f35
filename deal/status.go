package deal

import (
	"fmt"
	"slices"
	"strings"

	"agentmarket/apperr"
)

type Status string

const (
	StatusMatched     Status = "matched"
	StatusNegotiating Status = "negotiating"
	StatusProposed    Status = "proposed"
	StatusApproved    Status = "approved"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusRejected    Status = "rejected"
	StatusExpired     Status = "expired"
	StatusCancelled   Status = "cancelled"
	StatusDisputed    Status = "disputed"
)

// Terminal reports whether no action can move the deal out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

type Action string

const (
	ActionMessage        Action = "message"
	ActionPropose        Action = "propose"
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionStart          Action = "start"
	ActionComplete       Action = "complete"
	ActionCancel         Action = "cancel"
	ActionDispute        Action = "dispute"
	ActionResolveDispute Action = "resolve_dispute"
	ActionExpire         Action = "expire"
)

// Rule describes where an action may be taken and where it may lead. Stay
// allows the action to leave the status unchanged. A non-empty Moves limits
// the statuses from which the action may change status at all.
type Rule struct {
	From  []Status
	To    []Status
	Stay  bool
	Moves []Status
}

var preApproval = []Status{StatusMatched, StatusNegotiating, StatusProposed}

// transitions is the complete deal state machine. Any (action, status) pair
// absent here is rejected before the action runs.
var transitions = map[Action]Rule{
	ActionMessage: {
		From:  []Status{StatusMatched, StatusNegotiating, StatusProposed, StatusApproved, StatusInProgress, StatusDisputed},
		To:    []Status{StatusNegotiating},
		Stay:  true,
		Moves: []Status{StatusMatched},
	},
	// A disputed deal takes no proposals until the dispute is resolved;
	// moving it to proposed would leave the open dispute without a deal.
	ActionPropose: {
		From: []Status{StatusMatched, StatusNegotiating, StatusProposed, StatusApproved, StatusInProgress},
		To:   []Status{StatusProposed},
	},
	ActionApprove: {
		From: []Status{StatusProposed},
		To:   []Status{StatusApproved, StatusRejected},
		Stay: true,
	},
	ActionReject: {
		From: []Status{StatusProposed},
		To:   []Status{StatusRejected},
	},
	ActionStart: {
		From: []Status{StatusApproved},
		To:   []Status{StatusInProgress},
	},
	ActionComplete: {
		From: []Status{StatusInProgress},
		To:   []Status{StatusCompleted},
		Stay: true,
	},
	ActionCancel: {
		From: preApproval,
		To:   []Status{StatusCancelled},
	},
	ActionDispute: {
		From: []Status{StatusInProgress},
		To:   []Status{StatusDisputed},
	},
	ActionResolveDispute: {
		From: []Status{StatusDisputed},
		To:   []Status{StatusCompleted, StatusCancelled, StatusInProgress},
	},
	ActionExpire: {
		From: preApproval,
		To:   []Status{StatusExpired},
	},
}

// RuleFor returns the rule for action.
func RuleFor(action Action) (Rule, bool) {
	r, ok := transitions[action]
	return r, ok
}

// CanApply reports whether action may be taken while the deal is in from.
func CanApply(action Action, from Status) bool {
	r, ok := transitions[action]
	return ok && slices.Contains(r.From, from)
}

// Permits reports whether action may move the deal from one status to another.
func Permits(action Action, from, to Status) bool {
	r, ok := transitions[action]
	if !ok || !slices.Contains(r.From, from) {
		return false
	}
	if from == to && r.Stay {
		return true
	}
	if len(r.Moves) > 0 && !slices.Contains(r.Moves, from) {
		return false
	}
	return slices.Contains(r.To, to)
}

// Check returns a state-conflict error naming the current status and the
// statuses the action requires.
func Check(action Action, from Status) error {
	r, ok := transitions[action]
	if !ok {
		return apperr.Errorf(apperr.Validation, "deal: unknown action %q", action)
	}
	if slices.Contains(r.From, from) {
		return nil
	}
	return apperr.Wrapf(ErrInvalidState, "cannot %s while status is %s; requires one of [%s]",
		action, from, joinStatuses(r.From))
}

// ExpirableStatuses lists the statuses the expiry sweeper may move to expired.
func ExpirableStatuses() []Status {
	return slices.Clone(transitions[ActionExpire].From)
}

func joinStatuses(in []Status) string {
	parts := make([]string, len(in))
	for i, s := range in {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func (a Action) String() string { return string(a) }

func (s Status) String() string { return string(s) }

func (r Rule) String() string {
	return fmt.Sprintf("%s -> %s (stay=%t)", joinStatuses(r.From), joinStatuses(r.To), r.Stay)
}
