package dispute

import (
	"time"

	"agentmarket/apperr"
	"agentmarket/deal"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen             Status = "open"
	StatusResolvedRefund   Status = "resolved_refund"
	StatusResolvedComplete Status = "resolved_complete"
	StatusResolvedSplit    Status = "resolved_split"
	StatusDismissed        Status = "dismissed"
)

// Resolution is the closing status chosen by the resolving agent.
type Resolution = Status

// DealStatus maps a resolution to the status the deal returns to.
func DealStatus(r Resolution) (deal.Status, bool) {
	switch r {
	case StatusResolvedComplete, StatusResolvedSplit:
		return deal.StatusCompleted, true
	case StatusResolvedRefund:
		return deal.StatusCancelled, true
	case StatusDismissed:
		return deal.StatusInProgress, true
	default:
		return "", false
	}
}

var (
	ErrNotFound          = apperr.New(apperr.NotFound, "dispute: not found")
	ErrOpenDisputeExists = apperr.New(apperr.Conflict, "dispute: an open dispute already exists for this match")
	ErrNoOpenDispute     = apperr.New(apperr.Conflict, "dispute: no open dispute for this match")
	ErrBadResolution     = apperr.New(apperr.Validation, "dispute: unknown resolution")
)

// Record mirrors the disputes table.
type Record struct {
	ID             string     `json:"id"`
	MatchID        string     `json:"match_id"`
	FiledByAgentID string     `json:"filed_by_agent_id"`
	Reason         string     `json:"reason"`
	Status         Status     `json:"status"`
	ResolvedBy     *string    `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote *string    `json:"resolution_note,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
