package deal

import (
	"time"

	"agentmarket/apperr"
	"agentmarket/matching"
)

var (
	ErrMatchNotFound    = apperr.New(apperr.NotFound, "deal: match not found")
	ErrForbidden        = apperr.New(apperr.Forbidden, "deal: agent is not a participant")
	ErrInvalidState     = apperr.New(apperr.Conflict, "deal: invalid state")
	ErrMatchExpired     = apperr.New(apperr.Conflict, "deal: match expired")
	ErrAlreadyConfirmed = apperr.New(apperr.Conflict, "deal: completion already confirmed by agent")
	ErrTermsRequired    = apperr.New(apperr.Validation, "deal: proposal requires proposed_terms")
)

// Deal is a match together with the agents that own its two listings.
type Deal struct {
	ID         string           `json:"id"`
	ListingAID string           `json:"listing_a_id"`
	ListingBID string           `json:"listing_b_id"`
	AgentAID   string           `json:"agent_a_id"`
	AgentBID   string           `json:"agent_b_id"`
	Category   string           `json:"category"`
	Overlap    matching.Overlap `json:"overlap"`
	Status     Status           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

func (d Deal) IsParticipant(agentID string) bool {
	return agentID != "" && (agentID == d.AgentAID || agentID == d.AgentBID)
}

// Counterpart returns the other participant, or "" if agentID is not one.
func (d Deal) Counterpart(agentID string) string {
	switch agentID {
	case d.AgentAID:
		return d.AgentBID
	case d.AgentBID:
		return d.AgentAID
	default:
		return ""
	}
}

type MessageType string

const (
	MessageNegotiation MessageType = "negotiation"
	MessageProposal    MessageType = "proposal"
	MessageSystem      MessageType = "system"
)

type Message struct {
	ID            string         `json:"id"`
	MatchID       string         `json:"match_id"`
	SenderAgentID *string        `json:"sender_agent_id"`
	Content       string         `json:"content"`
	Type          MessageType    `json:"message_type"`
	ProposedTerms map[string]any `json:"proposed_terms,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type Approval struct {
	MatchID  string `json:"match_id"`
	AgentID  string `json:"agent_id"`
	Approved bool   `json:"approved"`
}

type Completion struct {
	MatchID   string    `json:"match_id"`
	AgentID   string    `json:"agent_id"`
	Evidence  string    `json:"evidence"`
	CreatedAt time.Time `json:"created_at"`
}
