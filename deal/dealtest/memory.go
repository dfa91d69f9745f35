// Package dealtest holds an in-memory deal.Repository for service tests.
package dealtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentmarket/db"
	"agentmarket/deal"
)

type Memory struct {
	mu          sync.Mutex
	deals       map[string]deal.Deal
	messages    []deal.Message
	approvals   map[string]map[string]bool
	completions map[string][]deal.Completion
	seq         int
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		deals:       map[string]deal.Deal{},
		approvals:   map[string]map[string]bool{},
		completions: map[string][]deal.Completion{},
		now:         time.Now,
	}
}

// Seed stores d as is.
func (m *Memory) Seed(d deal.Deal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals[d.ID] = d
}

func (m *Memory) Status(id string) deal.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deals[id].Status
}

// Messages returns the messages of a match in insertion order.
func (m *Memory) Messages(matchID string) []deal.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []deal.Message
	for _, msg := range m.messages {
		if msg.MatchID == matchID {
			out = append(out, msg)
		}
	}
	return out
}

// SystemMessages returns only system-typed messages of a match.
func (m *Memory) SystemMessages(matchID string) []deal.Message {
	var out []deal.Message
	for _, msg := range m.Messages(matchID) {
		if msg.Type == deal.MessageSystem {
			out = append(out, msg)
		}
	}
	return out
}

func (m *Memory) Get(_ context.Context, _ db.Querier, id string) (deal.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrMatchNotFound
	}
	return d, nil
}

func (m *Memory) GetForUpdate(ctx context.Context, q db.Querier, id string) (deal.Deal, error) {
	return m.Get(ctx, q, id)
}

func (m *Memory) ListForAgent(_ context.Context, _ db.Querier, agentID string, status deal.Status) ([]deal.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []deal.Deal
	for _, d := range m.deals {
		if !d.IsParticipant(agentID) {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, _ db.Querier, id string, status deal.Status) (deal.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return deal.Deal{}, deal.ErrMatchNotFound
	}
	d.Status = status
	d.UpdatedAt = m.now()
	m.deals[id] = d
	return d, nil
}

func (m *Memory) AppendMessage(_ context.Context, _ db.Querier, msg deal.Message) (deal.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg.ID = fmt.Sprintf("msg-%d", m.seq)
	msg.CreatedAt = m.now()
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, _ db.Querier, matchID string) ([]deal.Message, error) {
	return m.Messages(matchID), nil
}

func (m *Memory) UpsertApproval(_ context.Context, _ db.Querier, a deal.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	votes, ok := m.approvals[a.MatchID]
	if !ok {
		votes = map[string]bool{}
		m.approvals[a.MatchID] = votes
	}
	votes[a.AgentID] = a.Approved
	return nil
}

func (m *Memory) ListApprovals(_ context.Context, _ db.Querier, matchID string) ([]deal.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]deal.Approval, 0, 2)
	for agent, ok := range m.approvals[matchID] {
		out = append(out, deal.Approval{MatchID: matchID, AgentID: agent, Approved: ok})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) ClearApprovals(_ context.Context, _ db.Querier, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.approvals, matchID)
	return nil
}

func (m *Memory) InsertCompletion(_ context.Context, _ db.Querier, c deal.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.completions[c.MatchID] {
		if existing.AgentID == c.AgentID {
			return deal.ErrAlreadyConfirmed
		}
	}
	c.CreatedAt = m.now()
	m.completions[c.MatchID] = append(m.completions[c.MatchID], c)
	return nil
}

func (m *Memory) ListCompletions(_ context.Context, _ db.Querier, matchID string) ([]deal.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]deal.Completion(nil), m.completions[matchID]...), nil
}

func (m *Memory) ClearCompletions(_ context.Context, _ db.Querier, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.completions, matchID)
	return nil
}

var _ deal.Repository = (*Memory)(nil)
