package deal_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/apperr"
	"agentmarket/db/dbtest"
	"agentmarket/deal"
	"agentmarket/deal/dealtest"
	"agentmarket/notify"
)

const (
	agentA   = "agent-a"
	agentB   = "agent-b"
	outsider = "agent-x"
	matchID  = "match-1"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Dispatch(_ context.Context, ns ...notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ns...)
}

func (r *recordingNotifier) take() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.got
	r.got = nil
	return out
}

type harness struct {
	svc   *deal.Service
	repo  *dealtest.Memory
	pool  *dbtest.Pool
	notes *recordingNotifier
	now   time.Time
}

func newHarness(t *testing.T, status deal.Status) *harness {
	t.Helper()
	h := &harness{
		repo:  dealtest.NewMemory(),
		pool:  &dbtest.Pool{},
		notes: &recordingNotifier{},
		now:   time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	h.repo.Seed(deal.Deal{
		ID:         matchID,
		ListingAID: "listing-1",
		ListingBID: "listing-2",
		AgentAID:   agentA,
		AgentBID:   agentB,
		Category:   "dev",
		Status:     status,
		CreatedAt:  h.now.Add(-time.Hour),
		ExpiresAt:  h.now.Add(7 * 24 * time.Hour),
	})
	h.svc = deal.NewService(h.pool, h.repo, h.notes, nil).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) send(t *testing.T, agent string, typ deal.MessageType, terms map[string]any) deal.MessageResult {
	t.Helper()
	res, err := h.svc.SendMessage(context.Background(), deal.SendMessageParams{
		MatchID: matchID, AgentID: agent, Content: "hello", Type: typ, ProposedTerms: terms,
	})
	require.NoError(t, err)
	return res
}

func TestProposalThenBothApprove(t *testing.T) {
	h := newHarness(t, deal.StatusMatched)
	ctx := context.Background()
	var seen []deal.Status

	seen = append(seen, h.repo.Status(matchID))
	seen = append(seen, h.send(t, agentA, deal.MessageNegotiation, nil).Deal.Status)
	seen = append(seen, h.send(t, agentB, deal.MessageProposal, map[string]any{"rate": 60}).Deal.Status)

	first, err := h.svc.Approve(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentA})
	require.NoError(t, err)
	assert.Equal(t, deal.StatusProposed, first.Deal.Status, "one approval is not enough")

	second, err := h.svc.Approve(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentB})
	require.NoError(t, err)
	seen = append(seen, second.Deal.Status)

	assert.Equal(t, []deal.Status{
		deal.StatusMatched, deal.StatusNegotiating, deal.StatusProposed, deal.StatusApproved,
	}, seen)
	assert.Len(t, second.Approvals, 2)
	assert.Len(t, h.repo.SystemMessages(matchID), 3, "one system message per status change")

	var proposal deal.Message
	for _, m := range h.repo.Messages(matchID) {
		if m.Type == deal.MessageProposal {
			proposal = m
		}
	}
	assert.Equal(t, 60, proposal.ProposedTerms["rate"])
}

func TestRejectionIsFinal(t *testing.T) {
	h := newHarness(t, deal.StatusProposed)
	ctx := context.Background()

	_, err := h.svc.Approve(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentA})
	require.NoError(t, err)

	res, err := h.svc.Reject(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentB})
	require.NoError(t, err)
	assert.Equal(t, deal.StatusRejected, res.Deal.Status)

	_, err = h.svc.Approve(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentB})
	require.ErrorIs(t, err, deal.ErrInvalidState)
	assert.Equal(t, deal.StatusRejected, h.repo.Status(matchID))

	_, err = h.svc.SendMessage(ctx, deal.SendMessageParams{MatchID: matchID, AgentID: agentA, Content: "please?"})
	require.ErrorIs(t, err, deal.ErrInvalidState)
}

func TestApproverMayFlipToReject(t *testing.T) {
	h := newHarness(t, deal.StatusProposed)
	ctx := context.Background()

	_, err := h.svc.Approve(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentA})
	require.NoError(t, err)
	res, err := h.svc.Reject(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentA})
	require.NoError(t, err)
	assert.Equal(t, deal.StatusRejected, res.Deal.Status)
}

func TestNewProposalResetsApprovals(t *testing.T) {
	h := newHarness(t, deal.StatusProposed)
	ctx := context.Background()

	_, err := h.svc.Approve(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentA})
	require.NoError(t, err)

	h.send(t, agentA, deal.MessageProposal, map[string]any{"rate": 65})

	res, err := h.svc.Approve(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentB})
	require.NoError(t, err)
	assert.Equal(t, deal.StatusProposed, res.Deal.Status, "earlier approval belonged to the old proposal")
	assert.Len(t, res.Approvals, 1)
}

func TestProposalDuringWorkReopensApproval(t *testing.T) {
	h := newHarness(t, deal.StatusInProgress)
	ctx := context.Background()

	_, err := h.svc.Complete(ctx, deal.CompleteParams{MatchID: matchID, AgentID: agentA, Evidence: "half done"})
	require.NoError(t, err)

	res := h.send(t, agentB, deal.MessageProposal, map[string]any{"rate": 70})
	assert.Equal(t, deal.StatusProposed, res.Deal.Status)

	completions, err := h.repo.ListCompletions(ctx, nil, matchID)
	require.NoError(t, err)
	assert.Empty(t, completions, "confirmations belonged to the old terms")

	approved, err := h.svc.Approve(ctx, deal.VoteParams{MatchID: matchID, AgentID: agentA})
	require.NoError(t, err)
	assert.Len(t, approved.Approvals, 1)
	assert.Equal(t, deal.StatusProposed, approved.Deal.Status)
}

func TestProposalBlockedWhileDisputed(t *testing.T) {
	h := newHarness(t, deal.StatusDisputed)

	_, err := h.svc.SendMessage(context.Background(), deal.SendMessageParams{
		MatchID: matchID, AgentID: agentA, Content: "new deal", Type: deal.MessageProposal,
		ProposedTerms: map[string]any{"rate": 70},
	})
	require.ErrorIs(t, err, deal.ErrInvalidState)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Equal(t, deal.StatusDisputed, h.repo.Status(matchID))
}

func TestProposalRequiresTerms(t *testing.T) {
	h := newHarness(t, deal.StatusNegotiating)

	_, err := h.svc.SendMessage(context.Background(), deal.SendMessageParams{
		MatchID: matchID, AgentID: agentA, Content: "let's do it", Type: deal.MessageProposal,
	})
	require.ErrorIs(t, err, deal.ErrTermsRequired)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Nil(t, h.pool.Last(), "validation happens before any transaction")
}

func TestNonParticipantIsForbidden(t *testing.T) {
	h := newHarness(t, deal.StatusMatched)

	_, err := h.svc.SendMessage(context.Background(), deal.SendMessageParams{
		MatchID: matchID, AgentID: outsider, Content: "hi",
	})
	require.ErrorIs(t, err, deal.ErrForbidden)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	tx := h.pool.Last()
	require.NotNil(t, tx)
	assert.True(t, tx.RolledBack)
	assert.False(t, tx.Committed)
	assert.Empty(t, h.repo.Messages(matchID))

	_, err = h.svc.Get(context.Background(), matchID, outsider)
	require.ErrorIs(t, err, deal.ErrForbidden)
}

func TestUnknownMatch(t *testing.T) {
	h := newHarness(t, deal.StatusMatched)

	_, err := h.svc.Start(context.Background(), deal.StartParams{MatchID: "missing", AgentID: agentA})
	require.ErrorIs(t, err, deal.ErrMatchNotFound)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestStartNotifiesCounterpart(t *testing.T) {
	h := newHarness(t, deal.StatusApproved)

	d, err := h.svc.Start(context.Background(), deal.StartParams{MatchID: matchID, AgentID: agentA})
	require.NoError(t, err)
	assert.Equal(t, deal.StatusInProgress, d.Status)

	notes := h.notes.take()
	require.Len(t, notes, 1)
	assert.Equal(t, agentB, notes[0].AgentID)
	assert.Equal(t, notify.TypeDealStarted, notes[0].Type)
	assert.Equal(t, agentA, notes[0].FromAgentID)
	assert.Len(t, h.repo.SystemMessages(matchID), 1)
}

func TestStartRequiresApproval(t *testing.T) {
	h := newHarness(t, deal.StatusProposed)

	_, err := h.svc.Start(context.Background(), deal.StartParams{MatchID: matchID, AgentID: agentA})
	require.ErrorIs(t, err, deal.ErrInvalidState)
	assert.Contains(t, err.Error(), "status is proposed")
	assert.Empty(t, h.notes.take())
}

func TestCompleteNeedsBothParties(t *testing.T) {
	h := newHarness(t, deal.StatusInProgress)
	ctx := context.Background()

	first, err := h.svc.Complete(ctx, deal.CompleteParams{MatchID: matchID, AgentID: agentA, Evidence: "shipped v1"})
	require.NoError(t, err)
	assert.False(t, first.Completed)
	assert.Equal(t, 1, first.Confirmations)
	assert.Equal(t, deal.StatusInProgress, first.Deal.Status)

	notes := h.notes.take()
	require.Len(t, notes, 1)
	assert.Equal(t, agentB, notes[0].AgentID)
	assert.Equal(t, notify.TypeDealCompletionRequested, notes[0].Type)

	_, err = h.svc.Complete(ctx, deal.CompleteParams{MatchID: matchID, AgentID: agentA, Evidence: "again"})
	require.ErrorIs(t, err, deal.ErrAlreadyConfirmed)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	second, err := h.svc.Complete(ctx, deal.CompleteParams{MatchID: matchID, AgentID: agentB, Evidence: "received"})
	require.NoError(t, err)
	assert.True(t, second.Completed)
	assert.Equal(t, deal.StatusCompleted, second.Deal.Status)

	notes = h.notes.take()
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, notify.TypeDealCompleted, n.Type)
	}
}

func TestCompleteRequiresEvidence(t *testing.T) {
	h := newHarness(t, deal.StatusInProgress)

	_, err := h.svc.Complete(context.Background(), deal.CompleteParams{MatchID: matchID, AgentID: agentA, Evidence: "  "})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "Evidence")
}

func TestCancelBeforeApprovalOnly(t *testing.T) {
	for _, status := range []deal.Status{deal.StatusMatched, deal.StatusNegotiating, deal.StatusProposed} {
		h := newHarness(t, status)
		d, err := h.svc.Cancel(context.Background(), deal.CancelParams{MatchID: matchID, AgentID: agentB, Reason: "found someone else"})
		require.NoError(t, err, status)
		assert.Equal(t, deal.StatusCancelled, d.Status)

		sys := h.repo.SystemMessages(matchID)
		require.Len(t, sys, 1)
		assert.Contains(t, sys[0].Content, "found someone else")
	}

	for _, status := range []deal.Status{deal.StatusApproved, deal.StatusInProgress, deal.StatusDisputed} {
		h := newHarness(t, status)
		_, err := h.svc.Cancel(context.Background(), deal.CancelParams{MatchID: matchID, AgentID: agentB})
		require.ErrorIs(t, err, deal.ErrInvalidState, status)
	}
}

func TestMessagingAfterApproval(t *testing.T) {
	h := newHarness(t, deal.StatusInProgress)

	res := h.send(t, agentB, deal.MessageNegotiation, nil)
	assert.Equal(t, deal.StatusInProgress, res.Deal.Status)
	assert.Empty(t, h.repo.SystemMessages(matchID))

	notes := h.notes.take()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.TypeMessageReceived, notes[0].Type)
	assert.Equal(t, agentA, notes[0].AgentID)
}

func TestLazyExpiryOnAccess(t *testing.T) {
	h := newHarness(t, deal.StatusNegotiating)
	h.now = h.now.Add(8 * 24 * time.Hour)

	_, err := h.svc.SendMessage(context.Background(), deal.SendMessageParams{MatchID: matchID, AgentID: agentA, Content: "still there?"})
	require.ErrorIs(t, err, deal.ErrMatchExpired)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	assert.Equal(t, deal.StatusExpired, h.repo.Status(matchID))
	assert.Equal(t, 1, h.pool.Commits(), "expiry is committed even though the action fails")

	notes := h.notes.take()
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, notify.TypeDealExpired, n.Type)
	}
}

func TestLazyExpirySparesApprovedDeals(t *testing.T) {
	h := newHarness(t, deal.StatusApproved)
	h.now = h.now.Add(30 * 24 * time.Hour)

	d, err := h.svc.Start(context.Background(), deal.StartParams{MatchID: matchID, AgentID: agentB})
	require.NoError(t, err)
	assert.Equal(t, deal.StatusInProgress, d.Status)
}

func TestBeginFailureIsInternal(t *testing.T) {
	h := newHarness(t, deal.StatusApproved)
	h.pool.BeginErr = errors.New("pool exhausted")

	_, err := h.svc.Start(context.Background(), deal.StartParams{MatchID: matchID, AgentID: agentA})
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
}

func TestListForAgent(t *testing.T) {
	h := newHarness(t, deal.StatusMatched)

	mine, err := h.svc.ListForAgent(context.Background(), agentA, "")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	none, err := h.svc.ListForAgent(context.Background(), outsider, "")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = h.svc.ListForAgent(context.Background(), agentA, "bogus")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}
