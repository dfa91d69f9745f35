package dispute

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/apperr"
	"agentmarket/db"
	"agentmarket/db/dbtest"
	"agentmarket/deal"
	"agentmarket/deal/dealtest"
	"agentmarket/notify"
)

type memRepo struct {
	records []Record
}

func (m *memRepo) Create(_ context.Context, _ db.Querier, rec Record) (Record, error) {
	for _, r := range m.records {
		if r.MatchID == rec.MatchID && r.Status == StatusOpen {
			return Record{}, ErrOpenDisputeExists
		}
	}
	rec.ID = fmt.Sprintf("dispute-%d", len(m.records)+1)
	rec.Status = StatusOpen
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memRepo) GetOpen(_ context.Context, _ db.Querier, matchID string) (Record, error) {
	for _, r := range m.records {
		if r.MatchID == matchID && r.Status == StatusOpen {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

func (m *memRepo) Resolve(_ context.Context, _ db.Querier, id string, status Status, by string, note *string, at time.Time) (Record, error) {
	for i, r := range m.records {
		if r.ID == id && r.Status == StatusOpen {
			r.Status = status
			r.ResolvedBy = &by
			r.ResolvedAt = &at
			r.ResolutionNote = note
			m.records[i] = r
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

func (m *memRepo) List(_ context.Context, _ db.Querier, matchID string) ([]Record, error) {
	var out []Record
	for _, r := range m.records {
		if r.MatchID == matchID {
			out = append(out, r)
		}
	}
	return out, nil
}

type notes struct{ got []notify.Notification }

func (n *notes) Dispatch(_ context.Context, ns ...notify.Notification) { n.got = append(n.got, ns...) }

type fixture struct {
	svc   *Service
	deals *dealtest.Memory
	repo  *memRepo
	notes *notes
}

func newFixture(status deal.Status) *fixture {
	f := &fixture{deals: dealtest.NewMemory(), repo: &memRepo{}, notes: &notes{}}
	f.deals.Seed(deal.Deal{
		ID:        "m1",
		AgentAID:  "alice",
		AgentBID:  "bob",
		Status:    status,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	deals := deal.NewService(&dbtest.Pool{}, f.deals, f.notes, nil)
	f.svc = NewService(nil, f.repo, deals, nil)
	return f
}

func TestFileMovesDealToDisputed(t *testing.T) {
	f := newFixture(deal.StatusInProgress)

	res, err := f.svc.File(context.Background(), FileParams{MatchID: "m1", AgentID: "alice", Reason: "work not delivered"})
	require.NoError(t, err)
	assert.Equal(t, deal.StatusDisputed, res.Deal.Status)
	assert.Equal(t, StatusOpen, res.Dispute.Status)
	assert.Equal(t, "alice", res.Dispute.FiledByAgentID)

	require.Len(t, f.notes.got, 1)
	assert.Equal(t, "bob", f.notes.got[0].AgentID)
	assert.Equal(t, notify.TypeDisputeOpened, f.notes.got[0].Type)
}

func TestFileRequiresInProgress(t *testing.T) {
	for _, status := range []deal.Status{deal.StatusApproved, deal.StatusDisputed, deal.StatusCompleted} {
		f := newFixture(status)
		_, err := f.svc.File(context.Background(), FileParams{MatchID: "m1", AgentID: "alice", Reason: "x"})
		require.ErrorIs(t, err, deal.ErrInvalidState, status)
		assert.Empty(t, f.repo.records)
	}
}

func TestFileRejectsSecondOpenDispute(t *testing.T) {
	f := newFixture(deal.StatusInProgress)
	f.repo.records = append(f.repo.records, Record{ID: "stale", MatchID: "m1", Status: StatusOpen})

	_, err := f.svc.File(context.Background(), FileParams{MatchID: "m1", AgentID: "bob", Reason: "again"})
	require.ErrorIs(t, err, ErrOpenDisputeExists)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Equal(t, deal.StatusInProgress, f.deals.Status("m1"))
}

func TestFileByOutsiderIsForbidden(t *testing.T) {
	f := newFixture(deal.StatusInProgress)

	_, err := f.svc.File(context.Background(), FileParams{MatchID: "m1", AgentID: "mallory", Reason: "x"})
	require.ErrorIs(t, err, deal.ErrForbidden)
}

func TestResolveMapsResolutionToDealStatus(t *testing.T) {
	tests := []struct {
		resolution Resolution
		want       deal.Status
	}{
		{StatusResolvedComplete, deal.StatusCompleted},
		{StatusResolvedRefund, deal.StatusCancelled},
		{StatusResolvedSplit, deal.StatusCompleted},
		{StatusDismissed, deal.StatusInProgress},
	}

	for _, tt := range tests {
		t.Run(string(tt.resolution), func(t *testing.T) {
			f := newFixture(deal.StatusInProgress)
			_, err := f.svc.File(context.Background(), FileParams{MatchID: "m1", AgentID: "alice", Reason: "late"})
			require.NoError(t, err)

			// the counterpart resolves; filing and resolving need not be the same agent
			res, err := f.svc.Resolve(context.Background(), ResolveParams{
				MatchID: "m1", AgentID: "bob", Resolution: tt.resolution, Note: "settled",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.DealStatus)
			assert.Equal(t, tt.want, f.deals.Status("m1"))
			assert.Equal(t, tt.resolution, res.Dispute.Status)
			require.NotNil(t, res.Dispute.ResolvedBy)
			assert.Equal(t, "bob", *res.Dispute.ResolvedBy)
			assert.NotNil(t, res.Dispute.ResolvedAt)

			sys := f.deals.SystemMessages("m1")
			require.Len(t, sys, 2)
			assert.Contains(t, sys[1].Content, "settled")
		})
	}
}

func TestDismissedDisputeCanBeRefiled(t *testing.T) {
	f := newFixture(deal.StatusInProgress)
	ctx := context.Background()

	_, err := f.svc.File(ctx, FileParams{MatchID: "m1", AgentID: "alice", Reason: "first"})
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, ResolveParams{MatchID: "m1", AgentID: "alice", Resolution: StatusDismissed})
	require.NoError(t, err)

	_, err = f.svc.File(ctx, FileParams{MatchID: "m1", AgentID: "bob", Reason: "second"})
	require.NoError(t, err)

	all, err := f.svc.List(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestResolveRejectsUnknownResolution(t *testing.T) {
	f := newFixture(deal.StatusDisputed)

	_, err := f.svc.Resolve(context.Background(), ResolveParams{MatchID: "m1", AgentID: "alice", Resolution: StatusOpen})
	require.ErrorIs(t, err, ErrBadResolution)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestResolveWithoutOpenDispute(t *testing.T) {
	f := newFixture(deal.StatusDisputed)

	_, err := f.svc.Resolve(context.Background(), ResolveParams{MatchID: "m1", AgentID: "alice", Resolution: StatusDismissed})
	require.ErrorIs(t, err, ErrNoOpenDispute)
	assert.Equal(t, deal.StatusDisputed, f.deals.Status("m1"))
}

func TestResolveRequiresDisputedDeal(t *testing.T) {
	f := newFixture(deal.StatusInProgress)

	_, err := f.svc.Resolve(context.Background(), ResolveParams{MatchID: "m1", AgentID: "alice", Resolution: StatusResolvedComplete})
	require.ErrorIs(t, err, deal.ErrInvalidState)
}
