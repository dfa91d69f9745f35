package expiry

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmarket/apperr"
	"agentmarket/config"
	"agentmarket/db"
	"agentmarket/deal"
	"agentmarket/notify"
)

type row struct {
	id      string
	status  deal.Status
	created time.Time
	notes   []string
}

type fakeStore struct {
	mu   sync.Mutex
	rows []*row
	err  error
}

func (f *fakeStore) pick(statuses []deal.Status, cutoff time.Time, limit int) []*row {
	var out []*row
	for _, r := range f.rows {
		if slices.Contains(statuses, r.status) && r.created.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeStore) Stale(_ context.Context, _ db.Querier, statuses []deal.Status, cutoff time.Time, limit int) ([]ExpiredDeal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []ExpiredDeal
	for _, r := range f.pick(statuses, cutoff, limit) {
		out = append(out, ExpiredDeal{MatchID: r.id, AgentAID: r.id + "-a", AgentBID: r.id + "-b", PreviousStatus: r.status, CreatedAt: r.created})
	}
	return out, nil
}

func (f *fakeStore) Expire(_ context.Context, _ db.Querier, statuses []deal.Status, cutoff time.Time, limit int, note string) ([]ExpiredDeal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []ExpiredDeal
	for _, r := range f.pick(statuses, cutoff, limit) {
		out = append(out, ExpiredDeal{MatchID: r.id, AgentAID: r.id + "-a", AgentBID: r.id + "-b", PreviousStatus: r.status, CreatedAt: r.created})
		r.status = deal.StatusExpired
		r.notes = append(r.notes, note)
	}
	return out, nil
}

func (f *fakeStore) status(id string) deal.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.id == id {
			return r.status
		}
	}
	return ""
}

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Dispatch(_ context.Context, ns ...notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ns...)
}

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newSweeper(rows ...*row) (*Sweeper, *fakeStore, *recorder) {
	store := &fakeStore{rows: rows}
	rec := &recorder{}
	s := NewSweeper(nil, store, rec, nil).WithClock(func() time.Time { return now })
	return s, store, rec
}

func daysAgo(n int) time.Time {
	return now.Add(-time.Duration(n) * 24 * time.Hour)
}

func TestSweepExpiresOnlyOldPreApprovalDeals(t *testing.T) {
	s, store, rec := newSweeper(
		&row{id: "old", status: deal.StatusNegotiating, created: daysAgo(10)},
		&row{id: "young", status: deal.StatusNegotiating, created: daysAgo(1)},
	)

	report, err := s.Sweep(context.Background(), Params{TimeoutHours: 168, Limit: 100})
	require.NoError(t, err)

	assert.Equal(t, 1, report.ExpiredCount)
	require.Len(t, report.ExpiredDeals, 1)
	assert.Equal(t, "old", report.ExpiredDeals[0].MatchID)
	assert.Equal(t, deal.StatusNegotiating, report.ExpiredDeals[0].PreviousStatus)
	assert.Equal(t, now, report.SweptAt)
	assert.False(t, report.DryRun)

	assert.Equal(t, deal.StatusExpired, store.status("old"))
	assert.Equal(t, deal.StatusNegotiating, store.status("young"))

	require.Len(t, rec.got, 2)
	for _, n := range rec.got {
		assert.Equal(t, notify.TypeDealExpired, n.Type)
		assert.Equal(t, "old", n.MatchID)
	}
	assert.ElementsMatch(t, []string{"old-a", "old-b"}, []string{rec.got[0].AgentID, rec.got[1].AgentID})
}

func TestSweepNeverTouchesPostApprovalDeals(t *testing.T) {
	var rows []*row
	for _, st := range []deal.Status{
		deal.StatusApproved, deal.StatusInProgress, deal.StatusCompleted,
		deal.StatusRejected, deal.StatusCancelled, deal.StatusDisputed, deal.StatusExpired,
	} {
		rows = append(rows, &row{id: string(st), status: st, created: daysAgo(400)})
	}
	s, store, rec := newSweeper(rows...)

	report, err := s.Sweep(context.Background(), Params{TimeoutHours: 1, Limit: 500})
	require.NoError(t, err)
	assert.Zero(t, report.ExpiredCount)
	assert.Empty(t, rec.got)
	for _, r := range rows {
		assert.Equal(t, deal.Status(r.id), store.status(r.id))
	}
}

func TestSweepTwiceDoesNotDoubleExpire(t *testing.T) {
	s, _, rec := newSweeper(
		&row{id: "m1", status: deal.StatusMatched, created: daysAgo(30)},
		&row{id: "m2", status: deal.StatusProposed, created: daysAgo(30)},
	)
	p := Params{TimeoutHours: 24, Limit: 10}

	first, err := s.Sweep(context.Background(), p)
	require.NoError(t, err)
	second, err := s.Sweep(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, 2, first.ExpiredCount)
	assert.Zero(t, second.ExpiredCount)
	assert.Len(t, rec.got, 4)
}

func TestSweepHonoursLimitOldestFirst(t *testing.T) {
	s, store, _ := newSweeper(
		&row{id: "newer", status: deal.StatusMatched, created: daysAgo(20)},
		&row{id: "oldest", status: deal.StatusMatched, created: daysAgo(40)},
		&row{id: "older", status: deal.StatusMatched, created: daysAgo(30)},
	)

	report, err := s.Sweep(context.Background(), Params{TimeoutHours: 24, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 2, report.ExpiredCount)
	assert.Equal(t, "oldest", report.ExpiredDeals[0].MatchID)
	assert.Equal(t, "older", report.ExpiredDeals[1].MatchID)
	assert.Equal(t, deal.StatusMatched, store.status("newer"))
}

func TestDryRunReportsWithoutWriting(t *testing.T) {
	s, store, rec := newSweeper(&row{id: "m1", status: deal.StatusNegotiating, created: daysAgo(10)})

	report, err := s.Preview(context.Background(), Params{TimeoutHours: 168, Limit: 100})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.ExpiredCount)
	assert.Equal(t, deal.StatusNegotiating, store.status("m1"))
	assert.Empty(t, rec.got)

	// the live sweep selects exactly what the preview reported
	live, err := s.Sweep(context.Background(), Params{TimeoutHours: 168, Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, report.ExpiredDeals, live.ExpiredDeals)
}

func TestSweepRejectsOutOfRangeParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"zero hours", Params{TimeoutHours: 0, Limit: 10}},
		{"over a year", Params{TimeoutHours: 8761, Limit: 10}},
		{"zero limit", Params{TimeoutHours: 24, Limit: 0}},
		{"limit too large", Params{TimeoutHours: 24, Limit: 501}},
		{"negative", Params{TimeoutHours: -5, Limit: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store, _ := newSweeper(&row{id: "m1", status: deal.StatusMatched, created: daysAgo(1000)})
			_, err := s.Sweep(context.Background(), tt.p)
			require.Error(t, err)
			assert.Equal(t, apperr.Validation, apperr.KindOf(err))
			assert.Equal(t, deal.StatusMatched, store.status("m1"))
		})
	}
}

func TestSweepAcceptsBoundaries(t *testing.T) {
	s, _, _ := newSweeper()
	_, err := s.Sweep(context.Background(), Params{TimeoutHours: 1, Limit: 1})
	require.NoError(t, err)
	_, err = s.Sweep(context.Background(), Params{TimeoutHours: 8760, Limit: 500})
	require.NoError(t, err)
}

func TestSweepStoreFailureIsInternal(t *testing.T) {
	s, store, rec := newSweeper()
	store.err = errors.New("connection reset")

	_, err := s.Sweep(context.Background(), Params{TimeoutHours: 24, Limit: 10})
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
	assert.Empty(t, rec.got)
}

func TestSchedulerRunsConfiguredSweep(t *testing.T) {
	var got []Params
	sweep := func(_ context.Context, p Params) (Report, error) {
		got = append(got, p)
		return Report{ExpiredCount: 3}, nil
	}

	s, err := NewScheduler(sweep, config.ExpiryConfig{Schedule: "@hourly", TimeoutHours: 72, Limit: 50}, nil)
	require.NoError(t, err)

	// not started yet: no context, no run
	s.run()
	assert.Empty(t, got)

	s.Start(context.Background())
	defer s.Stop()
	s.run()
	require.Len(t, got, 1)
	assert.Equal(t, Params{TimeoutHours: 72, Limit: 50}, got[0])
}

func TestSchedulerStopWaitsForRunningSweep(t *testing.T) {
	entered := make(chan struct{}, 1)
	sweep := func(ctx context.Context, _ Params) (Report, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return Report{}, ctx.Err()
	}

	s, err := NewScheduler(sweep, config.ExpiryConfig{Schedule: "@every 1s", TimeoutHours: 24, Limit: 10}, nil)
	require.NoError(t, err)
	s.Start(context.Background())

	// a tick must reach the sweep even while the scheduler lock is held
	s.mu.Lock()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		s.mu.Unlock()
		s.Stop()
		t.Fatal("sweep never started")
	}
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a sweep was running")
	}

	s.run()
	select {
	case <-entered:
		t.Fatal("sweep ran after Stop")
	default:
	}
}

func TestSchedulerRejectsBadConfig(t *testing.T) {
	noop := func(context.Context, Params) (Report, error) { return Report{}, nil }

	_, err := NewScheduler(noop, config.ExpiryConfig{Schedule: "every now and then", TimeoutHours: 24, Limit: 10}, nil)
	require.Error(t, err)

	_, err = NewScheduler(noop, config.ExpiryConfig{Schedule: "@hourly", TimeoutHours: 0, Limit: 10}, nil)
	require.Error(t, err)
}
