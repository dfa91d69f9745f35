// Package expiry moves stale pre-approval matches to expired in batches.
package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"agentmarket/apperr"
	"agentmarket/db"
	"agentmarket/deal"
	"agentmarket/metrics"
	"agentmarket/notify"
)

const (
	DefaultTimeoutHours = 168
	DefaultLimit        = 100
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Params bounds one sweep. Out-of-range values are rejected, not clamped.
type Params struct {
	TimeoutHours int  `json:"timeout_hours" validate:"min=1,max=8760"`
	Limit        int  `json:"limit" validate:"min=1,max=500"`
	DryRun       bool `json:"dry_run"`
}

type Report struct {
	ExpiredCount int           `json:"expired_count"`
	ExpiredDeals []ExpiredDeal `json:"expired_deals"`
	SweptAt      time.Time     `json:"swept_at"`
	Cutoff       time.Time     `json:"cutoff"`
	DryRun       bool          `json:"dry_run"`
}

type Sweeper struct {
	pool     db.Querier
	store    Store
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewSweeper(pool db.Querier, store Store, notifier notify.Notifier, log *zap.Logger) *Sweeper {
	if store == nil {
		store = NewStore()
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{pool: pool, store: store, notifier: notifier, log: log, now: time.Now}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep expires matches in a pre-approval status created more than
// TimeoutHours ago, at most Limit per call. With DryRun it only reports
// what would be expired. Rerunning never touches a match twice because
// expired is not an expirable status.
func (s *Sweeper) Sweep(ctx context.Context, p Params) (Report, error) {
	if err := validate.Struct(p); err != nil {
		return Report{}, apperr.FromValidator("expiry: sweep", err)
	}

	start := time.Now()
	sweptAt := s.now().UTC()
	cutoff := sweptAt.Add(-time.Duration(p.TimeoutHours) * time.Hour)
	statuses := deal.ExpirableStatuses()

	mode := "live"
	var (
		selected []ExpiredDeal
		err      error
	)
	if p.DryRun {
		mode = "dry_run"
		selected, err = s.store.Stale(ctx, s.pool, statuses, cutoff, p.Limit)
	} else {
		note := fmt.Sprintf("Deal expired after %d hours without approval", p.TimeoutHours)
		selected, err = s.store.Expire(ctx, s.pool, statuses, cutoff, p.Limit, note)
	}
	if err != nil {
		return Report{}, err
	}

	metrics.SweepRuns.WithLabelValues(mode).Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())

	if !p.DryRun && len(selected) > 0 {
		metrics.SweepExpired.Add(float64(len(selected)))
		for _, d := range selected {
			metrics.DealTransitions.WithLabelValues(string(deal.ActionExpire), string(d.PreviousStatus), string(deal.StatusExpired)).Inc()
			s.notifier.Dispatch(ctx, deal.ExpiredNotifications(d.MatchID, d.AgentAID, d.AgentBID)...)
		}
	}

	s.log.Info("expiry sweep finished",
		zap.String("mode", mode),
		zap.Int("timeout_hours", p.TimeoutHours),
		zap.Int("limit", p.Limit),
		zap.Int("selected", len(selected)),
		zap.Duration("took", time.Since(start)))

	return Report{
		ExpiredCount: len(selected),
		ExpiredDeals: selected,
		SweptAt:      sweptAt,
		Cutoff:       cutoff,
		DryRun:       p.DryRun,
	}, nil
}

// Preview runs the sweep's selection without writing anything.
func (s *Sweeper) Preview(ctx context.Context, p Params) (Report, error) {
	p.DryRun = true
	return s.Sweep(ctx, p)
}
