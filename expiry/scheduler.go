package expiry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"agentmarket/config"
)

// SweepFunc is the job the scheduler runs; *Sweeper.Sweep satisfies it.
type SweepFunc func(ctx context.Context, p Params) (Report, error)

// Scheduler runs a sweep on a cron schedule. A tick that fires while the
// previous sweep is still running is skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweep   SweepFunc
	params  Params
	timeout time.Duration
	log     *zap.Logger

	// runCtx is read by cron jobs without taking mu, so Stop can wait for
	// a running job while holding nothing the job needs.
	runCtx atomic.Pointer[context.Context]

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func NewScheduler(sweep SweepFunc, cfg config.ExpiryConfig, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	params := Params{TimeoutHours: cfg.TimeoutHours, Limit: cfg.Limit}
	if err := validate.Struct(params); err != nil {
		return nil, fmt.Errorf("expiry: scheduler params: %w", err)
	}

	clog := cronLogger{log: log.Sugar()}
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		sweep:   sweep,
		params:  params,
		timeout: 5 * time.Minute,
		log:     log,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.run); err != nil {
		return nil, fmt.Errorf("expiry: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx.Store(&runCtx)
	s.cancel = cancel
	s.cron.Start()
	s.started = true
	s.log.Info("expiry scheduler started",
		zap.Int("timeout_hours", s.params.TimeoutHours),
		zap.Int("limit", s.params.Limit))
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.runCtx.Store(nil)
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.log.Info("expiry scheduler stopped")
}

func (s *Scheduler) run() {
	p := s.runCtx.Load()
	if p == nil {
		return
	}
	ctx := *p

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.sweep(ctx, s.params)
	if err != nil {
		s.log.Warn("scheduled expiry sweep failed", zap.Error(err))
		return
	}
	if report.ExpiredCount > 0 {
		s.log.Info("scheduled expiry sweep", zap.Int("expired", report.ExpiredCount))
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
