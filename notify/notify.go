// Package notify delivers deal events to agents. Delivery is fire-and-forget:
// callers never block on a sink and never see its failures.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentmarket/metrics"
)

type Type string

const (
	TypeNewMatch                Type = "new_match"
	TypeDealStarted             Type = "deal_started"
	TypeDealProposed            Type = "deal_proposed"
	TypeMessageReceived         Type = "message_received"
	TypeDealApproved            Type = "deal_approved"
	TypeDealRejected            Type = "deal_rejected"
	TypeDealCompleted           Type = "deal_completed"
	TypeDealCompletionRequested Type = "deal_completion_requested"
	TypeDealExpired             Type = "deal_expired"
	TypeDealCancelled           Type = "deal_cancelled"
	TypeDisputeOpened           Type = "dispute_opened"
	TypeDisputeResolved         Type = "dispute_resolved"
)

type Notification struct {
	AgentID     string    `json:"agent_id"`
	Type        Type      `json:"type"`
	MatchID     string    `json:"match_id"`
	FromAgentID string    `json:"from_agent_id,omitempty"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sink accepts a single notification.
type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Notifier is what domain services depend on.
type Notifier interface {
	Dispatch(ctx context.Context, ns ...Notification)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Dispatch(context.Context, ...Notification) {}

// Dispatcher hands notifications to a sink on background goroutines.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sink Sink, log *zap.Logger, timeout time.Duration) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sink: sink, log: log, timeout: timeout, now: time.Now}
}

// Dispatch schedules delivery and returns immediately. The caller's context
// only contributes its values; delivery outlives the request.
func (d *Dispatcher) Dispatch(ctx context.Context, ns ...Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		for _, n := range ns {
			d.log.Warn("notification dropped after close",
				zap.String("agent_id", n.AgentID),
				zap.String("type", string(n.Type)),
				zap.String("match_id", n.MatchID))
		}
		return
	}

	base := context.WithoutCancel(ctx)
	for _, n := range ns {
		if n.AgentID == "" {
			continue
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = d.now().UTC()
		}
		d.wg.Add(1)
		go func(n Notification) {
			defer d.wg.Done()
			d.deliver(base, n)
		}(n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.sink.Notify(ctx, n); err != nil {
		metrics.NotificationsFailed.WithLabelValues(d.sink.Name(), string(n.Type)).Inc()
		d.log.Warn("notification delivery failed",
			zap.String("sink", d.sink.Name()),
			zap.String("agent_id", n.AgentID),
			zap.String("type", string(n.Type)),
			zap.String("match_id", n.MatchID),
			zap.Error(err))
		return
	}
	metrics.NotificationsDelivered.WithLabelValues(d.sink.Name(), string(n.Type)).Inc()
}

// Close stops accepting notifications and waits for in-flight deliveries
// until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
