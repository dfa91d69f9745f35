package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MatchesResolved counts resolver outcomes per counterpart: created or reused.
var MatchesResolved = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentmarket_matches_resolved_total",
		Help: "Match rows produced by the resolver, by outcome",
	},
	[]string{"outcome"},
)

// DealTransitions counts committed status changes.
var DealTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentmarket_deal_transitions_total",
		Help: "Committed deal status transitions",
	},
	[]string{"action", "from", "to"},
)

// DealActionsRejected counts actions refused before any write, by error kind.
var DealActionsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentmarket_deal_actions_rejected_total",
		Help: "Deal actions rejected by a guard",
	},
	[]string{"action", "kind"},
)

var (
	NotificationsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_notifications_delivered_total",
			Help: "Notifications accepted by a sink",
		},
		[]string{"sink", "type"},
	)

	NotificationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_notifications_failed_total",
			Help: "Notifications a sink failed to accept",
		},
		[]string{"sink", "type"},
	)
)

// Expiry sweeper metrics
var (
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_expiry_sweep_runs_total",
			Help: "Expiry sweep executions by mode",
		},
		[]string{"mode"},
	)

	SweepExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmarket_expiry_matches_expired_total",
			Help: "Matches transitioned to expired by the sweeper",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmarket_expiry_sweep_duration_seconds",
			Help:    "Wall time of expiry sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Database connection pool metrics
var (
	DBTotalConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmarket_db_total_connections",
			Help: "Number of connections in the pgx pool",
		},
	)

	DBIdleConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmarket_db_idle_connections",
			Help: "Number of idle connections in the pgx pool",
		},
	)

	DBAcquiredConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmarket_db_acquired_connections",
			Help: "Number of acquired connections in the pgx pool",
		},
	)
)

func init() {
	prometheus.MustRegister(MatchesResolved, DealTransitions, DealActionsRejected)
	prometheus.MustRegister(NotificationsDelivered, NotificationsFailed)
	prometheus.MustRegister(SweepRuns, SweepExpired, SweepDuration)
	prometheus.MustRegister(DBTotalConns, DBIdleConns, DBAcquiredConns)
}
