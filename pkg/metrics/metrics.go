package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BreakerState reports the current state of each circuit breaker
// (0 closed, 1 open, 2 half-open).
var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "marketgw_circuit_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
	},
	[]string{"breaker"},
)

// BreakerTransitions counts state changes per breaker and target state
var BreakerTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketgw_circuit_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions",
	},
	[]string{"breaker", "to"},
)

// Upstream call metrics
var (
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgw_upstream_requests_total",
			Help: "Upstream engine requests by dependency and outcome",
		},
		[]string{"dependency", "outcome"},
	)

	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketgw_upstream_request_latency_seconds",
			Help:    "Latency of single upstream HTTP attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency"},
	)

	UpstreamFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgw_upstream_fallbacks_total",
			Help: "Responses served from the fallback path (stale cache or zeroed payload)",
		},
		[]string{"dependency", "source"},
	)
)

// Shared store cache metrics
var CacheLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketgw_cache_lookups_total",
		Help: "Shared store cache lookups by namespace and result",
	},
	[]string{"namespace", "result"},
)

// Rate limiter decisions
var RateLimitDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketgw_ratelimit_decisions_total",
		Help: "Rate limiter decisions by route and decision",
	},
	[]string{"route", "decision"},
)

// Broadcast metrics
var (
	BroadcastTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketgw_broadcast_tasks",
		Help: "Number of running per-symbol broadcast tasks",
	})

	BroadcastTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketgw_broadcast_ticks_total",
			Help: "Broadcast ticks by symbol and outcome",
		},
		[]string{"symbol", "outcome"},
	)

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketgw_ws_connections",
		Help: "Current number of active market data WebSocket connections",
	})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions)
	prometheus.MustRegister(UpstreamRequests, UpstreamLatency, UpstreamFallbacks)
	prometheus.MustRegister(CacheLookups, RateLimitDecisions)
	prometheus.MustRegister(BroadcastTasks, BroadcastTicks, WSConnections)
}
