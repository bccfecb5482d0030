// Package metrics exposes the runtime's Prometheus metrics: pool
// occupancy per (worker, server), reply-state completions, rebalance
// moves, cluster node status flips, and membership refresh timing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the routing proxy.
type Collector struct {
	Registry *prometheus.Registry

	poolActive    *prometheus.GaugeVec
	poolIdle      *prometheus.GaugeVec
	poolMax       *prometheus.GaugeVec
	poolExhausted *prometheus.CounterVec

	sessionDuration *prometheus.HistogramVec
	replyCompleted  *prometheus.CounterVec
	sessionPins     *prometheus.CounterVec

	workerLoad          *prometheus.GaugeVec
	rebalanceMoves      *prometheus.CounterVec
	sessionsRoutedTotal *prometheus.CounterVec

	nodeStatus                *prometheus.GaugeVec
	membershipRefreshErrors   *prometheus.CounterVec
	membershipRefreshDuration *prometheus.HistogramVec
	healthPingErrors          *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routingproxy_pool_active_connections",
				Help: "Backend connections currently checked out of the pool, per worker and server",
			},
			[]string{"worker", "server"},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routingproxy_pool_idle_connections",
				Help: "Backend connections sitting idle in the pool, per worker and server",
			},
			[]string{"worker", "server"},
		),
		poolMax: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routingproxy_pool_max_connections",
				Help: "Configured pool ceiling per worker and server",
			},
			[]string{"worker", "server"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routingproxy_pool_exhausted_total",
				Help: "Times a pool take found no usable entry and a new dial was required",
			},
			[]string{"worker", "server"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routingproxy_session_duration_seconds",
				Help:    "Lifetime of a client session from accept to close",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"worker"},
		),
		replyCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routingproxy_reply_completed_total",
				Help: "Completed reply-state traversals, by terminal shape",
			},
			[]string{"server", "shape"},
		),
		sessionPins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routingproxy_session_pins_total",
				Help: "Session pin events, by reason",
			},
			[]string{"reason"},
		),
		workerLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routingproxy_worker_load_average",
				Help: "Moving-average session load sampled per worker",
			},
			[]string{"worker"},
		),
		rebalanceMoves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routingproxy_rebalance_moves_total",
				Help: "Sessions moved between workers by the rebalance coordinator",
			},
			[]string{"from_worker", "to_worker"},
		),
		sessionsRoutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routingproxy_sessions_routed_total",
				Help: "Sessions routed to a chosen server",
			},
			[]string{"server"},
		),
		nodeStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "routingproxy_cluster_node_status",
				Help: "Cluster node running status (1=running, 0=not running)",
			},
			[]string{"monitor", "node"},
		),
		membershipRefreshErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routingproxy_membership_refresh_errors_total",
				Help: "Cluster membership refresh failures, by monitor",
			},
			[]string{"monitor"},
		),
		membershipRefreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routingproxy_membership_refresh_duration_seconds",
				Help:    "Duration of a membership refresh round-trip against the hub",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"monitor"},
		),
		healthPingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routingproxy_health_ping_errors_total",
				Help: "Node HTTP health ping failures, by monitor",
			},
			[]string{"monitor", "node"},
		),
	}

	reg.MustRegister(
		c.poolActive,
		c.poolIdle,
		c.poolMax,
		c.poolExhausted,
		c.sessionDuration,
		c.replyCompleted,
		c.sessionPins,
		c.workerLoad,
		c.rebalanceMoves,
		c.sessionsRoutedTotal,
		c.nodeStatus,
		c.membershipRefreshErrors,
		c.membershipRefreshDuration,
		c.healthPingErrors,
	)

	return c
}

// UpdatePoolStats reports the current occupancy of one (worker, server) pool.
func (c *Collector) UpdatePoolStats(worker, srv string, active, idle, max int) {
	c.poolActive.WithLabelValues(worker, srv).Set(float64(active))
	c.poolIdle.WithLabelValues(worker, srv).Set(float64(idle))
	c.poolMax.WithLabelValues(worker, srv).Set(float64(max))
}

// PoolExhausted increments the pool-exhaustion counter for a (worker, server) pair.
func (c *Collector) PoolExhausted(worker, srv string) {
	c.poolExhausted.WithLabelValues(worker, srv).Inc()
}

// SessionDuration observes one session's total lifetime.
func (c *Collector) SessionDuration(worker string, d time.Duration) {
	c.sessionDuration.WithLabelValues(worker).Observe(d.Seconds())
}

// ReplyCompleted records a completed reply-state traversal ("rows",
// "ok", "err", "prepare_ok").
func (c *Collector) ReplyCompleted(srv, shape string) {
	c.replyCompleted.WithLabelValues(srv, shape).Inc()
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(reason string) {
	c.sessionPins.WithLabelValues(reason).Inc()
}

// SetWorkerLoad reports a worker's sampled moving-average load.
func (c *Collector) SetWorkerLoad(worker string, load float64) {
	c.workerLoad.WithLabelValues(worker).Set(load)
}

// RebalanceMoved records one session move between workers.
func (c *Collector) RebalanceMoved(fromWorker, toWorker string) {
	c.rebalanceMoves.WithLabelValues(fromWorker, toWorker).Inc()
}

// SessionRouted increments the routed-session counter for a chosen server.
func (c *Collector) SessionRouted(srv string) {
	c.sessionsRoutedTotal.WithLabelValues(srv).Inc()
}

// SetNodeStatus reports a cluster node's current running state.
func (c *Collector) SetNodeStatus(monitor, node string, running bool) {
	val := 0.0
	if running {
		val = 1.0
	}
	c.nodeStatus.WithLabelValues(monitor, node).Set(val)
}

// MembershipRefreshError increments the membership-refresh-failure counter.
func (c *Collector) MembershipRefreshError(monitor string) {
	c.membershipRefreshErrors.WithLabelValues(monitor).Inc()
}

// MembershipRefreshDuration observes a membership refresh round-trip.
func (c *Collector) MembershipRefreshDuration(monitor string, d time.Duration) {
	c.membershipRefreshDuration.WithLabelValues(monitor).Observe(d.Seconds())
}

// HealthPingError increments the health-ping-failure counter for a node.
func (c *Collector) HealthPingError(monitor, node string) {
	c.healthPingErrors.WithLabelValues(monitor, node).Inc()
}

// RemoveWorker removes all metrics scoped to a worker that has shut down.
func (c *Collector) RemoveWorker(worker string) {
	c.poolActive.DeletePartialMatch(prometheus.Labels{"worker": worker})
	c.poolIdle.DeletePartialMatch(prometheus.Labels{"worker": worker})
	c.poolMax.DeletePartialMatch(prometheus.Labels{"worker": worker})
	c.poolExhausted.DeletePartialMatch(prometheus.Labels{"worker": worker})
	c.sessionDuration.DeleteLabelValues(worker)
	c.workerLoad.DeleteLabelValues(worker)
}

// RemoveNode removes all metrics for a cluster node no longer in the
// membership set.
func (c *Collector) RemoveNode(monitor, node string) {
	c.nodeStatus.DeleteLabelValues(monitor, node)
	c.healthPingErrors.DeleteLabelValues(monitor, node)
}
