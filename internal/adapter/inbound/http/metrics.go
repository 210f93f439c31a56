// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Shadowcat.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveSessions     prometheus.Gauge
	RuleEvaluations    *prometheus.CounterVec
	AuditDropsTotal    prometheus.Counter
	RateLimitDecisions *prometheus.CounterVec
	PoolActiveLeases   *prometheus.GaugeVec
	SSEReconnectsTotal *prometheus.CounterVec
	BufferPoolOps      *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shadowcat",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shadowcat",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shadowcat",
				Name:      "active_sessions",
				Help:      "Number of active sessions",
			},
		),
		RuleEvaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shadowcat",
				Name:      "rule_evaluations_total",
				Help:      "Total rule engine evaluations",
			},
			[]string{"outcome"}, // outcome=continue/block/mock/modify/error
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "shadowcat",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
		),
		RateLimitDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shadowcat",
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limit admission decisions",
			},
			[]string{"decision"}, // decision=allow/reject
		),
		PoolActiveLeases: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "shadowcat",
				Name:      "pool_active_leases",
				Help:      "Outstanding connection-pool leases per upstream",
			},
			[]string{"upstream"},
		),
		SSEReconnectsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shadowcat",
				Name:      "sse_reconnects_total",
				Help:      "Upstream SSE reconnection attempts",
			},
			[]string{"outcome"}, // outcome=success/exhausted
		),
		BufferPoolOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shadowcat",
				Name:      "buffer_pool_ops_total",
				Help:      "Buffer pool lease outcomes (reuse vs fresh allocation vs discard)",
			},
			[]string{"op"}, // op=reuse/alloc/discard
		),
	}
}
