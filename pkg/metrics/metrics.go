// Package metrics exposes prometheus instrumentation for the datalink
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectsTotal counts connection attempts by source type and outcome.
	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalink",
		Name:      "connects_total",
		Help:      "Connection attempts by source type and status",
	}, []string{"source_type", "status"})

	// QueriesTotal counts query executions by source type and outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalink",
		Name:      "queries_total",
		Help:      "Query executions by source type and status",
	}, []string{"source_type", "status"})

	// QueryDuration observes end-to-end query latency.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "datalink",
		Name:      "query_duration_seconds",
		Help:      "Query latency by source type",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"source_type"})

	// CacheOps counts cache hits and misses for the API adapter.
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalink",
		Name:      "cache_ops_total",
		Help:      "Cache lookups by result",
	}, []string{"result"})

	// RateLimitDenials counts requests refused by the rate limiter.
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalink",
		Name:      "rate_limit_denials_total",
		Help:      "Requests denied by the rate limiter",
	}, []string{"limiter"})

	// PoolConnections tracks pooled connections by state.
	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "datalink",
		Name:      "pool_connections",
		Help:      "Pooled connections by state",
	}, []string{"source_type", "state"})

	// SecurityRejections counts inputs refused by the security validator.
	SecurityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datalink",
		Name:      "security_rejections_total",
		Help:      "Inputs rejected by the security validator",
	}, []string{"threat"})
)

// ObserveQuery records one query execution.
func ObserveQuery(sourceType string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	QueriesTotal.WithLabelValues(sourceType, status).Inc()
	QueryDuration.WithLabelValues(sourceType).Observe(elapsed.Seconds())
}

// ObserveConnect records one connection attempt.
func ObserveConnect(sourceType string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ConnectsTotal.WithLabelValues(sourceType, status).Inc()
}
