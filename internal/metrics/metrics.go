// Package metrics provides Prometheus instrumentation for the ProofCart
// settlement service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proofcart",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proofcart",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrdersTotal counts orders by the status that terminated or created them.
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proofcart",
			Name:      "orders_total",
			Help:      "Total orders by status.",
		},
		[]string{"status"},
	)

	// TransitionsTotal counts settlement state transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proofcart",
			Name:      "transitions_total",
			Help:      "Total settlement state transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	// AdapterCallsTotal counts external adapter calls by adapter and result.
	AdapterCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proofcart",
			Name:      "adapter_calls_total",
			Help:      "Total payment gateway and chain calls by result.",
		},
		[]string{"adapter", "result"},
	)

	// EscrowOpsTotal counts chain escrow operations by kind.
	EscrowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proofcart",
			Name:      "escrow_ops_total",
			Help:      "Total escrow operations (create, release, lock, unlock, refund).",
		},
		[]string{"op"},
	)

	// WebhookDeliveriesTotal counts gateway webhook deliveries by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proofcart",
			Name:      "webhook_deliveries_total",
			Help:      "Total gateway webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// DisputesTotal counts disputes by resolution outcome.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proofcart",
			Name:      "disputes_total",
			Help:      "Total disputes by outcome (opened, release, refund, partial).",
		},
		[]string{"outcome"},
	)

	// FlaggedOrdersTotal counts orders flagged for manual review.
	FlaggedOrdersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "proofcart",
		Name:      "flagged_orders_total",
		Help:      "Total orders flagged inconsistent for manual review.",
	})

	// SweepRunsTotal counts reconciliation sweep runs by result.
	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proofcart",
			Name:      "sweep_runs_total",
			Help:      "Total reconciliation sweep runs by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proofcart", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proofcart", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proofcart", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proofcart", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proofcart", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "proofcart", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// SettlementDuration observes time from order creation to completion.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proofcart",
		Name:      "settlement_duration_seconds",
		Help:      "Time from order creation to payout completion in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 21600, 86400, 259200, 604800},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersTotal,
		TransitionsTotal,
		AdapterCallsTotal,
		EscrowOpsTotal,
		WebhookDeliveriesTotal,
		DisputesTotal,
		FlaggedOrdersTotal,
		SweepRunsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		SettlementDuration,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
