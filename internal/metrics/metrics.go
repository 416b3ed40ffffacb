// Package metrics provides Prometheus instrumentation for the Kudu platform.
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
			Namespace: "kudu",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kudu",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StoreOperationsTotal counts document-store calls by operation and backend.
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kudu",
			Name:      "store_operations_total",
			Help:      "Total store operations by op and backend.",
		},
		[]string{"op", "backend"},
	)

	// StoreConditionFailuresTotal counts conditional-write rejections by op.
	// Conflicts are expected under contention; a sustained rise flags a
	// client retry storm.
	StoreConditionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kudu",
			Name:      "store_condition_failures_total",
			Help:      "Conditional write failures by op.",
		},
		[]string{"op"},
	)

	// DepositsTotal counts EFT notifications by outcome status.
	DepositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kudu",
			Name:      "eft_deposits_total",
			Help:      "EFT deposit notifications by status transition.",
		},
		[]string{"status"},
	)

	// AllocationsTotal counts sponsor allocations and reversals.
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kudu",
			Name:      "allocations_total",
			Help:      "Budget allocations and reversals.",
		},
		[]string{"kind"},
	)

	// TransactionsTotal counts spend transactions by final status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kudu",
			Name:      "transactions_total",
			Help:      "Spend transactions by status.",
		},
		[]string{"status"},
	)

	// ReconfirmsTotal counts confirm calls bounced for re-confirmation.
	ReconfirmsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kudu",
		Name:      "transaction_reconfirms_total",
		Help:      "Confirms returned with reconfirm_required.",
	})

	// RefundsTotal counts merchant refunds by kind (full/partial).
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kudu",
			Name:      "refunds_total",
			Help:      "Merchant refunds by kind.",
		},
		[]string{"kind"},
	)

	// IdempotencyHitsTotal counts mutating calls answered from the cache.
	IdempotencyHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kudu",
			Name:      "idempotency_hits_total",
			Help:      "Requests replayed from the idempotency cache by scope prefix.",
		},
		[]string{"scope"},
	)

	// EventDeliveriesTotal counts outbound event deliveries by result.
	EventDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kudu",
			Name:      "event_deliveries_total",
			Help:      "Outbound event sink deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected admin feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kudu",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// RateLimitedTotal counts requests rejected by the per-IP limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kudu",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the sliding-window rate limiter.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kudu", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kudu", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kudu", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kudu", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kudu", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kudu", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		StoreOperationsTotal,
		StoreConditionFailuresTotal,
		DepositsTotal,
		AllocationsTotal,
		TransactionsTotal,
		ReconfirmsTotal,
		RefundsTotal,
		IdempotencyHitsTotal,
		EventDeliveriesTotal,
		ActiveWebSocketClients,
		RateLimitedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
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
