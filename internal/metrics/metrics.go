// Package metrics exposes Prometheus counters for the sale path and HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	transactionsRecorded *prometheus.CounterVec
	transactionRejects   *prometheus.CounterVec
	unitsSold            *prometheus.CounterVec
	idempotentReplays    prometheus.Counter
	recordDuration       prometheus.Histogram
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

// New registers all collectors on a private registry. Pass nil to get one
// with the Go runtime and process collectors attached.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: registry,
		transactionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retailcore_transactions_recorded_total",
			Help: "Sales committed to the ledger by payment method and branch.",
		}, []string{"payment_method", "branch"}),
		transactionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retailcore_transaction_rejections_total",
			Help: "Sales rejected before commit by error kind.",
		}, []string{"kind"}),
		unitsSold: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retailcore_supply_units_sold_total",
			Help: "Units decremented from branch supply.",
		}, []string{"branch"}),
		idempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retailcore_transaction_replays_total",
			Help: "Sale submissions answered from an earlier Idempotency-Key.",
		}),
		recordDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retailcore_transaction_commit_duration_seconds",
			Help:    "Latency of the atomic ledger and supply commit.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retailcore_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retailcore_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		m.transactionsRecorded,
		m.transactionRejects,
		m.unitsSold,
		m.idempotentReplays,
		m.recordDuration,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TransactionRecorded counts a committed sale and the units it moved.
func (m *Metrics) TransactionRecorded(paymentMethod, branch string, units int, took time.Duration) {
	if m == nil {
		return
	}
	m.transactionsRecorded.WithLabelValues(sanitizeLabel(paymentMethod), sanitizeLabel(branch)).Inc()
	m.unitsSold.WithLabelValues(sanitizeLabel(branch)).Add(float64(units))
	m.recordDuration.Observe(took.Seconds())
}

func (m *Metrics) TransactionRejected(kind string) {
	if m == nil {
		return
	}
	m.transactionRejects.WithLabelValues(sanitizeLabel(kind)).Inc()
}

func (m *Metrics) TransactionReplayed() {
	if m == nil {
		return
	}
	m.idempotentReplays.Inc()
}

// GinMiddleware observes every request under its route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func sanitizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
