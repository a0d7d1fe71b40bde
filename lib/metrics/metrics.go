// Package metrics holds the prometheus instruments of the module. All instruments share the
// configured namespace so several modules can feed one prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Module status values reported by the status gauge.
const (
	StatusStopped  = 0
	StatusDegraded = 0.5
	StatusRunning  = 1
)

// Metrics bundles the instruments. Fields are exported so components record directly.
type Metrics struct {
	APIRequests        *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrors          *prometheus.CounterVec

	TransactionsProcessed *prometheus.CounterVec
	WebsocketConnections  *prometheus.GaugeVec
	WebsocketReconnects   *prometheus.CounterVec
	MonitoredAddresses    *prometheus.GaugeVec

	FundsCollections *prometheus.CounterVec
	CollectedAmount  *prometheus.CounterVec

	HealthStatus *prometheus.GaugeVec
	PoolInUse    *prometheus.GaugeVec
	PoolBroken   *prometheus.GaugeVec
	Status       prometheus.Gauge
}

// New registers the instruments on the default registerer under the given namespace.
func New(namespace string) *Metrics {
	return NewWith(prometheus.DefaultRegisterer, namespace)
}

// NewWith registers the instruments on reg, so tests can use a private registry.
func NewWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	start := time.Now()

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the module started.",
	}, func() float64 { return time.Since(start).Seconds() })

	return &Metrics{
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API requests served.",
		}, []string{"endpoint", "method", "status"}),
		APIRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		APIErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "API requests answered with an error.",
		}, []string{"endpoint", "type"}),
		TransactionsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_processed_total",
			Help:      "Transactions seen and confirmed by the monitor.",
		}, []string{"coin", "status"}),
		WebsocketConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open websocket subscriptions to the upstream.",
		}, []string{"coin"}),
		WebsocketReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_reconnects_total",
			Help:      "Websocket reconnection attempts.",
		}, []string{"coin", "reason"}),
		MonitoredAddresses: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_addresses",
			Help:      "Addresses under watch.",
		}, []string{"coin"}),
		FundsCollections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funds_collections_total",
			Help:      "Funds collection attempts.",
		}, []string{"coin", "status"}),
		CollectedAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collected_amount_total",
			Help:      "Collected amount in whole coin units.",
		}, []string{"coin"}),
		HealthStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "Health of each component check, 1 healthy, 0.5 degraded, 0 unhealthy.",
		}, []string{"component", "check"}),
		PoolInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_in_use",
			Help:      "Connection pool slots handed out.",
		}, []string{"coin"}),
		PoolBroken: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_broken",
			Help:      "Connection pool slots under repair or dead.",
		}, []string{"coin"}),
		Status: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "Module status, 1 running, 0.5 degraded, 0 stopped.",
		}),
	}
}

// ObserveRequest records one served API request.
func (m *Metrics) ObserveRequest(endpoint, method string, status int, dur time.Duration) {
	m.APIRequests.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
	m.APIRequestDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
}
