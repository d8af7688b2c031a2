package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Delivery metrics
	EventsDispatchedTotal *prometheus.CounterVec
	SubscriptionsMatched  *prometheus.HistogramVec
	AttemptsTotal         *prometheus.CounterVec
	AttemptDuration       *prometheus.HistogramVec
	DeliveriesTotal       *prometheus.CounterVec
	AttemptsPerDelivery   *prometheus.HistogramVec

	// Circuit breaker metrics
	BreakerTransitionsTotal *prometheus.CounterVec
	BreakerState            *prometheus.GaugeVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Retention metrics
	RecordsPurgedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookrelay_http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		EventsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_events_dispatched_total",
				Help: "Total number of events accepted for dispatch",
			},
			[]string{"event_type"},
		),
		SubscriptionsMatched: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookrelay_subscriptions_matched",
				Help:    "Number of subscriptions matched per dispatched event",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
			[]string{"event_type"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_delivery_attempts_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"event_type", "outcome"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookrelay_delivery_attempt_duration_seconds",
				Help:    "Delivery attempt duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"event_type", "outcome"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_deliveries_total",
				Help: "Total number of finished deliveries by outcome",
			},
			[]string{"event_type", "outcome"},
		),
		AttemptsPerDelivery: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookrelay_delivery_attempts_per_delivery",
				Help:    "Attempts made before a delivery finished",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
			[]string{"outcome"},
		),

		BreakerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_circuit_breaker_transitions_total",
				Help: "Total number of circuit breaker state changes",
			},
			[]string{"from", "to"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hookrelay_circuit_breaker_state",
				Help: "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open)",
			},
			[]string{"endpoint"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookrelay_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookrelay_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookrelay_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookrelay_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		RecordsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_ledger_records_purged_total",
				Help: "Total number of deliveries and dead letters removed by retention",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsDispatchedTotal,
		m.SubscriptionsMatched,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.DeliveriesTotal,
		m.AttemptsPerDelivery,
		m.BreakerTransitionsTotal,
		m.BreakerState,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RecordsPurgedTotal,
	)

	return m
}

// RecordDispatch counts a dispatched event and how many subscriptions it matched
func (m *Metrics) RecordDispatch(eventType string, matched int) {
	m.EventsDispatchedTotal.WithLabelValues(eventType).Inc()
	m.SubscriptionsMatched.WithLabelValues(eventType).Observe(float64(matched))
}

// RecordAttempt counts one delivery attempt
func (m *Metrics) RecordAttempt(eventType, outcome string, duration time.Duration) {
	m.AttemptsTotal.WithLabelValues(eventType, outcome).Inc()
	m.AttemptDuration.WithLabelValues(eventType, outcome).Observe(duration.Seconds())
}

// RecordDeliveryOutcome counts a finished delivery chain
func (m *Metrics) RecordDeliveryOutcome(eventType, outcome string, attempts int) {
	m.DeliveriesTotal.WithLabelValues(eventType, outcome).Inc()
	m.AttemptsPerDelivery.WithLabelValues(outcome).Observe(float64(attempts))
}

// RecordBreakerTransition counts a breaker state change and updates the
// endpoint's state gauge. States are CLOSED, HALF_OPEN and OPEN.
func (m *Metrics) RecordBreakerTransition(endpoint, from, to string) {
	m.BreakerTransitionsTotal.WithLabelValues(from, to).Inc()
	m.BreakerState.WithLabelValues(endpoint).Set(breakerStateValue(to))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 2
	case "HALF_OPEN":
		return 1
	default:
		return 0
	}
}

// RecordPurge adds to the retention counter
func (m *Metrics) RecordPurge(removed int64) {
	if removed > 0 {
		m.RecordsPurgedTotal.Add(float64(removed))
	}
}

// ObserveDBStats copies connection pool statistics into the database gauges
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel prefers the mux route template so IDs do not explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Install it with router.Use so the matched route is known.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
