package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Unit of work metrics
	UOWTotal              *prometheus.CounterVec
	UOWDuration           *prometheus.HistogramVec
	ReceiptWriteFailures  prometheus.Counter
	StoreFailures         *prometheus.CounterVec
	IdempotencyLookups    *prometheus.CounterVec
	IdempotencyKeysPurged prometheus.Counter

	// Outbox metrics
	OutboxEventsWritten      *prometheus.CounterVec
	OutboxEventsTotal        *prometheus.CounterVec
	OutboxProcessingDuration *prometheus.HistogramVec
	OutboxInFlight           prometheus.Gauge
	OutboxEventsPurged       prometheus.Counter
	WorkerStatus             *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitBreakerRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		UOWTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uow_total",
				Help:      "Total number of units of work by outcome",
			},
			[]string{"outcome"},
		),
		UOWDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "uow_duration_seconds",
				Help:      "Unit of work duration from begin to terminal state",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"outcome"},
		),
		ReceiptWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receipt_write_failures_total",
				Help:      "Receipts that could not be persisted",
			},
		),
		StoreFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_failures_total",
				Help:      "Store hook failures by store and phase",
			},
			[]string{"store", "phase"},
		),
		IdempotencyLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_lookups_total",
				Help:      "Idempotency cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),
		IdempotencyKeysPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_keys_purged_total",
				Help:      "Expired idempotency keys removed by cleanup",
			},
		),
		OutboxEventsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_written_total",
				Help:      "Outbox events appended by event type",
			},
			[]string{"event_type"},
		),
		OutboxEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_total",
				Help:      "Outbox events handled by the worker by result",
			},
			[]string{"result"},
		),
		OutboxProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_processing_duration_seconds",
				Help:      "Outbox event processing duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		),
		OutboxInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_in_flight",
				Help:      "Size of the batch currently being processed",
			},
		),
		OutboxEventsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_events_purged_total",
				Help:      "Processed outbox events removed by cleanup",
			},
		),
		WorkerStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_worker_status",
				Help:      "1 for the current worker lifecycle status, 0 otherwise",
			},
			[]string{"status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_requests_total",
				Help:      "Total number of circuit breaker requests",
			},
			[]string{"name", "result"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.UOWTotal,
		m.UOWDuration,
		m.ReceiptWriteFailures,
		m.StoreFailures,
		m.IdempotencyLookups,
		m.IdempotencyKeysPurged,
		m.OutboxEventsWritten,
		m.OutboxEventsTotal,
		m.OutboxProcessingDuration,
		m.OutboxInFlight,
		m.OutboxEventsPurged,
		m.WorkerStatus,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerRequests,
	)

	return m
}

// The helpers below are safe on a nil *Metrics so components can run
// without a registry (tests, CLI tools).

func (m *Metrics) ObserveUOW(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.UOWTotal.WithLabelValues(outcome).Inc()
	m.UOWDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) StoreFailed(store, phase string) {
	if m == nil {
		return
	}
	m.StoreFailures.WithLabelValues(store, phase).Inc()
}

func (m *Metrics) ReceiptWriteFailed() {
	if m == nil {
		return
	}
	m.ReceiptWriteFailures.Inc()
}

func (m *Metrics) IdempotencyLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.IdempotencyLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IdempotencyPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.IdempotencyKeysPurged.Add(float64(n))
}

func (m *Metrics) OutboxWritten(eventType string) {
	if m == nil {
		return
	}
	m.OutboxEventsWritten.WithLabelValues(eventType).Inc()
}

func (m *Metrics) OutboxResult(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.OutboxEventsTotal.WithLabelValues(result).Inc()
	if d > 0 {
		m.OutboxProcessingDuration.WithLabelValues(result).Observe(d.Seconds())
	}
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.OutboxInFlight.Set(float64(n))
}

func (m *Metrics) OutboxPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.OutboxEventsPurged.Add(float64(n))
}

// SetWorkerStatus flips the status gauge so exactly one label reads 1.
func (m *Metrics) SetWorkerStatus(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.WorkerStatus.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) BreakerRequest(name, result string) {
	if m == nil {
		return
	}
	m.CircuitBreakerRequests.WithLabelValues(name, result).Inc()
}
