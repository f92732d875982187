package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resultados possíveis de uma decisão no middleware
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeBlocked  = "blocked"
	OutcomeBypassed = "bypassed"
	OutcomeFailOpen = "fail_open"
	OutcomeFailShut = "fail_closed"
)

// Recorder agrupa os coletores do rate limiter num registry próprio.
// Um Recorder nil é válido e descarta tudo.
type Recorder struct {
	registry *prometheus.Registry

	decisionsTotal    *prometheus.CounterVec
	violationsTotal   *prometheus.CounterVec
	blocksTotal       *prometheus.CounterVec
	storeErrorsTotal  *prometheus.CounterVec
	storeLatency      *prometheus.HistogramVec
	configCacheEvents *prometheus.CounterVec
	cleanupRemoved    *prometheus.CounterVec
}

// NewRecorder cria o registry com os coletores de runtime e os do domínio
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_decisions_total",
				Help: "Rate limit decisions by endpoint, method and outcome",
			},
			[]string{"endpoint", "method", "outcome"},
		),
		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_violations_total",
				Help: "Rejected requests by exceeded limit",
			},
			[]string{"limit_exceeded"},
		),
		blocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_blocks_total",
				Help: "Temporary blocks created by identifier type",
			},
			[]string{"identifier_type"},
		),
		storeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_store_errors_total",
				Help: "Counter store failures by operation",
			},
			[]string{"operation"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rate_limit_store_duration_seconds",
				Help:    "Counter store latency by operation",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),
		configCacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_config_cache_total",
				Help: "Configuration cache lookups by result",
			},
			[]string{"result"},
		),
		cleanupRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_cleanup_removed_total",
				Help: "Rows removed by the cleanup worker",
			},
			[]string{"kind"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.decisionsTotal,
		r.violationsTotal,
		r.blocksTotal,
		r.storeErrorsTotal,
		r.storeLatency,
		r.configCacheEvents,
		r.cleanupRemoved,
	)

	return r
}

// Handler expõe o registry no formato do Prometheus
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveDecision(endpoint, method, outcome string) {
	if r == nil {
		return
	}
	r.decisionsTotal.WithLabelValues(endpoint, method, outcome).Inc()
}

func (r *Recorder) ObserveViolation(limitExceeded string) {
	if r == nil {
		return
	}
	r.violationsTotal.WithLabelValues(limitExceeded).Inc()
}

func (r *Recorder) ObserveBlock(identifierType string) {
	if r == nil {
		return
	}
	r.blocksTotal.WithLabelValues(identifierType).Inc()
}

func (r *Recorder) ObserveStoreError(operation string) {
	if r == nil {
		return
	}
	r.storeErrorsTotal.WithLabelValues(operation).Inc()
}

func (r *Recorder) ObserveStoreLatency(operation string, seconds float64) {
	if r == nil {
		return
	}
	r.storeLatency.WithLabelValues(operation).Observe(seconds)
}

// ObserveConfigCache recebe "hit" ou "miss"
func (r *Recorder) ObserveConfigCache(result string) {
	if r == nil {
		return
	}
	r.configCacheEvents.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveCleanup(kind string, removed int64) {
	if r == nil || removed <= 0 {
		return
	}
	r.cleanupRemoved.WithLabelValues(kind).Add(float64(removed))
}
