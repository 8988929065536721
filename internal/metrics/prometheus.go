package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
// Metrics are registered lazily on first use.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	sweeps        *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	proposals     prometheus.Counter
	accepts       prometheus.Counter
	swapAttempts  *prometheus.CounterVec
	swapAccepts   *prometheus.CounterVec
	exchangeFails *prometheus.CounterVec
	acceptance    *prometheus.GaugeVec
}

// Compile-time assertion that PrometheusCollector implements Collector.
var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a Prometheus-backed collector.
//
// Parameters:
//   - reg: registerer (prometheus.DefaultRegisterer if nil)
//   - namespace: metrics namespace ("gwmc" if empty)
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "gwmc"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.sweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "sweeps_total",
			Help:      "Total parallel update regions by mode (shared,partitioned).",
		}, []string{"mode"})

		p.sweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one parallel update region in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us .. ~26s
		}, []string{"mode"})

		p.proposals = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "proposals_total",
			Help:      "Total Metropolis proposals evaluated.",
		})
		p.accepts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "accepts_total",
			Help:      "Total Metropolis proposals accepted.",
		})

		p.swapAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "temper",
			Name:      "swap_attempts_total",
			Help:      "Total replica swap attempts by kind (local,cross).",
		}, []string{"kind"})
		p.swapAccepts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "temper",
			Name:      "swap_accepts_total",
			Help:      "Total accepted replica swaps by kind (local,cross).",
		}, []string{"kind"})

		p.exchangeFails = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "temper",
			Name:      "exchange_failures_total",
			Help:      "Total failed cross-process exchanges by reason.",
		}, []string{"reason"})

		p.acceptance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "acceptance_rate",
			Help:      "Running Metropolis acceptance rate by replica.",
		}, []string{"replica"})

		p.reg.MustRegister(p.sweeps)
		p.reg.MustRegister(p.sweepDuration)
		p.reg.MustRegister(p.proposals)
		p.reg.MustRegister(p.accepts)
		p.reg.MustRegister(p.swapAttempts)
		p.reg.MustRegister(p.swapAccepts)
		p.reg.MustRegister(p.exchangeFails)
		p.reg.MustRegister(p.acceptance)
	})
}

// RecordSweep counts one region and its proposals.
func (p *PrometheusCollector) RecordSweep(mode string, seconds float64, proposals, accepted int64) {
	p.ensureRegistered()
	p.sweeps.WithLabelValues(mode).Inc()
	p.sweepDuration.WithLabelValues(mode).Observe(seconds)
	p.proposals.Add(float64(proposals))
	p.accepts.Add(float64(accepted))
}

// RecordSwaps counts swap attempts and acceptances of one kind.
func (p *PrometheusCollector) RecordSwaps(kind string, attempts, accepted int64) {
	p.ensureRegistered()
	p.swapAttempts.WithLabelValues(kind).Add(float64(attempts))
	p.swapAccepts.WithLabelValues(kind).Add(float64(accepted))
}

// RecordExchangeFailure counts one failed exchange.
func (p *PrometheusCollector) RecordExchangeFailure(reason string) {
	p.ensureRegistered()
	p.exchangeFails.WithLabelValues(reason).Inc()
}

// SetAcceptanceRate sets the acceptance gauge of one replica.
func (p *PrometheusCollector) SetAcceptanceRate(replica string, rate float64) {
	p.ensureRegistered()
	p.acceptance.WithLabelValues(replica).Set(rate)
}
