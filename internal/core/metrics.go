package core

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maskforge/maskforge/internal/fingerprint"
)

const metricsNamespace = "maskforge"

// Metrics owns the engine's Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	generations        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	validations        *prometheus.CounterVec
	ruleOutcomes       *prometheus.CounterVec
	catalogVersion     prometheus.Gauge
	busPublished       *prometheus.CounterVec
}

// NewMetrics registers every engine metric on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generations_total",
			Help:      "Profiles generated, by outcome.",
		}, []string{"outcome"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "generation_duration_seconds",
			Help:      "Time to sample one profile.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "validations_total",
			Help:      "Validation reports, by aggregate risk level and status.",
		}, []string{"risk", "status"}),
		ruleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rule_outcomes_total",
			Help:      "Rule outcomes, by rule and status.",
		}, []string{"rule", "status"}),
		catalogVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "catalog_version",
			Help:      "Latest published catalog version.",
		}),
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bus_messages_published_total",
			Help:      "Messages published to NATS, by subject family and result.",
		}, []string{"family", "result"}),
	}
	reg.MustRegister(m.generations, m.generationDuration, m.validations, m.ruleOutcomes, m.catalogVersion, m.busPublished)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeGeneration(outcome string, d time.Duration) {
	m.generations.WithLabelValues(outcome).Inc()
	m.generationDuration.Observe(d.Seconds())
}

// observeRejection counts a GenerateAccepted call that ran out of attempts.
// The individual samples were already timed.
func (m *Metrics) observeRejection() {
	m.generations.WithLabelValues("rejected").Inc()
}

func (m *Metrics) observeReport(r *fingerprint.Report) {
	m.validations.WithLabelValues(strings.ToLower(r.RiskLevel.String()), string(r.Status)).Inc()
	for _, o := range r.Outcomes {
		m.ruleOutcomes.WithLabelValues(o.RuleID, string(o.Status)).Inc()
	}
}

func (m *Metrics) setCatalogVersion(v int) { m.catalogVersion.Set(float64(v)) }

func (m *Metrics) observePublish(family string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.busPublished.WithLabelValues(family, result).Inc()
}
