package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strategy_engine"

// Metrics is the engine's Prometheus instrumentation. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	pollTicks          *prometheus.CounterVec
	stageMerges        *prometheus.CounterVec
	normalizationGaps  *prometheus.CounterVec
	persistenceFailure prometheus.Counter
	activePollers      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Status poll ticks by outcome (ok, failed, skipped).",
		}, []string{"outcome"}),
		stageMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "stage_merges_total",
			Help:      "Stage record changes by stage and resulting status.",
		}, []string{"stage", "status"}),
		normalizationGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "defaulted_fields_total",
			Help:      "Canonical fields filled with a default, by stage.",
		}, []string{"stage"}),
		persistenceFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persistence_failures_total",
			Help:      "Failed session persistence attempts.",
		}),
		activePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "active",
			Help:      "Polling loops currently running.",
		}),
	}
	m.registry.MustRegister(
		m.pollTicks,
		m.stageMerges,
		m.normalizationGaps,
		m.persistenceFailure,
		m.activePollers,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PollTick(outcome string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	m.activePollers.Inc()
}

func (m *Metrics) PollerStopped() {
	if m == nil {
		return
	}
	m.activePollers.Dec()
}

func (m *Metrics) StageMerged(stage, status string) {
	if m == nil {
		return
	}
	m.stageMerges.WithLabelValues(stage, status).Inc()
}

func (m *Metrics) NormalizationGaps(stage string, n int) {
	if m == nil {
		return
	}
	m.normalizationGaps.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) PersistenceFailed() {
	if m == nil {
		return
	}
	m.persistenceFailure.Inc()
}
