// Package instrument exposes ingestion counters on a Prometheus registry.
// A nil *Metrics is valid and records nothing.
package instrument

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	batches       *prometheus.CounterVec
	upserted      prometheus.Counter
	skipped       prometheus.Counter
	parseFailures prometheus.Counter
	ingestSeconds prometheus.Histogram
	transitions   *prometheus.CounterVec
	busy          prometheus.Counter
	exports       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trickle_batches_total",
			Help: "Ingested batches by transport and outcome.",
		}, []string{"transport", "outcome"}),
		upserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trickle_metrics_upserted_total",
			Help: "Normalized metric rows written.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trickle_groups_skipped_total",
			Help: "Timestamp groups older than the session baseline.",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trickle_parse_failures_total",
			Help: "Measurements whose raw text could not be parsed.",
		}),
		ingestSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trickle_ingest_duration_seconds",
			Help:    "Time spent ingesting one batch.",
			Buckets: prometheus.DefBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trickle_session_transitions_total",
			Help: "Session state transitions by target status and cause.",
		}, []string{"status", "cause"}),
		busy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trickle_source_busy_total",
			Help: "Batches rejected because the source lock timed out.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trickle_exports_total",
			Help: "Session exports by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.batches, m.upserted, m.skipped, m.parseFailures, m.ingestSeconds,
		m.transitions, m.busy, m.exports,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
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

func (m *Metrics) Batch(transport, outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(transport, outcome).Inc()
}

func (m *Metrics) Ingested(upserted, skipped, parseFailures int, took time.Duration) {
	if m == nil {
		return
	}
	m.upserted.Add(float64(upserted))
	m.skipped.Add(float64(skipped))
	m.parseFailures.Add(float64(parseFailures))
	m.ingestSeconds.Observe(took.Seconds())
}

func (m *Metrics) Transition(status, cause string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, cause).Inc()
}

func (m *Metrics) SourceBusy() {
	if m == nil {
		return
	}
	m.busy.Inc()
}

func (m *Metrics) Export(outcome string) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(outcome).Inc()
}
