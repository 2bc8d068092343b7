// Package metrics holds the Prometheus collectors shared by the API and
// the worker. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "infinityad"

type Metrics struct {
	registry *prometheus.Registry

	scrapes       *prometheus.CounterVec
	scrapeLatency *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	analyses      *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	stageLatency  *prometheus.HistogramVec
	outboxPending prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		scrapes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrapes_total",
			Help:      "Product scrapes by marketplace and outcome.",
		}, []string{"marketplace", "outcome"}),
		scrapeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scrape_duration_seconds",
			Help:      "Scrape duration including retries.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"marketplace"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by kind and result.",
		}, []string{"kind", "result"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_analyses_total",
			Help:      "Video analyses by overall sentiment.",
		}, []string{"sentiment"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Ad jobs reaching a status.",
		}, []string{"status"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_stage_duration_seconds",
			Help:      "Duration of each job pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"stage", "outcome"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_events",
			Help:      "Outbox events waiting for the relay.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scrapes, m.scrapeLatency, m.cacheLookups, m.analyses, m.jobs, m.stageLatency, m.outboxPending,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
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

func (m *Metrics) ObserveScrape(marketplace string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.scrapes.WithLabelValues(marketplace, outcome(err)).Inc()
	m.scrapeLatency.WithLabelValues(marketplace).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Analysis(sentiment string) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(sentiment).Inc()
}

func (m *Metrics) JobStatus(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveStage(stage string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage, outcome(err)).Observe(d.Seconds())
}

func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
