package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry            *prometheus.Registry
	jobsTotal           *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	activeJobs          prometheus.Gauge
	pixelsComposedTotal prometheus.Counter
	exportedBytesTotal  prometheus.Counter
	backgroundRemovals  *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbforge_worker_jobs_total",
			Help: "Total worker jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbforge_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thumbforge_worker_active_jobs",
			Help: "Current number of active compositions in the worker.",
		}),
		pixelsComposedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbforge_worker_pixels_composed_total",
			Help: "Total canvas pixels composed across successful jobs.",
		}),
		exportedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "thumbforge_worker_exported_bytes_total",
			Help: "Total bytes of PNG thumbnails written.",
		}),
		backgroundRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbforge_worker_background_removals_total",
			Help: "Background removals by the strategy that produced them.",
		}, []string{"strategy"}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.pixelsComposedTotal,
		m.exportedBytesTotal,
		m.backgroundRemovals,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
