package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	tasksTotal           *prometheus.CounterVec
	taskDuration         *prometheus.HistogramVec
	activeTasks          prometheus.Gauge
	pixelsProcessedTotal prometheus.Counter
	thumbnailBytesTotal  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fotopipe_worker_tasks_total",
			Help: "Total thumbnail tasks by final outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fotopipe_worker_task_duration_seconds",
			Help:    "Thumbnail derivation duration per task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fotopipe_worker_active_tasks",
			Help: "Current number of thumbnail tasks being derived.",
		}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fotopipe_worker_pixels_processed_total",
			Help: "Total source pixels decoded across successful derivations.",
		}),
		thumbnailBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fotopipe_worker_thumbnail_bytes_total",
			Help: "Total encoded thumbnail bytes written to storage.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeTasks,
		m.pixelsProcessedTotal,
		m.thumbnailBytesTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
