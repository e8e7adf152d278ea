// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal             *prometheus.CounterVec
	extractionsTotal       *prometheus.CounterVec
	taskRetriesTotal       prometheus.Counter
	tasksReapedTotal       prometheus.Counter
	renderDurationSeconds  prometheus.Histogram
	taskDurationSeconds    *prometheus.HistogramVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_tasks_total",
				Help: "Total number of ingestion tasks reaching a terminal status.",
			},
			[]string{"status"},
		)
		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_extractions_total",
				Help: "Total number of successful extractions, labeled by strategy.",
			},
			[]string{"strategy"},
		)
		taskRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_task_retries_total",
				Help: "Total number of task attempt retries.",
			},
		)
		tasksReapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_tasks_reaped_total",
				Help: "Total number of stuck tasks transitioned to FAILED by the reaper.",
			},
		)
		renderDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_render_duration_seconds",
				Help:    "Histogram of page fetch/render latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		)
		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_task_duration_seconds",
				Help:    "Histogram of end-to-end task durations, labeled by terminal status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// TaskFinished records a task reaching a terminal status.
func TaskFinished(status string, duration time.Duration) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(status).Inc()
	taskDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ExtractionSucceeded records which strategy won.
func ExtractionSucceeded(strategy string) {
	if extractionsTotal == nil {
		return
	}
	extractionsTotal.WithLabelValues(strategy).Inc()
}

// TaskRetried records one retry of a task attempt.
func TaskRetried() {
	if taskRetriesTotal == nil {
		return
	}
	taskRetriesTotal.Inc()
}

// TasksReaped records stuck tasks failed by the reaper.
func TasksReaped(count int) {
	if tasksReapedTotal == nil || count <= 0 {
		return
	}
	tasksReapedTotal.Add(float64(count))
}

// RenderObserved records a page fetch/render duration.
func RenderObserved(duration time.Duration) {
	if renderDurationSeconds == nil {
		return
	}
	renderDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
