// Package metrics exposes Prometheus collectors for the supervisor service.
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
	supervisorRunsTotal          *prometheus.CounterVec
	supervisorRunDurationSeconds *prometheus.HistogramVec
	supervisorActiveRuns         prometheus.Gauge
	supervisorEngineReportsTotal *prometheus.CounterVec
	brokerMessagesTotal          *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		supervisorRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supervisor_runs_total",
				Help: "Total number of supervised job runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		supervisorRunDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "supervisor_run_duration_seconds",
				Help:    "Wall time of supervised runs from start to terminal state, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
			},
			[]string{"outcome"},
		)

		supervisorActiveRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "supervisor_active_runs",
				Help: "Number of runs whose engine process is currently alive.",
			},
		)

		supervisorEngineReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supervisor_engine_reports_total",
				Help: "Error reports received from engine processes, labeled by severity.",
			},
			[]string{"severity"},
		)

		brokerMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_messages_total",
				Help: "Messages consumed by workers, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Supervisor records run lifecycle metrics. The zero value is ready to use.
type Supervisor struct{}

// RunStarted marks an engine process as alive.
func (Supervisor) RunStarted() {
	Init()
	supervisorActiveRuns.Inc()
}

// RunFinished records the outcome and duration of a run.
func (Supervisor) RunFinished(outcome string, d time.Duration) {
	Init()
	supervisorActiveRuns.Dec()
	supervisorRunsTotal.WithLabelValues(outcome).Inc()
	supervisorRunDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// EngineReport counts a report read from an engine process.
func (Supervisor) EngineReport(fatal bool) {
	Init()
	severity := "error"
	if fatal {
		severity = "fatal"
	}
	supervisorEngineReportsTotal.WithLabelValues(severity).Inc()
}

// Broker records worker message results. The zero value is ready to use.
type Broker struct{}

// ObserveMessage implements worker.Observer.
func (Broker) ObserveMessage(result string) { ObserveMessage(result) }

// ObserveMessage counts a consumed broker message.
func ObserveMessage(result string) {
	Init()
	brokerMessagesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
