// Package metrics defines the Prometheus metrics exposed by a running
// manager: container lifecycle counts and durations, guest agent RPC
// latency, and exec/process counts. Metrics are registered at package
// init and exposed via Handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "containervisor_containers_total",
			Help: "Total number of managed containers by last known state",
		},
		[]string{"state"},
	)

	ContainersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "containervisor_containers_created_total",
			Help: "Total number of containers successfully created",
		},
	)

	ContainersCreateFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "containervisor_containers_create_failed_total",
			Help: "Total number of container create attempts that failed",
		},
	)

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "containervisor_container_create_duration_seconds",
			Help:    "Time taken to create a container, including VM boot and agent bootstrap",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "containervisor_container_start_duration_seconds",
			Help:    "Time taken to start a container's primary process",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "containervisor_container_stop_duration_seconds",
			Help:    "Time taken to stop a container and release its VM",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecProcessesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "containervisor_exec_processes_total",
			Help: "Total number of exec processes started across all containers",
		},
	)

	AgentRPCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "containervisor_agent_rpc_total",
			Help: "Total guest agent RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	AgentRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "containervisor_agent_rpc_duration_seconds",
			Help:    "Guest agent RPC round-trip duration by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	NetworkAttachmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "containervisor_network_attachments_total",
			Help: "Total number of active CNI network attachments",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersTotal,
		ContainersCreatedTotal,
		ContainersCreateFailedTotal,
		ContainerCreateDuration,
		ContainerStartDuration,
		ContainerStopDuration,
		ExecProcessesTotal,
		AgentRPCTotal,
		AgentRPCDuration,
		NetworkAttachmentsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labelled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
