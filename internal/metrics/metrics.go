// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runbox_admissions_total",
		Help: "Admission decisions by outcome and rejection code",
	}, []string{"outcome", "code"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runbox_tasks_finished_total",
		Help: "Tasks that reached a terminal status",
	}, []string{"type", "status"})

	SandboxRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runbox_sandbox_runs_total",
		Help: "Sandbox executions by result",
	}, []string{"result"})

	SandboxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runbox_sandbox_duration_seconds",
		Help:    "Wall time of sandbox executions",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"type"})

	QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "runbox_queue_wait_duration_seconds",
		Help:    "Time a job spent in the queue before a slot leased it",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runbox_job_retries_total",
		Help: "Jobs released for retry or dead-lettered",
	}, []string{"outcome"})

	UsageRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runbox_usage_records_total",
		Help: "Usage accounting calls by result",
	}, []string{"result"})

	BusySlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runbox_worker_slots_busy",
		Help: "Worker slots currently executing a job",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runbox_queue_depth",
		Help: "Jobs in the execution queue by state",
	}, []string{"state"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
