package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes recorded by JobsTotal.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

var (
	// JobsTotal counts executed jobs by task and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enq_jobs_total",
		Help: "Total number of executed jobs.",
	}, []string{"task", "outcome"})

	// JobDuration measures handler execution time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enq_job_duration_seconds",
		Help:    "Duration of job handler execution in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// LeaseErrors counts failed attempts to lease a job.
	LeaseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enq_lease_errors_total",
		Help: "Total number of failed job lease attempts.",
	})

	// WorkerFatal counts workers that stopped on an unrecoverable error.
	WorkerFatal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enq_worker_fatal_total",
		Help: "Total number of workers stopped by a fatal error.",
	})

	// Nudges counts change notifications by whether an idle worker took them.
	Nudges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enq_nudges_total",
		Help: "Total number of job-insert notifications handled.",
	}, []string{"accepted"})

	// Workers tracks live workers by state.
	Workers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enq_workers",
		Help: "Number of workers in each state.",
	}, []string{"state"})
)
