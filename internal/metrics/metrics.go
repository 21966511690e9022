// Package metrics exposes Prometheus collectors for gradient search jobs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gradsearch"

// Step outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeNonFinite = "nonfinite"
)

// Metrics holds the collectors updated by the job runner.
type Metrics struct {
	Steps       *prometheus.CounterVec
	Jobs        *prometheus.CounterVec
	ActiveJobs  prometheus.Gauge
	JobDuration *prometheus.HistogramVec
	StepSize    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Gradient search steps by outcome.",
		}, []string{"function", "outcome"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished optimization jobs by final status.",
		}, []string{"status"}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Optimization jobs currently running.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of optimization jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"function"}),
		StepSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_size",
			Help:      "Current step size of running jobs.",
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(m.Steps, m.Jobs, m.ActiveJobs, m.JobDuration, m.StepSize)
	}
	return m
}

// ObserveStep counts one step of a job minimizing or maximizing function.
func (m *Metrics) ObserveStep(function string, accepted, nonFinite bool) {
	outcome := OutcomeRejected
	switch {
	case accepted:
		outcome = OutcomeAccepted
	case nonFinite:
		outcome = OutcomeNonFinite
	}
	m.Steps.WithLabelValues(function, outcome).Inc()
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	m.ActiveJobs.Inc()
}

// JobFinished records the final status and duration of a job.
func (m *Metrics) JobFinished(job, function, status string, elapsed time.Duration) {
	m.ActiveJobs.Dec()
	m.Jobs.WithLabelValues(status).Inc()
	m.JobDuration.WithLabelValues(function).Observe(elapsed.Seconds())
	m.StepSize.DeleteLabelValues(job)
}
