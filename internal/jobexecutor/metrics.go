package jobexecutor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Job outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeConflict = "conflict"
)

// Metrics are the job executor's prometheus collectors.
type Metrics struct {
	AcquisitionCycles prometheus.Counter
	AcquisitionErrors prometheus.Counter
	AcquiredJobs      prometheus.Counter
	CallerRuns        prometheus.Counter
	JobOutcomes       *prometheus.CounterVec
	JobDuration       prometheus.Histogram
	InFlight          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AcquisitionCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvm_job_acquisition_cycles_total",
			Help: "Total number of job acquisition cycles",
		}),
		AcquisitionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvm_job_acquisition_errors_total",
			Help: "Total number of failed job acquisition cycles",
		}),
		AcquiredJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvm_jobs_acquired_total",
			Help: "Total number of jobs locked by this executor",
		}),
		CallerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvm_job_batches_caller_runs_total",
			Help: "Batches run on the acquisition goroutine because the pool was full",
		}),
		JobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvm_jobs_executed_total",
			Help: "Total number of job executions by outcome",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pvm_job_duration_seconds",
			Help:    "Duration of job executions",
			Buckets: prometheus.DefBuckets,
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pvm_jobs_in_flight",
			Help: "Number of jobs currently executing",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.AcquisitionCycles,
			m.AcquisitionErrors,
			m.AcquiredJobs,
			m.CallerRuns,
			m.JobOutcomes,
			m.JobDuration,
			m.InFlight,
		)
	}
	return m
}
