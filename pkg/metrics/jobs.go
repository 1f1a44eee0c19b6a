package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics records counters around job settlement and provider polling.
type JobMetrics struct {
	started      *prometheus.CounterVec
	completed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	refunds      prometheus.Counter
	insufficient prometheus.Counter
	pollAttempts prometheus.Counter
	pollErrors   prometheus.Counter
	duration     *prometheus.HistogramVec
}

// NewJobMetrics registers the job metrics on the provided registerer.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	if reg == nil {
		return &JobMetrics{}
	}
	started := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_started_total",
		Help: "Jobs accepted and debited.",
	}, []string{"kind"})
	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Jobs that reached terminal success.",
	}, []string{"kind"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Jobs that reached terminal failure.",
	}, []string{"kind"})
	refunds := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "job_refunds_total",
		Help: "Compensating credits issued for failed jobs.",
	})
	insufficient := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "job_insufficient_balance_total",
		Help: "Job requests rejected for insufficient balance.",
	})
	pollAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "provider_poll_attempts_total",
		Help: "Status polls issued against the provider.",
	})
	pollErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "provider_poll_errors_total",
		Help: "Transient poll failures (retried, not job failures).",
	})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Wall-clock duration from start to terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"kind"})
	reg.MustRegister(started, completed, failed, refunds, insufficient, pollAttempts, pollErrors, duration)
	return &JobMetrics{
		started:      started,
		completed:    completed,
		failed:       failed,
		refunds:      refunds,
		insufficient: insufficient,
		pollAttempts: pollAttempts,
		pollErrors:   pollErrors,
		duration:     duration,
	}
}

// IncStarted increments the started counter for the job kind.
func (m *JobMetrics) IncStarted(kind string) {
	if m == nil || m.started == nil {
		return
	}
	m.started.WithLabelValues(normalizeLabel(kind)).Inc()
}

// IncCompleted increments the completed counter for the job kind.
func (m *JobMetrics) IncCompleted(kind string) {
	if m == nil || m.completed == nil {
		return
	}
	m.completed.WithLabelValues(normalizeLabel(kind)).Inc()
}

// IncFailed increments the failed counter for the job kind.
func (m *JobMetrics) IncFailed(kind string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.WithLabelValues(normalizeLabel(kind)).Inc()
}

// IncRefund counts a compensating credit.
func (m *JobMetrics) IncRefund() {
	if m == nil || m.refunds == nil {
		return
	}
	m.refunds.Inc()
}

// IncInsufficientBalance counts a rejected job request.
func (m *JobMetrics) IncInsufficientBalance() {
	if m == nil || m.insufficient == nil {
		return
	}
	m.insufficient.Inc()
}

// IncPollAttempt counts one provider status poll.
func (m *JobMetrics) IncPollAttempt() {
	if m == nil || m.pollAttempts == nil {
		return
	}
	m.pollAttempts.Inc()
}

// IncPollError counts one transient poll failure.
func (m *JobMetrics) IncPollError() {
	if m == nil || m.pollErrors == nil {
		return
	}
	m.pollErrors.Inc()
}

// ObserveDuration records a job's start-to-terminal duration.
func (m *JobMetrics) ObserveDuration(kind string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(kind)).Observe(duration.Seconds())
}

func normalizeLabel(kind string) string {
	if kind == "" {
		return "unknown"
	}
	return kind
}
